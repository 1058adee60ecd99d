package main

import "github.com/turbolytics/observer/internal/cmd"

func main() {
	cmd.Execute()
}
