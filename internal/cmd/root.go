package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/turbolytics/observer/internal/config"
)

var Version = "dev"

func NewRootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "observer",
		Short: "Tails the MongoDB oplog and keeps live mirrors of collections",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to a yaml config file")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().String("mongo-uri", "", "MongoDB connection string")
	viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("mongo-uri", cmd.PersistentFlags().Lookup("mongo-uri"))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OBSERVER")

	cmd.AddCommand(newTailCommand())
	cmd.AddCommand(newMirrorCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// loadConfig reads the config file, if any, and applies flag and
// OBSERVER_* environment overrides.
func loadConfig() (*config.Config, error) {
	c := config.Default()
	if fpath := viper.GetString("config"); fpath != "" {
		var err error
		if c, err = config.NewFromFile(fpath); err != nil {
			return nil, err
		}
	}

	if v := viper.GetString("log-level"); v != "" {
		c.Logger.Level = v
	}
	if v := viper.GetString("mongo-uri"); v != "" {
		c.Mongo.URI = v
	}
	if v := viper.GetString("id"); v != "" {
		c.Observer.ID = v
	}
	return c, nil
}

// bindFlags binds a subcommand's own flags when it runs, so commands can
// share flag names.
func bindFlags(cmd *cobra.Command, args []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		stop()
		os.Exit(1)
	}
}
