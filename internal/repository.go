package internal

import (
	"context"
	"io"
)

// Repository stores archive objects under a key.
type Repository interface {
	Write(ctx context.Context, key string, reader io.Reader) error
}
