package preserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/turbolytics/observer/pkg/oplog"
)

type StdoutOption func(*Stdout)

func WithWriter(w io.Writer) StdoutOption {
	return func(s *Stdout) {
		s.w = w
	}
}

// Stdout writes every insert, update and delete as one line of relaxed
// Extended JSON.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdout(opts ...StdoutOption) *Stdout {
	s := &Stdout{w: os.Stdout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stdout) OnInsert(ctx context.Context, r oplog.Record) error {
	return s.Preserve(ctx, r)
}

func (s *Stdout) OnUpdate(ctx context.Context, r oplog.Record) error {
	return s.Preserve(ctx, r)
}

func (s *Stdout) OnDelete(ctx context.Context, r oplog.Record) error {
	return s.Preserve(ctx, r)
}

func (s *Stdout) Preserve(ctx context.Context, r oplog.Record) error {
	bs, err := bson.MarshalExtJSON(r, false, false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintln(s.w, string(bs))
	return err
}
