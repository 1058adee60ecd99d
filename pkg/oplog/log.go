package oplog

import (
	"context"
	"errors"
)

var (
	// ErrEmptyLog is returned by Log.Latest when the log holds no entries.
	ErrEmptyLog = errors.New("oplog is empty")
)

// Log is an ordered, append only change log that can be tailed.
type Log interface {
	// Latest returns the most recent entry.
	Latest(ctx context.Context) (Record, error)

	// Tail opens a cursor over entries matching f, in log order.
	Tail(ctx context.Context, f Filter) (Cursor, error)
}

// Cursor iterates over a Tail result.
type Cursor interface {
	// Next advances to the next entry. It returns false once no entry is
	// available right now; check Err and Alive to tell the cases apart.
	Next(ctx context.Context) bool
	Record() (Record, error)
	Err() error
	// Alive reports whether the cursor can yield entries appended later.
	Alive() bool
	Close(ctx context.Context) error
}
