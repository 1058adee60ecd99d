package mirror

import (
	"context"

	"github.com/turbolytics/observer/pkg/document"
	"github.com/turbolytics/observer/pkg/oplog"
)

// Change describes one mutation the mirror applied. Before is nil for an
// insert of a new document; After is nil for a delete. Both are private
// copies.
type Change struct {
	Op     oplog.Op
	ID     any
	Before *document.Document
	After  *document.Document
	// Delta is set for updates.
	Delta  oplog.Delta
	Record oplog.Record
}

// Listener is called synchronously, in record order, after the mirror has
// applied a change. An error stops the observer unless its error handler
// absorbs it.
type Listener interface {
	OnChange(ctx context.Context, c Change) error
}

type ListenerFunc func(ctx context.Context, c Change) error

func (f ListenerFunc) OnChange(ctx context.Context, c Change) error {
	return f(ctx, c)
}
