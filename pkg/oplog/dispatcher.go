package oplog

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Handler reacts to the three data bearing operation kinds.
type Handler interface {
	OnInsert(ctx context.Context, r Record) error
	OnUpdate(ctx context.Context, r Record) error
	OnDelete(ctx context.Context, r Record) error
}

// Flusher is implemented by handlers that buffer records. The observer
// flushes before every checkpoint so a saved position never runs ahead of
// what was made durable.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Consumer is what an Observer feeds. LastTimestamp reports the resume
// point, if any record has been handled.
type Consumer interface {
	Handle(ctx context.Context, r Record) error
	LastTimestamp() (primitive.Timestamp, bool)
}

// HandlerFuncs adapts plain functions to a Handler. Nil funcs are no-ops.
type HandlerFuncs struct {
	Insert func(ctx context.Context, r Record) error
	Update func(ctx context.Context, r Record) error
	Delete func(ctx context.Context, r Record) error
}

func (h HandlerFuncs) OnInsert(ctx context.Context, r Record) error {
	if h.Insert == nil {
		return nil
	}
	return h.Insert(ctx, r)
}

func (h HandlerFuncs) OnUpdate(ctx context.Context, r Record) error {
	if h.Update == nil {
		return nil
	}
	return h.Update(ctx, r)
}

func (h HandlerFuncs) OnDelete(ctx context.Context, r Record) error {
	if h.Delete == nil {
		return nil
	}
	return h.Delete(ctx, r)
}

// Dispatcher routes records to a Handler by operation kind and remembers the
// timestamp of the last record it was given.
type Dispatcher struct {
	handler Handler
	logger  *zap.Logger

	mu   sync.RWMutex
	last primitive.Timestamp
	seen bool
}

type DispatcherOption func(*Dispatcher)

func DispatcherWithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func NewDispatcher(h Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler: h,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle records r's timestamp, whatever its kind, and then calls the
// matching handler method. Commands, db declarations, no-ops and unknown
// kinds are skipped.
func (d *Dispatcher) Handle(ctx context.Context, r Record) error {
	d.mu.Lock()
	d.last = r.Timestamp
	d.seen = true
	d.mu.Unlock()

	switch r.Op {
	case OpInsert:
		return d.handler.OnInsert(ctx, r)
	case OpUpdate:
		return d.handler.OnUpdate(ctx, r)
	case OpDelete:
		return d.handler.OnDelete(ctx, r)
	}

	d.logger.Debug("skipping operation",
		zap.String("op", r.Op.String()),
		zap.String("ns", r.Namespace),
		zap.Uint32("ts", r.Timestamp.T),
		zap.Uint32("ts_inc", r.Timestamp.I),
	)
	return nil
}

func (d *Dispatcher) LastTimestamp() (primitive.Timestamp, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last, d.seen
}

// Flush flushes the handler if it buffers.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if f, ok := d.handler.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

// SetLastTimestamp seeds the resume point, e.g. from a checkpoint.
func (d *Dispatcher) SetLastTimestamp(ts primitive.Timestamp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = ts
	d.seen = true
}

// Handlers fans a record out to several handlers in order, stopping at the
// first error.
type Handlers []Handler

func (hs Handlers) OnInsert(ctx context.Context, r Record) error {
	for _, h := range hs {
		if err := h.OnInsert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (hs Handlers) OnUpdate(ctx context.Context, r Record) error {
	for _, h := range hs {
		if err := h.OnUpdate(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (hs Handlers) OnDelete(ctx context.Context, r Record) error {
	for _, h := range hs {
		if err := h.OnDelete(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (hs Handlers) Flush(ctx context.Context) error {
	for _, h := range hs {
		if f, ok := h.(Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
