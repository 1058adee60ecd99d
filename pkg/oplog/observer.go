package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

var (
	// ErrStopObservation ends Observe when returned by the empty cursor hook
	// or by a handler. Observe returns it to the caller unchanged.
	ErrStopObservation = errors.New("stop observation")
)

const DefaultPollInterval = 100 * time.Millisecond

// Stats describes the observer loop.
type Stats struct {
	StartedAt      time.Time           `json:"started_at,omitempty"`
	RecordsHandled int64               `json:"records_handled"`
	HandlerErrors  int64               `json:"handler_errors"`
	EmptyPolls     int64               `json:"empty_polls"`
	CursorsOpened  int64               `json:"cursors_opened"`
	Checkpoints    int64               `json:"checkpoints"`
	LastTimestamp  primitive.Timestamp `json:"last_timestamp"`
	LastRecordAt   time.Time           `json:"last_record_at,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
}

// Observer tails a Log and feeds every matching record to a Consumer.
type Observer struct {
	ID string

	log          Log
	consumer     Consumer
	namespace    string
	start        primitive.Timestamp
	explicit     bool
	pollInterval time.Duration
	onEmpty      func(ctx context.Context) error
	onError      func(ctx context.Context, r Record, err error) error

	checkpointer    Checkpointer
	checkpointEvery int
	sinceCheckpoint int
	// handlerFailed is set when a handler error ended Observe; the record
	// that failed is already the consumer's last timestamp.
	handlerFailed bool

	logger *zap.Logger

	statsMu sync.RWMutex
	stats   Stats
}

type ObserverOption func(*Observer)

func WithID(id string) ObserverOption {
	return func(o *Observer) {
		o.ID = id
	}
}

// WithNamespace restricts the observer to one "database.collection".
func WithNamespace(ns string) ObserverOption {
	return func(o *Observer) {
		o.namespace = ns
	}
}

// WithStartingTimestamp makes the observer deliver only records strictly
// after ts.
func WithStartingTimestamp(ts primitive.Timestamp) ObserverOption {
	return func(o *Observer) {
		o.start = ts
		o.explicit = true
	}
}

// WithPollInterval is how long to wait before reopening a dead cursor.
func WithPollInterval(d time.Duration) ObserverOption {
	return func(o *Observer) {
		o.pollInterval = d
	}
}

// WithOnEmpty registers a hook called after every fetch cycle that yielded
// nothing. Returning ErrStopObservation ends the loop.
func WithOnEmpty(fn func(ctx context.Context) error) ObserverOption {
	return func(o *Observer) {
		o.onEmpty = fn
	}
}

// WithErrorHandler lets the caller absorb handler errors. Returning nil
// continues with the next record; returning an error ends the loop with it.
func WithErrorHandler(fn func(ctx context.Context, r Record, err error) error) ObserverOption {
	return func(o *Observer) {
		o.onError = fn
	}
}

// WithCheckpointer saves the resume point every n records (n <= 0 only on
// stop) and loads it at construction when no starting timestamp is given.
func WithCheckpointer(c Checkpointer, n int) ObserverOption {
	return func(o *Observer) {
		o.checkpointer = c
		o.checkpointEvery = n
	}
}

func WithLogger(logger *zap.Logger) ObserverOption {
	return func(o *Observer) {
		o.logger = logger
	}
}

// NewObserver resolves the starting timestamp: an explicit one, else the
// consumer's last handled timestamp, else a saved checkpoint, else the most
// recent entry in the log, so history is skipped. An empty log starts at
// MinTimestamp.
func NewObserver(ctx context.Context, log Log, consumer Consumer, opts ...ObserverOption) (*Observer, error) {
	o := &Observer{
		ID:           "observer",
		log:          log,
		consumer:     consumer,
		pollInterval: DefaultPollInterval,
		checkpointer: &NoopCheckpointer{},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.resolveStart(ctx); err != nil {
		return nil, err
	}

	o.logger.Info("Observer created",
		zap.String("observer_id", o.ID),
		zap.String("ns", o.namespace),
		zap.Uint32("start", o.start.T),
		zap.Uint32("start_inc", o.start.I),
		zap.Duration("poll_interval", o.pollInterval),
	)
	return o, nil
}

func (o *Observer) resolveStart(ctx context.Context) error {
	if o.explicit {
		return nil
	}

	if ts, ok := o.consumer.LastTimestamp(); ok {
		o.start = ts
		return nil
	}

	checkpoint, err := o.checkpointer.Load(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if checkpoint != nil {
		o.start = checkpoint.Timestamp
		return nil
	}

	latest, err := o.log.Latest(ctx)
	switch {
	case errors.Is(err, ErrEmptyLog):
		o.start = MinTimestamp
	case err != nil:
		return fmt.Errorf("reading latest oplog entry: %w", err)
	default:
		o.start = latest.Timestamp
	}
	return nil
}

// Filter returns the query the next cursor will be opened with. The lower
// bound follows the consumer's last handled timestamp once there is one.
func (o *Observer) Filter() Filter {
	after := o.start
	if ts, ok := o.consumer.LastTimestamp(); ok {
		after = ts
	}
	return Filter{
		Namespace: o.namespace,
		After:     after,
	}
}

func (o *Observer) openCursor(ctx context.Context) (Cursor, error) {
	f := o.Filter()
	cursor, err := o.log.Tail(ctx, f)
	if err != nil {
		o.setError(err)
		return nil, fmt.Errorf("opening oplog cursor: %w", err)
	}

	o.statsMu.Lock()
	o.stats.CursorsOpened++
	o.statsMu.Unlock()

	o.logger.Debug("Cursor opened",
		zap.String("ns", f.Namespace),
		zap.Uint32("after", f.After.T),
		zap.Uint32("after_inc", f.After.I),
	)
	return cursor, nil
}

// Observe runs until ctx is done, a hook or handler returns
// ErrStopObservation, or an error is not absorbed by the error handler. It
// only blocks while reading from the cursor and while waiting to reopen a
// dead one.
func (o *Observer) Observe(ctx context.Context) (err error) {
	o.statsMu.Lock()
	if o.stats.StartedAt.IsZero() {
		o.stats.StartedAt = time.Now()
	}
	o.statsMu.Unlock()
	o.handlerFailed = false

	defer func() {
		if errors.Is(err, ErrStopObservation) {
			o.logger.Debug("Stopping observer", zap.String("observer_id", o.ID))
		}
		if o.handlerFailed {
			o.logger.Warn("Skipping checkpoint after handler error",
				zap.String("observer_id", o.ID),
				zap.Error(err),
			)
			return
		}
		if cerr := o.checkpoint(context.WithoutCancel(ctx)); cerr != nil {
			o.logger.Error("Error checkpointing", zap.Error(cerr))
		}
	}()

	cursor, err := o.openCursor(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cursor.Close(context.WithoutCancel(ctx))
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !cursor.Alive() {
			cursor.Close(ctx)
			if err := o.wait(ctx); err != nil {
				return err
			}
			next, err := o.openCursor(ctx)
			if err != nil {
				return err
			}
			cursor = next
		}

		empty := true
		for cursor.Next(ctx) {
			empty = false
			r, err := cursor.Record()
			if err != nil {
				o.setError(err)
				return fmt.Errorf("decoding oplog entry: %w", err)
			}
			if err := o.dispatch(ctx, r); err != nil {
				return err
			}
		}
		if err := cursor.Err(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.setError(err)
			return fmt.Errorf("reading oplog cursor: %w", err)
		}

		if empty {
			o.statsMu.Lock()
			o.stats.EmptyPolls++
			o.statsMu.Unlock()

			if o.onEmpty != nil {
				if err := o.onEmpty(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (o *Observer) dispatch(ctx context.Context, r Record) error {
	err := o.consumer.Handle(ctx, r)

	o.statsMu.Lock()
	o.stats.RecordsHandled++
	o.stats.LastTimestamp = r.Timestamp
	o.stats.LastRecordAt = time.Now()
	if err != nil && !errors.Is(err, ErrStopObservation) {
		o.stats.HandlerErrors++
		o.stats.LastError = err.Error()
	}
	o.statsMu.Unlock()

	if err != nil {
		if errors.Is(err, ErrStopObservation) {
			return err
		}
		if o.onError != nil {
			err = o.onError(ctx, r, err)
		}
		if err != nil {
			o.handlerFailed = !errors.Is(err, ErrStopObservation)
			return err
		}
	}

	if o.checkpointEvery > 0 {
		o.sinceCheckpoint++
		if o.sinceCheckpoint >= o.checkpointEvery {
			if err := o.checkpoint(ctx); err != nil {
				o.logger.Error("Error checkpointing", zap.Error(err))
				return err
			}
		}
	}
	return nil
}

// checkpoint flushes a buffering consumer and then saves its last
// timestamp. Nothing is saved when the flush fails.
func (o *Observer) checkpoint(ctx context.Context) error {
	ts, ok := o.consumer.LastTimestamp()
	if !ok {
		return nil
	}

	if f, ok := o.consumer.(Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			o.setError(err)
			return fmt.Errorf("flushing before checkpoint: %w", err)
		}
	}

	o.sinceCheckpoint = 0
	if err := o.checkpointer.Save(ctx, &Checkpoint{
		ObserverID: o.ID,
		Timestamp:  ts,
		SavedAt:    time.Now(),
	}); err != nil {
		return err
	}

	o.statsMu.Lock()
	o.stats.Checkpoints++
	o.statsMu.Unlock()
	return nil
}

func (o *Observer) wait(ctx context.Context) error {
	t := time.NewTimer(o.pollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Observer) setError(err error) {
	o.statsMu.Lock()
	o.stats.LastError = err.Error()
	o.statsMu.Unlock()
}

func (o *Observer) Stats() Stats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.stats
}
