package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/turbolytics/observer/pkg/document"
	"github.com/turbolytics/observer/pkg/oplog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by OnUpdate and OnDelete when the record refers
	// to a document the mirror does not hold. Resumption can re-deliver a
	// delete whose insert was never observed, so callers decide whether it
	// is benign.
	ErrNotFound = errors.New("document not found")

	// ErrNotLoaded is returned for records handled before a snapshot was
	// loaded.
	ErrNotLoaded = errors.New("mirror snapshot not loaded")

	ErrMissingID = errors.New("document has no _id")
)

// Snapshot is a cursor over the full source collection. *mongo.Cursor
// satisfies it.
type Snapshot interface {
	Next(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// Entry is one mirrored document together with its source identifier.
type Entry struct {
	ID       any
	Document *document.Document
}

// Mirror is an in-memory replica of one collection, built from a snapshot
// and kept current by the oplog records fed to its embedded Dispatcher.
//
// The observer loop is the only writer. The lock exists so readers on other
// goroutines see whole documents.
type Mirror struct {
	*oplog.Dispatcher

	namespace string
	logger    *zap.Logger
	fsm       *FSM

	mu        sync.RWMutex
	docs      map[string]Entry
	listeners []Listener
	loadedAt  time.Time
}

type Option func(*Mirror)

// WithNamespace makes records for any other namespace a no-op. Needed when
// the observer runs without a namespace filter.
func WithNamespace(ns string) Option {
	return func(m *Mirror) {
		m.namespace = ns
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Mirror) {
		m.logger = logger
	}
}

// WithListener registers l to be called after every applied change.
func WithListener(l Listener) Option {
	return func(m *Mirror) {
		m.listeners = append(m.listeners, l)
	}
}

func New(opts ...Option) *Mirror {
	m := &Mirror{
		logger: zap.NewNop(),
		docs:   make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.fsm = NewFSM(FSMWithLogger(m.logger))
	m.Dispatcher = oplog.NewDispatcher(m, oplog.DispatcherWithLogger(m.logger))
	return m
}

// FromCollection builds a mirror of coll. It reads the position of the
// newest oplog entry first and seeds the dispatcher with it, so an observer
// built on this mirror replays anything written while the snapshot was
// being read.
func FromCollection(ctx context.Context, coll *mongo.Collection, log oplog.Log, opts ...Option) (*Mirror, error) {
	opts = append([]Option{WithNamespace(coll.Database().Name() + "." + coll.Name())}, opts...)
	m := New(opts...)

	if err := m.Sync(ctx, log, func(ctx context.Context) (Snapshot, error) {
		return coll.Find(ctx, bson.D{})
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Sync records the newest oplog position, opens a snapshot and loads it.
// A nil log skips the position bookkeeping.
func (m *Mirror) Sync(ctx context.Context, log oplog.Log, open func(ctx context.Context) (Snapshot, error)) error {
	start := oplog.MinTimestamp
	if log != nil {
		latest, err := log.Latest(ctx)
		switch {
		case errors.Is(err, oplog.ErrEmptyLog):
		case err != nil:
			return fmt.Errorf("reading latest oplog entry: %w", err)
		default:
			start = latest.Timestamp
		}
	}

	snap, err := open(ctx)
	if err != nil {
		m.fsm.Transition(StateError)
		return fmt.Errorf("opening snapshot: %w", err)
	}
	if err := m.Load(ctx, snap); err != nil {
		return err
	}
	if log != nil {
		m.SetLastTimestamp(start)
	}
	return nil
}

// Load replaces the mirror contents with every document of snap. A failed
// snapshot leaves the previous contents untouched and the mirror in the
// error state.
func (m *Mirror) Load(ctx context.Context, snap Snapshot) error {
	defer snap.Close(ctx)

	docs := make(map[string]Entry)
	for snap.Next(ctx) {
		var raw bson.D
		if err := snap.Decode(&raw); err != nil {
			return m.loadFailed(fmt.Errorf("decoding snapshot document: %w", err))
		}
		doc, err := document.FromBSON(raw)
		if err != nil {
			return m.loadFailed(err)
		}
		id, ok := doc.Lookup("_id")
		if !ok {
			return m.loadFailed(fmt.Errorf("snapshot document %d: %w", len(docs), ErrMissingID))
		}
		key, err := Key(id)
		if err != nil {
			return m.loadFailed(err)
		}
		docs[key] = Entry{ID: id, Document: doc}
	}
	if err := snap.Err(); err != nil {
		return m.loadFailed(fmt.Errorf("reading snapshot: %w", err))
	}

	m.mu.Lock()
	m.docs = docs
	m.loadedAt = time.Now()
	m.mu.Unlock()

	if err := m.fsm.Transition(StateSnapshotLoaded); err != nil {
		return err
	}

	m.logger.Info("Snapshot loaded",
		zap.String("ns", m.namespace),
		zap.Int("documents", len(docs)),
	)
	return nil
}

func (m *Mirror) loadFailed(err error) error {
	m.logger.Error("Snapshot failed", zap.String("ns", m.namespace), zap.Error(err))
	m.fsm.Transition(StateError)
	return err
}

// accept reports whether r should be applied, moving the mirror into the
// receiving state on the first record after a snapshot.
func (m *Mirror) accept(r oplog.Record) (bool, error) {
	switch m.fsm.Current() {
	case StateUninitialized, StateError:
		return false, ErrNotLoaded
	case StateSnapshotLoaded:
		if err := m.fsm.Transition(StateReceiving); err != nil {
			return false, err
		}
	}

	if m.namespace != "" && r.Namespace != m.namespace {
		m.logger.Debug("Skipping record for other namespace",
			zap.String("ns", r.Namespace),
			zap.String("op", r.Op.String()),
		)
		return false, nil
	}
	return true, nil
}

// OnInsert stores the inserted document, replacing any existing one.
func (m *Mirror) OnInsert(ctx context.Context, r oplog.Record) error {
	ok, err := m.accept(r)
	if !ok {
		return err
	}

	doc, err := document.FromBSON(r.Object)
	if err != nil {
		return err
	}
	id, ok := doc.Lookup("_id")
	if !ok {
		return fmt.Errorf("insert at %d.%d: %w", r.Timestamp.T, r.Timestamp.I, ErrMissingID)
	}
	key, err := Key(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	before := m.docs[key].Document
	m.docs[key] = Entry{ID: id, Document: doc}
	m.mu.Unlock()

	return m.notify(ctx, Change{
		Op:     oplog.OpInsert,
		ID:     id,
		Before: before,
		After:  doc.Clone(),
		Record: r,
	})
}

// OnUpdate applies the $set/$unset delta of r to the selected document.
// The delta is applied to a copy, so a failing delta leaves the stored
// document unchanged.
func (m *Mirror) OnUpdate(ctx context.Context, r oplog.Record) error {
	ok, err := m.accept(r)
	if !ok {
		return err
	}

	id, key, err := selector(r)
	if err != nil {
		return err
	}
	delta, err := oplog.ParseDelta(r.Object)
	if err != nil {
		return fmt.Errorf("update of %v: %w", id, err)
	}

	m.mu.Lock()
	entry, found := m.docs[key]
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("update of %v: %w", id, ErrNotFound)
	}
	updated := entry.Document.Clone()
	if err := delta.Apply(updated); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("update of %v: %w", id, err)
	}
	m.docs[key] = Entry{ID: entry.ID, Document: updated}
	m.mu.Unlock()

	return m.notify(ctx, Change{
		Op:     oplog.OpUpdate,
		ID:     entry.ID,
		Before: entry.Document,
		After:  updated.Clone(),
		Delta:  delta,
		Record: r,
	})
}

// OnDelete removes the selected document.
func (m *Mirror) OnDelete(ctx context.Context, r oplog.Record) error {
	ok, err := m.accept(r)
	if !ok {
		return err
	}

	id, key, err := selector(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	entry, found := m.docs[key]
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("delete of %v: %w", id, ErrNotFound)
	}
	delete(m.docs, key)
	m.mu.Unlock()

	return m.notify(ctx, Change{
		Op:     oplog.OpDelete,
		ID:     entry.ID,
		Before: entry.Document,
		Record: r,
	})
}

func selector(r oplog.Record) (any, string, error) {
	id, ok := r.DocumentID()
	if !ok {
		return nil, "", fmt.Errorf("%s at %d.%d: %w", r.Op, r.Timestamp.T, r.Timestamp.I, ErrMissingID)
	}
	key, err := Key(id)
	if err != nil {
		return nil, "", err
	}
	return id, key, nil
}

func (m *Mirror) notify(ctx context.Context, c Change) error {
	for _, l := range m.listeners {
		if err := l.OnChange(ctx, c); err != nil {
			return fmt.Errorf("listener: %w", err)
		}
	}
	return nil
}

// Flush flushes listeners that buffer, e.g. a publisher, before the
// observer saves a checkpoint.
func (m *Mirror) Flush(ctx context.Context) error {
	for _, l := range m.listeners {
		if f, ok := l.(oplog.Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				return fmt.Errorf("listener: %w", err)
			}
		}
	}
	return nil
}

// Get returns a copy of the document with the given identifier.
func (m *Mirror) Get(id any) (*document.Document, bool) {
	key, err := Key(id)
	if err != nil {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.docs[key]
	if !ok {
		return nil, false
	}
	return e.Document.Clone(), true
}

// All returns a copy of every mirrored document keyed by Key(id).
func (m *Mirror) All() map[string]*document.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*document.Document, len(m.docs))
	for k, e := range m.docs {
		out[k] = e.Document.Clone()
	}
	return out
}

// Entries returns copies of the mirrored documents in a stable order, at
// most limit of them when limit > 0.
func (m *Mirror) Entries(limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e := m.docs[k]
		out = append(out, Entry{ID: e.ID, Document: e.Document.Clone()})
	}
	return out
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *Mirror) State() State {
	return m.fsm.Current()
}

func (m *Mirror) Namespace() string {
	return m.namespace
}

func (m *Mirror) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt
}
