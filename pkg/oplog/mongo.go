package oplog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	DefaultDatabase   = "local"
	DefaultCollection = "oplog.rs"
)

// MongoLog tails a MongoDB oplog collection with tailable await cursors.
type MongoLog struct {
	coll         *mongo.Collection
	logger       *zap.Logger
	maxAwaitTime time.Duration
	batchSize    int32

	statsMu sync.RWMutex
	stats   LogStats
}

type LogStats struct {
	CursorsOpened int64     `json:"cursors_opened"`
	LastOpenedAt  time.Time `json:"last_opened_at,omitempty"`
	DecodeErrors  int64     `json:"decode_errors"`
	LastError     string    `json:"last_error,omitempty"`
}

type MongoLogOption func(*MongoLog)

func MongoLogWithLogger(logger *zap.Logger) MongoLogOption {
	return func(l *MongoLog) {
		l.logger = logger
	}
}

// MongoLogWithMaxAwaitTime bounds how long the server holds a getMore open
// waiting for new entries.
func MongoLogWithMaxAwaitTime(d time.Duration) MongoLogOption {
	return func(l *MongoLog) {
		l.maxAwaitTime = d
	}
}

func MongoLogWithBatchSize(n int32) MongoLogOption {
	return func(l *MongoLog) {
		l.batchSize = n
	}
}

func NewMongoLog(coll *mongo.Collection, opts ...MongoLogOption) *MongoLog {
	l := &MongoLog{
		coll:         coll,
		logger:       zap.NewNop(),
		maxAwaitTime: time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MongoLog) Latest(ctx context.Context) (Record, error) {
	var r Record
	err := l.coll.FindOne(ctx, bson.D{},
		options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}}),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrEmptyLog
	}
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func (l *MongoLog) Tail(ctx context.Context, f Filter) (Cursor, error) {
	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(l.maxAwaitTime)
	if l.batchSize > 0 {
		opts.SetBatchSize(l.batchSize)
	}

	cur, err := l.coll.Find(ctx, f.BSON(), opts)
	if err != nil {
		l.statsMu.Lock()
		l.stats.LastError = err.Error()
		l.statsMu.Unlock()
		return nil, err
	}

	l.statsMu.Lock()
	l.stats.CursorsOpened++
	l.stats.LastOpenedAt = time.Now()
	l.stats.LastError = ""
	l.statsMu.Unlock()

	l.logger.Debug("oplog cursor opened",
		zap.String("collection", l.coll.Name()),
		zap.String("ns", f.Namespace),
		zap.Uint32("after", f.After.T),
		zap.Uint32("after_inc", f.After.I),
		zap.Int64("cursor_id", cur.ID()),
	)

	return &mongoCursor{log: l, cur: cur}, nil
}

func (l *MongoLog) Stats() LogStats {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()
	return l.stats
}

type mongoCursor struct {
	log *MongoLog
	cur *mongo.Cursor
}

// Next uses TryNext so a fetch cycle ends as soon as the server has nothing
// more to return within one await round.
func (c *mongoCursor) Next(ctx context.Context) bool {
	return c.cur.TryNext(ctx)
}

func (c *mongoCursor) Record() (Record, error) {
	var r Record
	if err := c.cur.Decode(&r); err != nil {
		c.log.statsMu.Lock()
		c.log.stats.DecodeErrors++
		c.log.stats.LastError = err.Error()
		c.log.statsMu.Unlock()
		return Record{}, err
	}
	return r, nil
}

func (c *mongoCursor) Err() error {
	return c.cur.Err()
}

// Alive reports whether the server side cursor still exists.
func (c *mongoCursor) Alive() bool {
	return c.cur.ID() != 0
}

func (c *mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}
