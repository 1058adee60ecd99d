package archiver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/turbolytics/observer/internal"
	"github.com/turbolytics/observer/internal/catalog"
	"github.com/turbolytics/observer/internal/parquet"
	"github.com/turbolytics/observer/pkg/mirror"
	"github.com/turbolytics/observer/pkg/oplog"
)

// Schema is the parquet layout of an archived oplog entry. Documents are
// stored as relaxed Extended JSON.
var Schema = parquet.Schema{
	{Name: "ts", Type: "INT64"},
	{Name: "op", Type: "BYTE_ARRAY", ConvertedType: "UTF8"},
	{Name: "ns", Type: "BYTE_ARRAY", ConvertedType: "UTF8"},
	{Name: "h", Type: "INT64"},
	{Name: "id", Type: "BYTE_ARRAY", ConvertedType: "UTF8", RepetitionType: "OPTIONAL"},
	{Name: "o", Type: "BYTE_ARRAY", ConvertedType: "UTF8"},
	{Name: "o2", Type: "BYTE_ARRAY", ConvertedType: "UTF8", RepetitionType: "OPTIONAL"},
	{Name: "wall", Type: "INT64", ConvertedType: "TIMESTAMP_MILLIS", RepetitionType: "OPTIONAL"},
}

var fields = []string{"ts", "op", "ns", "h", "id", "o", "o2", "wall"}

type Option func(*Archiver)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

func WithPreserver(p *parquet.Preserver) Option {
	return func(a *Archiver) {
		a.preserver = p
	}
}

// WithRepository is where the batch catalog is written. It should be the
// repository the preserver writes to.
func WithRepository(r internal.Repository) Option {
	return func(a *Archiver) {
		a.repository = r
	}
}

func WithSource(source string) Option {
	return func(a *Archiver) {
		a.source = source
	}
}

func WithBatchID(id uuid.UUID) Option {
	return func(a *Archiver) {
		a.batchID = id
	}
}

// Archiver is an oplog.Handler that writes every insert, update and delete
// it sees to parquet files, plus a catalog.json describing the batch.
type Archiver struct {
	logger     *zap.Logger
	preserver  *parquet.Preserver
	repository internal.Repository
	source     string
	batchID    uuid.UUID

	mu      sync.Mutex
	catalog catalog.Catalog
}

func New(opts ...Option) (*Archiver, error) {
	a := &Archiver{
		logger:  zap.NewNop(),
		batchID: uuid.Must(uuid.NewUUID()),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.preserver == nil {
		return nil, fmt.Errorf("archiver requires a preserver")
	}
	if a.repository == nil {
		return nil, fmt.Errorf("archiver requires a repository")
	}

	a.catalog = catalog.Catalog{
		BatchID:   a.batchID.String(),
		StartTime: time.Now().UTC(),
		Source:    a.source,
	}
	return a, nil
}

func (a *Archiver) BatchID() uuid.UUID {
	return a.batchID
}

func (a *Archiver) OnInsert(ctx context.Context, r oplog.Record) error {
	return a.archive(ctx, r)
}

func (a *Archiver) OnUpdate(ctx context.Context, r oplog.Record) error {
	return a.archive(ctx, r)
}

func (a *Archiver) OnDelete(ctx context.Context, r oplog.Record) error {
	return a.archive(ctx, r)
}

func (a *Archiver) archive(ctx context.Context, r oplog.Record) error {
	a.mu.Lock()
	a.catalog.NumSourceRecords++
	a.mu.Unlock()

	rec, err := ToRecord(r)
	if err != nil {
		return err
	}
	if err := a.preserver.Preserve(ctx, rec); err != nil {
		return err
	}

	ts := PackTimestamp(r)
	a.mu.Lock()
	if a.catalog.FirstTimestamp == 0 {
		a.catalog.FirstTimestamp = ts
	}
	a.catalog.LastTimestamp = ts
	a.catalog.NumRecordsProcessed++
	a.mu.Unlock()
	return nil
}

// Flush writes buffered records to the repository.
func (a *Archiver) Flush(ctx context.Context) error {
	return a.preserver.Flush(ctx)
}

// Close flushes buffered records and writes the batch catalog.
func (a *Archiver) Close(ctx context.Context) error {
	if err := a.preserver.Flush(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.catalog.EndTime = time.Now().UTC()
	a.catalog.Files = a.preserver.Files()
	a.catalog.Completed = true
	c := a.catalog
	a.mu.Unlock()

	bs, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := a.repository.Write(ctx, "catalog.json", bytes.NewReader(bs)); err != nil {
		return err
	}

	a.logger.Info("archive batch closed",
		zap.String("batch_id", c.BatchID),
		zap.Int("num_records", c.NumRecordsProcessed),
		zap.Strings("files", c.Files),
	)
	return nil
}

func (a *Archiver) Catalog() catalog.Catalog {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.catalog
	c.Files = a.preserver.Files()
	return c
}

// PackTimestamp folds an oplog timestamp into one sortable integer.
func PackTimestamp(r oplog.Record) uint64 {
	return uint64(r.Timestamp.T)<<32 | uint64(r.Timestamp.I)
}

// ToRecord flattens an oplog entry into a row matching Schema.
func ToRecord(r oplog.Record) (*internal.Record, error) {
	o, err := bson.MarshalExtJSON(r.Object, false, false)
	if err != nil {
		return nil, fmt.Errorf("encoding o: %w", err)
	}

	var o2 any
	if r.Object2 != nil {
		bs, err := bson.MarshalExtJSON(r.Object2, false, false)
		if err != nil {
			return nil, fmt.Errorf("encoding o2: %w", err)
		}
		o2 = string(bs)
	}

	var id any
	if v, ok := r.DocumentID(); ok {
		s, err := mirror.FormatID(v)
		if err != nil {
			return nil, err
		}
		id = s
	}

	var wall any
	if !r.WallTime.IsZero() {
		wall = r.WallTime
	}

	return internal.NewRecord(fields, []any{
		int64(PackTimestamp(r)),
		string(r.Op),
		r.Namespace,
		r.Hash,
		id,
		string(o),
		o2,
		wall,
	}), nil
}
