package parquet

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/turbolytics/observer/internal"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"
)

type Option func(*Preserver)

func WithLogger(l *zap.Logger) Option {
	return func(p *Preserver) {
		p.logger = l
	}
}

func WithSchema(s Schema) Option {
	return func(p *Preserver) {
		p.Schema = s
	}
}

func WithRepository(r internal.Repository) Option {
	return func(p *Preserver) {
		p.repository = r
	}
}

// WithBatchSizeNumRecords sets how many records go into one parquet file.
func WithBatchSizeNumRecords(n int) Option {
	return func(p *Preserver) {
		p.BatchSize = n
	}
}

// Preserver buffers records and writes them to the repository as parquet
// files of at most BatchSize rows.
type Preserver struct {
	BatchSize int
	Schema    Schema

	logger     *zap.Logger
	repository internal.Repository

	mu     sync.Mutex
	buffer [][]any
	files  []string
}

func New(opts ...Option) (*Preserver, error) {
	p := &Preserver{
		BatchSize: 1000,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.BatchSize <= 0 {
		p.BatchSize = 1000
	}
	if len(p.Schema) == 0 {
		return nil, fmt.Errorf("parquet preserver requires a schema")
	}
	if p.repository == nil {
		return nil, fmt.Errorf("parquet preserver requires a repository")
	}
	return p, nil
}

// Preserve buffers r, writing a file once the batch is full.
func (p *Preserver) Preserve(ctx context.Context, r *internal.Record) error {
	row, err := p.Schema.RecordToParquetRow(r)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffer = append(p.buffer, row)
	if len(p.buffer) >= p.BatchSize {
		return p.flush(ctx)
	}
	return nil
}

// Flush writes any buffered records.
func (p *Preserver) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flush(ctx)
}

// Files returns the keys written so far.
func (p *Preserver) Files() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	files := make([]string, len(p.files))
	copy(files, p.files)
	return files
}

func (p *Preserver) flush(ctx context.Context) error {
	if len(p.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	pw, err := writer.NewCSVWriterFromWriter(p.Schema.ToGoParquetSchema(), &buf, 4)
	if err != nil {
		return err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range p.buffer {
		if err := pw.Write(row); err != nil {
			return err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return err
	}

	key := fmt.Sprintf("part-%05d.parquet", len(p.files))
	if err := p.repository.Write(ctx, key, &buf); err != nil {
		return err
	}

	p.logger.Info("parquet file written",
		zap.String("key", key),
		zap.Int("num_records", len(p.buffer)),
	)

	p.files = append(p.files, key)
	p.buffer = p.buffer[:0]
	return nil
}
