package config

import (
	"context"
	"fmt"
	"net/url"
	"path"

	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/turbolytics/observer/internal"
	"github.com/turbolytics/observer/internal/archiver"
	"github.com/turbolytics/observer/internal/integrations/kafka"
	"github.com/turbolytics/observer/internal/local"
	"github.com/turbolytics/observer/internal/parquet"
	"github.com/turbolytics/observer/internal/s3"
	"github.com/turbolytics/observer/pkg/oplog"
)

// NewLogger builds a development logger for the debug level and a
// production logger at the given level otherwise.
func NewLogger(l Logger) (*zap.Logger, error) {
	if l.Level == "debug" {
		return zap.NewDevelopment()
	}

	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}

func NewMongoClient(ctx context.Context, m Mongo) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(m.URI).
		SetMaxPoolSize(m.MaxPoolSize).
		SetServerSelectionTimeout(m.ServerSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

func NewMongoLog(client *mongo.Client, o Oplog, logger *zap.Logger) *oplog.MongoLog {
	opts := []oplog.MongoLogOption{
		oplog.MongoLogWithLogger(logger),
		oplog.MongoLogWithMaxAwaitTime(o.MaxAwaitTime),
	}
	if o.BatchSize > 0 {
		opts = append(opts, oplog.MongoLogWithBatchSize(o.BatchSize))
	}
	return oplog.NewMongoLog(client.Database(o.Database).Collection(o.Collection), opts...)
}

func NewCheckpointer(c Checkpoint, logger *zap.Logger) (oplog.Checkpointer, error) {
	switch c.Type {
	case "", "none":
		return &oplog.NoopCheckpointer{}, nil
	case "local":
		return oplog.NewFilesystemCheckpointer(c.Path, logger), nil
	case "s3":
		sess, err := s3.NewSession(c.S3.Region, c.S3.Endpoint, c.S3.ForcePathStyle)
		if err != nil {
			return nil, err
		}
		return oplog.NewS3Checkpointer(awss3.New(sess), c.S3.Bucket, c.S3.Prefix, logger), nil
	}
	return nil, fmt.Errorf("unsupported checkpoint type: %q", c.Type)
}

// NewRepository builds the archive repository, placing objects below
// prefix.
func NewRepository(r Repository, prefix string, logger *zap.Logger) (internal.Repository, error) {
	switch r.Type {
	case "local":
		return local.New(r.Path,
			local.WithPrefix(prefix),
			local.WithLogger(logger),
		), nil
	case "s3":
		repo, err := s3.New(
			s3.WithRegion(r.S3.Region),
			s3.WithBucket(r.S3.Bucket),
			s3.WithPrefix(path.Join(r.S3.Prefix, prefix)),
			s3.WithEndpoint(r.S3.Endpoint),
			s3.WithForcePathStyle(r.S3.ForcePathStyle),
			s3.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unsupported repository type: %q", r.Type)
}

// NewPublisher returns nil when no kafka url is configured.
func NewPublisher(k Kafka, logger *zap.Logger) (*kafka.Publisher, error) {
	if k.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(k.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid kafka url: %w", err)
	}
	if u.Scheme != "kafka" {
		return nil, fmt.Errorf("unsupported publisher protocol: %s", u.Scheme)
	}
	return kafka.NewPublisher(u,
		kafka.WithLogger(logger),
		kafka.WithWatchFields(k.WatchFields...),
	)
}

// NewArchiver wires an archive batch: a repository below a fresh batch id,
// a parquet preserver and the archiver writing both files and catalog.
func NewArchiver(a Archive, source string, logger *zap.Logger) (*archiver.Archiver, error) {
	batchID := uuid.New()

	repo, err := NewRepository(a.Repository, batchID.String(), logger)
	if err != nil {
		return nil, err
	}

	p, err := parquet.New(
		parquet.WithLogger(logger),
		parquet.WithSchema(archiver.Schema),
		parquet.WithRepository(repo),
		parquet.WithBatchSizeNumRecords(a.BatchSize),
	)
	if err != nil {
		return nil, err
	}

	return archiver.New(
		archiver.WithLogger(logger),
		archiver.WithPreserver(p),
		archiver.WithRepository(repo),
		archiver.WithSource(source),
		archiver.WithBatchID(batchID),
	)
}
