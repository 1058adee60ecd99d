package oplog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Checkpoint is a saved resume position for one observer.
type Checkpoint struct {
	ObserverID string              `json:"observer_id"`
	Timestamp  primitive.Timestamp `json:"timestamp"`
	SavedAt    time.Time           `json:"saved_at"`
}

type Checkpointer interface {
	// Load the last checkpoint for an observer. A missing checkpoint is
	// (nil, nil).
	Load(ctx context.Context, observerID string) (*Checkpoint, error)

	// Save a checkpoint
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Delete checkpoint data for an observer
	Delete(ctx context.Context, observerID string) error
}

type NoopCheckpointer struct{}

func (n *NoopCheckpointer) Load(ctx context.Context, observerID string) (*Checkpoint, error) {
	return nil, nil
}
func (n *NoopCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}
func (n *NoopCheckpointer) Delete(ctx context.Context, observerID string) error {
	return nil
}

// Filesystem-based checkpointer
type FilesystemCheckpointer struct {
	baseDir string
	logger  *zap.Logger
	mu      sync.Mutex
}

func NewFilesystemCheckpointer(baseDir string, logger *zap.Logger) *FilesystemCheckpointer {
	return &FilesystemCheckpointer{
		baseDir: baseDir,
		logger:  logger,
	}
}

func (f *FilesystemCheckpointer) path(observerID string) string {
	return filepath.Join(f.baseDir, observerID+".checkpoint")
}

func (f *FilesystemCheckpointer) Load(ctx context.Context, observerID string) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(observerID))
	if os.IsNotExist(err) {
		f.logger.Info("No checkpoint found", zap.String("observer_id", observerID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}

	f.logger.Info("Checkpoint loaded",
		zap.String("observer_id", observerID),
		zap.Uint32("ts", checkpoint.Timestamp.T),
		zap.Uint32("ts_inc", checkpoint.Timestamp.I),
		zap.Time("saved_at", checkpoint.SavedAt),
	)

	return &checkpoint, nil
}

func (f *FilesystemCheckpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.baseDir, 0755); err != nil {
		return err
	}

	checkpointPath := f.path(checkpoint.ObserverID)
	tempPath := checkpointPath + ".tmp"

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return err
	}

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	if err := os.Rename(tempPath, checkpointPath); err != nil {
		os.Remove(tempPath)
		return err
	}

	f.logger.Debug("Checkpoint saved",
		zap.String("observer_id", checkpoint.ObserverID),
		zap.Uint32("ts", checkpoint.Timestamp.T),
		zap.Uint32("ts_inc", checkpoint.Timestamp.I),
	)

	return nil
}

func (f *FilesystemCheckpointer) Delete(ctx context.Context, observerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(observerID)); err != nil && !os.IsNotExist(err) {
		return err
	}

	f.logger.Info("Checkpoint deleted", zap.String("observer_id", observerID))
	return nil
}

// S3Checkpointer keeps one JSON object per observer under a prefix.
type S3Checkpointer struct {
	client s3iface.S3API
	bucket string
	prefix string
	logger *zap.Logger
}

func NewS3Checkpointer(client s3iface.S3API, bucket, prefix string, logger *zap.Logger) *S3Checkpointer {
	return &S3Checkpointer{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

func (s *S3Checkpointer) key(observerID string) string {
	return path.Join(s.prefix, observerID+".checkpoint")
}

func (s *S3Checkpointer) Load(ctx context.Context, observerID string) (*Checkpoint, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(observerID)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			s.logger.Info("No checkpoint found",
				zap.String("observer_id", observerID),
				zap.String("bucket", s.bucket))
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (s *S3Checkpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(checkpoint.ObserverID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Checkpoint saved",
		zap.String("observer_id", checkpoint.ObserverID),
		zap.String("bucket", s.bucket),
		zap.String("key", s.key(checkpoint.ObserverID)),
	)
	return nil
}

func (s *S3Checkpointer) Delete(ctx context.Context, observerID string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(observerID)),
	})
	return err
}
