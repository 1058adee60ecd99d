package oplog

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFilesystemCheckpointer(t *testing.T) {
	ctx := context.Background()
	cp := NewFilesystemCheckpointer(t.TempDir(), zap.NewNop())

	got, err := cp.Load(ctx, "obs")
	require.NoError(t, err)
	assert.Nil(t, got)

	saved := &Checkpoint{
		ObserverID: "obs",
		Timestamp:  ts(42),
		SavedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, cp.Save(ctx, saved))

	got, err = cp.Load(ctx, "obs")
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	require.NoError(t, cp.Delete(ctx, "obs"))
	require.NoError(t, cp.Delete(ctx, "obs"))

	got, err = cp.Load(ctx, "obs")
	require.NoError(t, err)
	assert.Nil(t, got)
}

type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) key(bucket, key *string) string {
	return aws.StringValue(bucket) + "/" + aws.StringValue(key)
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[f.key(in.Bucket, in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "not found", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[f.key(in.Bucket, in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, f.key(in.Bucket, in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Checkpointer(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	cp := NewS3Checkpointer(client, "bucket", "checkpoints", zap.NewNop())

	got, err := cp.Load(ctx, "obs")
	require.NoError(t, err)
	assert.Nil(t, got)

	saved := &Checkpoint{
		ObserverID: "obs",
		Timestamp:  ts(8),
		SavedAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, cp.Save(ctx, saved))
	assert.Contains(t, client.objects, "bucket/checkpoints/obs.checkpoint")

	got, err = cp.Load(ctx, "obs")
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	require.NoError(t, cp.Delete(ctx, "obs"))
	got, err = cp.Load(ctx, "obs")
	require.NoError(t, err)
	assert.Nil(t, got)
}
