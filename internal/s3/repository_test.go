package s3

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	bucket, key, body string
}

func (f *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeUploader) UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	bs, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.bucket = aws.StringValue(in.Bucket)
	f.key = aws.StringValue(in.Key)
	f.body = string(bs)
	return &s3manager.UploadOutput{}, nil
}

func TestRepositoryWrite(t *testing.T) {
	u := &fakeUploader{}
	r, err := New(
		WithBucket("archive"),
		WithPrefix("oplog/batch-1"),
		WithUploader(u),
	)
	require.NoError(t, err)

	require.NoError(t, r.Write(context.Background(), "part-0.parquet", strings.NewReader("data")))
	assert.Equal(t, "archive", u.bucket)
	assert.Equal(t, "oplog/batch-1/part-0.parquet", u.key)
	assert.Equal(t, "data", u.body)
}
