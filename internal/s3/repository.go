package s3

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"go.uber.org/zap"
)

type Option func(*Repository)

func WithRegion(region string) Option {
	return func(r *Repository) {
		r.Region = region
	}
}

func WithBucket(bucket string) Option {
	return func(r *Repository) {
		r.Bucket = bucket
	}
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.Prefix = prefix
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

func WithForcePathStyle(forcePathStyle bool) Option {
	return func(r *Repository) {
		r.ForcePathStyle = forcePathStyle
	}
}

func WithEndpoint(endpoint string) Option {
	return func(r *Repository) {
		r.Endpoint = endpoint
	}
}

// WithUploader replaces the uploader built from the session options.
func WithUploader(u s3manageriface.UploaderAPI) Option {
	return func(r *Repository) {
		r.uploader = u
	}
}

// Repository uploads archive objects to an S3 bucket.
type Repository struct {
	logger   *zap.Logger
	uploader s3manageriface.UploaderAPI

	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	ForcePathStyle bool
}

func New(opts ...Option) (*Repository, error) {
	r := &Repository{
		logger: zap.NewNop(),
	}

	for _, o := range opts {
		o(r)
	}

	if r.uploader == nil {
		sess, err := NewSession(r.Region, r.Endpoint, r.ForcePathStyle)
		if err != nil {
			return nil, err
		}
		r.uploader = s3manager.NewUploader(sess)
	}

	return r, nil
}

// NewSession builds an AWS session; an endpoint points it at an S3
// compatible store such as minio or localstack.
func NewSession(region, endpoint string, forcePathStyle bool) (*session.Session, error) {
	awsConfig := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(forcePathStyle),
	}

	if endpoint != "" {
		awsConfig.Endpoint = aws.String(endpoint)
	}

	return session.NewSession(awsConfig)
}

func (r *Repository) Key(key string) string {
	return path.Join(r.Prefix, key)
}

func (r *Repository) Write(ctx context.Context, key string, reader io.Reader) error {
	objPath := r.Key(key)

	r.logger.Debug(
		"S3 repository write",
		zap.String("key", key),
		zap.String("prefix", r.Prefix),
		zap.String("object_path", objPath),
		zap.String("bucket", r.Bucket),
	)

	_, err := r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(objPath),
		Body:   reader,
	})
	return err
}
