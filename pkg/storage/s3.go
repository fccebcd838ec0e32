package storage

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	s3Endpoint  = flag.String("s3_endpoint", "localhost:9000", "S3 compatible endpoint used by the s3 blob store.")
	s3Region    = flag.String("s3_region", "", "Region of the s3 blob store bucket.")
	s3Bucket    = flag.String("s3_bucket", "ledgerview", "Bucket used by the s3 blob store.")
	s3Prefix    = flag.String("s3_prefix", "snapshots", "Object name prefix used by the s3 blob store.")
	s3AccessKey = flag.String("s3_access_key", "", "Access key of the s3 blob store.")
	s3SecretKey = flag.String("s3_secret_key", "", "Secret key of the s3 blob store.")
	s3UseTLS    = flag.Bool("s3_use_tls", false, "Whether to talk to the s3 endpoint over TLS.")
)

type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseTLS    bool
}

func S3OptionsFromFlags() S3Options {
	return S3Options{
		Endpoint:  *s3Endpoint,
		Region:    *s3Region,
		Bucket:    *s3Bucket,
		Prefix:    *s3Prefix,
		AccessKey: *s3AccessKey,
		SecretKey: *s3SecretKey,
		UseTLS:    *s3UseTLS,
	}
}

// S3BlobStore stores each namespace as one object in an S3 compatible bucket.
type S3BlobStore struct { // Implements BlobStore.
	client *minio.Client
	bucket string
	prefix string
}

var _ BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore connects to the endpoint and creates the bucket when it does not exist yet.
func NewS3BlobStore(ctx context.Context, opts S3Options) (*S3BlobStore, error) {
	if opts.Bucket == "" {
		return nil, errors.New("expected a non-empty s3 bucket")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseTLS,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client for %s: %w", opts.Endpoint, err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &S3BlobStore{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (s *S3BlobStore) objectName(namespace string) string {
	return path.Join(s.prefix, namespace+".blob")
}

// isMissingObject reports whether `err` is the S3 answer for an absent object.
func isMissingObject(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func (s *S3BlobStore) ReadBlob(ctx context.Context, namespace string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.objectName(namespace), minio.GetObjectOptions{})
	if err != nil {
		if isMissingObject(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, namespace)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", namespace, err)
	}
	defer func() { _ = object.Close() }()
	data, err := io.ReadAll(object)
	if err != nil {
		if isMissingObject(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, namespace)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", namespace, err)
	}
	return data, nil
}

func (s *S3BlobStore) WriteBlob(ctx context.Context, namespace string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(namespace), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to write blob %s: %w", namespace, err)
	}
	return nil
}

func (s *S3BlobStore) Close() error { return nil }
