package artifact

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// S3Store writes artifacts to an S3-compatible object store.
type S3Store struct {
	client *minio.Client
	bucket string
}

// S3Config holds connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewS3Store connects to the object store and ensures the bucket exists.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create object store client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check artifact bucket")
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "failed to create artifact bucket")
		}
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads the artifact and returns an s3:// reference.
func (s *S3Store) Put(ctx context.Context, executionID string, stepNumber int, body io.Reader) (string, error) {
	key := fmt.Sprintf("%s/step_%d.out", executionID, stepNumber)

	_, err := s.client.PutObject(ctx, s.bucket, key, body, -1, minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to upload artifact")
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// Get opens an s3:// artifact reference.
func (s *S3Store) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return nil, errors.NewValidationError("not an object store artifact reference: " + ref)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket != s.bucket {
		return nil, errors.NewValidationError("artifact reference does not match configured bucket")
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch artifact")
	}
	return obj, nil
}
