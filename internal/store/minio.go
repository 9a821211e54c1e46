package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"threadfeed/api/internal/feed"
)

// MinioConfig locates an S3 compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioKV stores each key as one object named <namespace>/<key>.
type MinioKV struct {
	client *minio.Client
	bucket string
}

// NewMinioKV connects and creates the bucket when it does not exist yet.
func NewMinioKV(ctx context.Context, cfg MinioConfig) (*MinioKV, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioKV{client: client, bucket: cfg.Bucket}, nil
}

func objectName(ns Namespace, key string) string {
	return string(ns) + "/" + key
}

func (s *MinioKV) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(ns, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(ns, key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(ns, key, err)
	}
	return data, nil
}

func (s *MinioKV) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName(ns, key), bytes.NewReader(value), int64(len(value)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *MinioKV) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func (s *MinioKV) mapErr(ns Namespace, key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s/%s: %w", ns, key, feed.ErrNotFound)
	}
	return fmt.Errorf("get object %s/%s: %w", ns, key, err)
}
