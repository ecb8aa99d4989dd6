// Package objectstore persists raw file content in an S3-compatible store.
// Keys are content addressed: the same bytes always land at the same key, so
// repeated uploads of one file are harmless overwrites of identical content.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the object store surface the pipeline needs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ObjectKey derives the storage key for a checksum. The two-character prefix
// keeps listings of any single "directory" bounded.
func ObjectKey(checksum string) string {
	if len(checksum) < 2 {
		return "raw/" + checksum
	}
	return "raw/" + checksum[:2] + "/" + checksum
}

// Config holds S3-compatible store settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO implements Store against MinIO or any S3-compatible endpoint.
type MinIO struct {
	client *minio.Client
	bucket string
}

// New creates a MinIO-backed store.
func New(cfg Config) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (s *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put uploads content under the given key.
func (s *MinIO) Put(ctx context.Context, key string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get fetches the full object content.
func (s *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	buf, err := io.ReadAll(obj)
	if err != nil {
		// GetObject defers the request; missing keys surface on read
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf, nil
}

// Exists reports whether the key is present.
func (s *MinIO) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}
