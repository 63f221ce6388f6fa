package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectStore serves s3:// and gs:// roots through the minio client. GCS is
// reached via its S3-compatible XML API with HMAC interop credentials, so
// both schemes share one implementation.
type objectStore struct {
	client *minio.Client
	bucket string
	prefix string
	scheme string
}

func newS3Store(_ context.Context, bucket, prefix string) (*objectStore, error) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}),
		Secure: os.Getenv("S3_DISABLE_SSL") != "true",
		Region: os.Getenv("AWS_REGION"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &objectStore{client: client, bucket: bucket, prefix: prefix, scheme: "s3"}, nil
}

func newGCSStore(_ context.Context, bucket, prefix string) (*objectStore, error) {
	client, err := minio.New("storage.googleapis.com", &minio.Options{
		Creds:  credentials.NewEnvMinio(),
		Secure: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	return &objectStore{client: client, bucket: bucket, prefix: prefix, scheme: "gs"}, nil
}

func (s *objectStore) key(p string) string {
	return path.Join(s.prefix, p)
}

// Write implements Store.
func (s *objectStore) Write(ctx context.Context, p string, data []byte) (string, error) {
	key := s.key(p)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", p, err)
	}
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.bucket, key), nil
}

// Read implements Store.
func (s *objectStore) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// List implements Store.
func (s *objectStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	opts := minio.ListObjectsOptions{Prefix: s.key(prefix), Recursive: true}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		paths = append(paths, strings.TrimPrefix(strings.TrimPrefix(obj.Key, s.prefix), "/"))
	}
	return paths, nil
}

// Exists implements Store.
func (s *objectStore) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(p), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete implements Store.
func (s *objectStore) Delete(ctx context.Context, p string) (bool, error) {
	exists, err := s.Exists(ctx, p)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.key(p), minio.RemoveObjectOptions{}); err != nil {
		return false, err
	}
	return true, nil
}
