package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxSourceBytes int64 = 64 * 1024 * 1024

// SourceStore reads durably stored upload objects from MinIO/S3. Uploads
// themselves are performed by an external collaborator; this side only
// fetches.
type SourceStore struct {
	client *minio.Client
	bucket string
}

// NewSourceStoreFromEnv initialises SourceStore using MINIO_* environment
// variables. Returns (nil, nil) when MinIO is not configured, so local
// filesystem paths keep working in development.
func NewSourceStoreFromEnv() (*SourceStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("storage: bucket %q does not exist", bucket)
	}

	return &SourceStore{client: client, bucket: bucket}, nil
}

// Fetch downloads the named object in full.
func (s *SourceStore) Fetch(ctx context.Context, objectName string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage: source store not configured")
	}
	objectName = strings.TrimSpace(objectName)
	if objectName == "" {
		return nil, errors.New("storage: object name is required")
	}

	object, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get object %q: %w", objectName, err)
	}
	defer object.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(object, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read object %q: %w", objectName, err)
	}
	if written > maxSourceBytes {
		return nil, fmt.Errorf("storage: object %q exceeds %d bytes", objectName, maxSourceBytes)
	}
	return buffer.Bytes(), nil
}
