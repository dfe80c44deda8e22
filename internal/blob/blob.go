// Package blob stores document content. Metadata and hashes live in the
// database; only the raw bytes go here.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store persists document content keyed by permit and document ID.
type Store interface {
	Put(ctx context.Context, permitID, docID string, contentType string, data []byte) error
	Get(ctx context.Context, permitID, docID string) ([]byte, error)
	Delete(ctx context.Context, permitID, docID string) error
}

func objectKey(permitID, docID string) string {
	return permitID + "/" + docID
}

// FSStore keeps blobs under a local directory, one file per document.
type FSStore struct {
	Dir string
}

func NewFSStore(dir string) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("blob dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSStore{Dir: dir}, nil
}

func (s *FSStore) path(permitID, docID string) string {
	return filepath.Join(s.Dir, permitID, docID)
}

func (s *FSStore) Put(ctx context.Context, permitID, docID, contentType string, data []byte) error {
	dir := filepath.Join(s.Dir, permitID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create permit blob dir: %w", err)
	}
	if err := os.WriteFile(s.path(permitID, docID), data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, permitID, docID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(permitID, docID))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, permitID, docID string) error {
	if err := os.Remove(s.path(permitID, docID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// S3Store keeps blobs in an S3-compatible bucket via MinIO.
type S3Store struct {
	client *minio.Client
	bucket string
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect blob store: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check blob bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create blob bucket: %w", err)
		}
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, permitID, docID, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(permitID, docID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, permitID, docID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(permitID, docID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, permitID, docID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(permitID, docID), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
