package ingest

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive keeps the raw bytes of every accepted upload in an S3-compatible
// bucket, keyed per experiment, so the exact submitted file can be recovered
// after parsing.
type Archive struct {
	client *minio.Client
	bucket string
}

func NewArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Archive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Archive{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Store writes the raw file under a fresh per-experiment key and returns the
// key. The uuid keeps repeated uploads of the same filename apart.
func (a *Archive) Store(ctx context.Context, experimentID int64, filename string, data []byte) (string, error) {
	key := fmt.Sprintf("experiment_%d/%s_%s", experimentID, uuid.NewString(), path.Base(filename))
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", fmt.Errorf("store upload %s: %w", key, err)
	}
	return key, nil
}
