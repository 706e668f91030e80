package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStore holds checkpoint and diagnostic payloads outside the database.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// MinioBlobs stores payloads in an S3-compatible bucket.
type MinioBlobs struct {
	Bucket string
	Client *minio.Client
}

// NewMinioBlobs connects to endpoint and makes sure bucket exists.
func NewMinioBlobs(ctx context.Context, endpoint, accessKeyID, secretKey, bucket string, secure bool) (*MinioBlobs, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		log.Printf("[BLOB] created bucket %s", bucket)
	}

	return &MinioBlobs{Bucket: bucket, Client: client}, nil
}

// Put uploads data under key and returns its s3:// reference.
func (m *MinioBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := m.Client.PutObject(ctx, m.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return "s3://" + m.Bucket + "/" + key, nil
}

// PresignedURL returns a time-limited download URL for an s3:// reference.
func (m *MinioBlobs) PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	bucket, key, err := splitRef(ref)
	if err != nil {
		return "", err
	}
	u, err := m.Client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigned get object: %w", err)
	}
	return u.String(), nil
}

// RemovePrefix deletes every object under prefix.
func (m *MinioBlobs) RemovePrefix(ctx context.Context, prefix string) error {
	objects := m.Client.ListObjects(ctx, m.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for rerr := range m.Client.RemoveObjects(ctx, m.Bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return fmt.Errorf("s3 remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return nil
}

func splitRef(ref string) (string, string, error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 reference: %q", ref)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return "", "", fmt.Errorf("malformed s3 reference: %q", ref)
	}
	return bucket, key, nil
}
