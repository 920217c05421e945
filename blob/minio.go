package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// DefaultURLExpiry bounds how long a relay download URL stays valid.
const DefaultURLExpiry = 24 * time.Hour

// MinioConfig describes an S3 compatible bucket.
type MinioConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Bucket    string        `yaml:"bucket"`
	Location  string        `yaml:"location"`
	AccessKey string        `yaml:"accessKey"`
	Secret    string        `yaml:"secret"`
	UseSSL    bool          `yaml:"useSsl"`
	URLExpiry time.Duration `yaml:"urlExpiry"`
}

// MinioStore keeps relay payloads in an S3 compatible bucket.
type MinioStore struct {
	c      *minio.Client
	bucket string
	expiry time.Duration
	http   *http.Client
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to the bucket, creating it when missing.
func NewMinioStore(ctx context.Context, config MinioConfig) (*MinioStore, error) {
	c, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.Secret, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	if err := checkBucket(ctx, c, config.Bucket, config.Location); err != nil {
		return nil, fmt.Errorf("failed to prepare bucket %s: %w", config.Bucket, err)
	}

	expiry := config.URLExpiry
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewMinioStore",
		"endpoint": config.Endpoint,
		"bucket":   config.Bucket,
	}).Info("Blob store ready")

	return &MinioStore{
		c:      c,
		bucket: config.Bucket,
		expiry: expiry,
		http:   &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

func checkBucket(ctx context.Context, c *minio.Client, bucket, location string) error {
	exists, err := c.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: location})
}

// Upload stores data and returns a presigned GET URL for it.
func (s *MinioStore) Upload(ctx context.Context, path string, data []byte) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}

	_, err = s.c.PutObject(ctx, s.bucket, p, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", p, err)
	}

	u, err := s.c.PresignedGetObject(ctx, s.bucket, p, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", p, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "MinioStore.Upload",
		"object":   p,
		"size":     len(data),
	}).Debug("Blob uploaded")

	return u.String(), nil
}

// Download fetches a presigned URL.
func (s *MinioStore) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid download url: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to fetch blob: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Delete removes an object. Missing objects are ignored by the server.
func (s *MinioStore) Delete(ctx context.Context, path string) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	return s.c.RemoveObject(ctx, s.bucket, p, minio.RemoveObjectOptions{})
}
