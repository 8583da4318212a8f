package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/iliyamo/hajj-portal/internal/config"
)

// GCSBucket stores objects in a Google Cloud Storage bucket.
type GCSBucket struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
}

// NewGCSBucket creates a storage client from application default
// credentials, or from cfg.CredentialsFile when set.
func NewGCSBucket(ctx context.Context, cfg config.StorageConfig) (*GCSBucket, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket not set")
	}
	clientOpts := []option.ClientOption{gcs.WithDisabledClientMetrics()}
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed in creating storage client: %w", err)
	}
	return &GCSBucket{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

func (b *GCSBucket) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := b.bucket.Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs: write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs: close writer %q: %w", key, err)
	}
	return nil
}

func (b *GCSBucket) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	u, err := b.bucket.SignedURL(key, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("gcs: sign %q: %w", key, err)
	}
	return u, nil
}

func (b *GCSBucket) Delete(ctx context.Context, key string) error {
	err := b.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("gcs: delete %q: %w", key, err)
	}
	return nil
}

// Close releases the client.
func (b *GCSBucket) Close() error { return b.client.Close() }
