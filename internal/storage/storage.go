// Package storage keeps lesson files in an object bucket and hands out
// short-lived signed links to them.  S3 and Google Cloud Storage are
// supported; the rest of the portal only sees the Bucket interface.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/hajj-portal/internal/config"
)

var (
	// ErrNotConfigured is returned when no bucket was configured.
	ErrNotConfigured = errors.New("storage: no bucket configured")
	// ErrTooLarge is returned for uploads above the size limit.
	ErrTooLarge = errors.New("storage: file too large")
	// ErrInvalidKey is returned for empty or escaping object keys.
	ErrInvalidKey = errors.New("storage: invalid object key")
)

// Bucket is an object store.
type Bucket interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Object describes a stored file.
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	SignedURL   string `json:"signed_url,omitempty"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Store uploads files under a key prefix and resolves stored references to
// signed links.  A nil *Store behaves as an unconfigured store.
type Store struct {
	bucket        Bucket
	prefix        string
	publicBaseURL string
	ttl           time.Duration
	maxBytes      int64
	logger        *slog.Logger
}

// New wraps bucket with the key layout and limits from cfg.
func New(bucket Bucket, cfg config.StorageConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		bucket:        bucket,
		prefix:        cfg.Prefix,
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		ttl:           cfg.SignedURLTTL,
		maxBytes:      cfg.MaxUploadBytes,
		logger:        logger,
	}
	if s.ttl <= 0 {
		s.ttl = time.Hour
	}
	return s
}

// Open builds the bucket client named by cfg.Provider.  It returns a nil
// Store when no provider is configured.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Store, error) {
	var (
		bucket Bucket
		err    error
	)
	switch cfg.Provider {
	case "":
		return nil, nil
	case "s3":
		bucket, err = NewS3Bucket(ctx, cfg)
	case "gcs":
		bucket, err = NewGCSBucket(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return New(bucket, cfg, logger), nil
}

// Enabled reports whether uploads are possible.
func (s *Store) Enabled() bool { return s != nil && s.bucket != nil }

// MaxBytes is the upload size limit.  Zero means unlimited.
func (s *Store) MaxBytes() int64 {
	if s == nil {
		return 0
	}
	return s.maxBytes
}

// NewObjectKey returns prefix + a random name with extension ext.
func NewObjectKey(prefix, ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		ext = "bin"
	}
	return prefix + uuid.NewString() + "." + ext
}

// Upload stores r under a fresh key derived from filename's extension.
func (s *Store) Upload(ctx context.Context, filename, contentType string, r io.Reader, size int64) (Object, error) {
	if !s.Enabled() {
		return Object{}, ErrNotConfigured
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return Object{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, s.maxBytes)
	}
	key := NewObjectKey(s.prefix, filepath.Ext(filename))
	if err := s.bucket.Put(ctx, key, r, size, contentType); err != nil {
		return Object{}, fmt.Errorf("storage: put %s: %w", key, err)
	}
	obj := Object{Key: key, URL: s.PublicURL(key), Size: size, ContentType: contentType}
	signed, err := s.bucket.SignedURL(ctx, key, s.ttl)
	if err != nil {
		s.logger.Warn("sign uploaded object failed", "key", key, "err", err)
	} else {
		obj.SignedURL = signed
	}
	s.logger.Info("file uploaded", "key", key, "size", size)
	return obj, nil
}

// PublicURL is the stable reference stored alongside content.  Without a
// public base URL the bare key is used.
func (s *Store) PublicURL(key string) string {
	if s == nil || s.publicBaseURL == "" {
		return key
	}
	return s.publicBaseURL + "/" + key
}

// KeyFromURL extracts the object key from a stored reference.  raw may be
// a public URL under publicBase, with or without a query string, or a bare
// key.  ok is false for anything else, such as links to other sites.
func KeyFromURL(raw, publicBase string) (key string, ok bool) {
	raw = strings.TrimSpace(raw)
	publicBase = strings.TrimSuffix(publicBase, "/")
	switch {
	case raw == "":
		return "", false
	case publicBase != "" && strings.HasPrefix(raw, publicBase+"/"):
		key = strings.TrimPrefix(raw, publicBase+"/")
	case strings.Contains(raw, "://"):
		return "", false
	default:
		key = raw
	}
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		key = key[:i]
	}
	if validKey(key) != nil {
		return "", false
	}
	return key, true
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// objectKey resolves raw to a key under the upload prefix.  Keys elsewhere
// in the bucket are never signed or deleted.
func (s *Store) objectKey(raw string) (string, bool) {
	key, ok := KeyFromURL(raw, s.publicBaseURL)
	if !ok || !strings.HasPrefix(key, s.prefix) {
		return "", false
	}
	return key, true
}

// ResolveURL turns a stored reference into a link a browser can open.
// References to uploaded files get a fresh signed URL; anything else, or a
// reference that cannot be signed, is returned unchanged.
func (s *Store) ResolveURL(ctx context.Context, raw string) string {
	if !s.Enabled() {
		return raw
	}
	key, ok := s.objectKey(raw)
	if !ok {
		return raw
	}
	signed, err := s.bucket.SignedURL(ctx, key, s.ttl)
	if err != nil {
		s.logger.Warn("sign object failed, using stored reference", "key", key, "err", err)
		return raw
	}
	return signed
}

// Delete removes the uploaded file behind a stored reference.
func (s *Store) Delete(ctx context.Context, raw string) error {
	if !s.Enabled() {
		return ErrNotConfigured
	}
	key, ok := s.objectKey(raw)
	if !ok {
		return ErrInvalidKey
	}
	if err := s.bucket.Delete(ctx, key); err != nil {
		return err
	}
	s.logger.Info("file deleted", "key", key)
	return nil
}
