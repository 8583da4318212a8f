package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/hajj-portal/internal/config"
)

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	signErr error
}

func newMemBucket() *memBucket { return &memBucket{objects: map[string][]byte{}} }

func (b *memBucket) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memBucket) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if b.signErr != nil {
		return "", b.signErr
	}
	return "https://signed.example/" + key + "?ttl=" + ttl.String(), nil
}

func (b *memBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func testConfig() config.StorageConfig {
	cfg := config.Default().Storage
	cfg.PublicBaseURL = "https://cdn.example/lesson-files/"
	return cfg
}

func TestNewObjectKey(t *testing.T) {
	key := NewObjectKey("lessons/", ".PDF")
	assert.True(t, strings.HasPrefix(key, "lessons/"))
	assert.Equal(t, ".pdf", filepath.Ext(key))
	assert.NotEqual(t, key, NewObjectKey("lessons/", "pdf"))
	assert.Equal(t, ".bin", filepath.Ext(NewObjectKey("lessons/", "")))
}

func TestKeyFromURL(t *testing.T) {
	base := "https://cdn.example/lesson-files"
	tests := []struct {
		raw string
		key string
		ok  bool
	}{
		{raw: base + "/lessons/a.pdf", key: "lessons/a.pdf", ok: true},
		{raw: base + "/lessons/a.pdf?token=old", key: "lessons/a.pdf", ok: true},
		{raw: "lessons/b.mp3", key: "lessons/b.mp3", ok: true},
		{raw: "https://youtube.com/watch?v=1"},
		{raw: ""},
		{raw: "/etc/passwd"},
		{raw: "lessons/../../secret"},
	}
	for _, tt := range tests {
		key, ok := KeyFromURL(tt.raw, base+"/")
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.key, key, tt.raw)
	}
}

func TestUploadAndResolve(t *testing.T) {
	bucket := newMemBucket()
	s := New(bucket, testConfig(), nil)
	ctx := context.Background()

	obj, err := s.Upload(ctx, "Lesson One.PDF", "application/pdf", strings.NewReader("%PDF"), 4)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.Key, "lessons/"))
	assert.Equal(t, "https://cdn.example/lesson-files/"+obj.Key, obj.URL)
	assert.Equal(t, "https://signed.example/"+obj.Key+"?ttl=1h0m0s", obj.SignedURL)
	assert.Equal(t, []byte("%PDF"), bucket.objects[obj.Key])

	assert.Equal(t, obj.SignedURL, s.ResolveURL(ctx, obj.URL))
	assert.Equal(t, obj.SignedURL, s.ResolveURL(ctx, obj.Key))
	assert.Equal(t, "https://youtube.com/x", s.ResolveURL(ctx, "https://youtube.com/x"))

	bucket.signErr = errors.New("no credentials")
	assert.Equal(t, obj.URL, s.ResolveURL(ctx, obj.URL))

	require.NoError(t, s.Delete(ctx, obj.URL))
	assert.Empty(t, bucket.objects)
}

func TestStoreStaysUnderPrefix(t *testing.T) {
	bucket := newMemBucket()
	s := New(bucket, testConfig(), nil)
	ctx := context.Background()
	bucket.objects["private/payroll.pdf"] = []byte("%PDF")

	for _, raw := range []string{
		"private/payroll.pdf",
		"https://cdn.example/lesson-files/private/payroll.pdf",
		"lessonsX/a.pdf",
	} {
		assert.Equal(t, raw, s.ResolveURL(ctx, raw), "signed a key outside the prefix")
		assert.ErrorIs(t, s.Delete(ctx, raw), ErrInvalidKey, raw)
	}
	assert.Contains(t, bucket.objects, "private/payroll.pdf")
	assert.Equal(t, "https://signed.example/lessons/a.pdf?ttl=1h0m0s", s.ResolveURL(ctx, "lessons/a.pdf"))
}

func TestUploadLimits(t *testing.T) {
	s := New(newMemBucket(), testConfig(), nil)
	_, err := s.Upload(context.Background(), "big.mp4", "video/mp4", strings.NewReader(""), 10<<20+1)
	assert.ErrorIs(t, err, ErrTooLarge)

	var disabled *Store
	assert.False(t, disabled.Enabled())
	_, err = disabled.Upload(context.Background(), "a.pdf", "", strings.NewReader(""), 0)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, "lessons/a.pdf", disabled.ResolveURL(context.Background(), "lessons/a.pdf"))
}

func TestOpenWithoutProvider(t *testing.T) {
	s, err := Open(context.Background(), config.StorageConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = Open(context.Background(), config.StorageConfig{Provider: "ftp"}, nil)
	assert.Error(t, err)
}

func TestS3BucketPresign(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	cfg := testConfig()
	cfg.Provider = "s3"
	cfg.Bucket = "lesson-files"
	cfg.Region = "eu-central-1"
	cfg.Endpoint = "http://localhost:9000"

	b, err := NewS3Bucket(context.Background(), cfg)
	require.NoError(t, err)
	u, err := b.SignedURL(context.Background(), "lessons/a.pdf", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://localhost:9000/lesson-files/lessons/a.pdf?"), u)
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Contains(t, u, "X-Amz-Expires=3600")

	_, err = NewS3Bucket(context.Background(), config.StorageConfig{Provider: "s3"})
	assert.Error(t, err)
}
