package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greut/melon/config"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/ops"
)

func fsCache(t *testing.T, cfg config.DerivativeCacheConfig) *FilesystemCache {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	c, err := NewFilesystemCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func fingerprint(id string) ops.Fingerprint {
	list, _ := ops.NewList(ops.Encode{Format: domain.FormatJPEG})
	return ops.NewFingerprint(id, list, ops.PixelConfig{})
}

func put(t *testing.T, c DerivativeCache, fp ops.Fingerprint, id string, payload []byte) {
	t.Helper()
	w, err := c.Put(context.Background(), fp, id, domain.MediaTypeFor(domain.FormatJPEG))
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestFilesystemPutGet(t *testing.T) {
	c := fsCache(t, config.DerivativeCacheConfig{})
	fp := fingerprint("a")
	put(t, c, fp, "a", []byte("payload-bytes"))

	entry, rc, err := c.Get(context.Background(), fp)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-bytes"), got)
	assert.Equal(t, "image/jpeg", entry.MediaType.MIME)
	assert.Equal(t, int64(13), entry.Size)
}

func TestFilesystemMiss(t *testing.T) {
	c := fsCache(t, config.DerivativeCacheConfig{})
	_, _, err := c.Get(context.Background(), fingerprint("nope"))
	assert.ErrorIs(t, err, ErrMiss)
}

// A failed build must leave no trace: Abort discards the staging file.
func TestFilesystemAbort(t *testing.T) {
	dir := t.TempDir()
	c := fsCache(t, config.DerivativeCacheConfig{Dir: dir})
	fp := fingerprint("a")

	w, err := c.Put(context.Background(), fp, "a", domain.MediaTypeFor(domain.FormatJPEG))
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, _, err = c.Get(context.Background(), fp)
	assert.ErrorIs(t, err, ErrMiss)

	files, err := filepath.Glob(filepath.Join(dir, "stage-*"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFilesystemTTLExpiry(t *testing.T) {
	c := fsCache(t, config.DerivativeCacheConfig{TTLSeconds: 1})
	c.ttl = 10 * time.Millisecond // shrink for the test
	fp := fingerprint("a")
	put(t, c, fp, "a", []byte("x"))

	_, rc, err := c.Get(context.Background(), fp)
	require.NoError(t, err)
	rc.Close()

	time.Sleep(20 * time.Millisecond)
	_, _, err = c.Get(context.Background(), fp)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestFilesystemEvictionBySize(t *testing.T) {
	c := fsCache(t, config.DerivativeCacheConfig{SizeBytes: "64"})
	old := fingerprint("old")
	put(t, c, old, "old", make([]byte, 48))
	time.Sleep(5 * time.Millisecond)
	put(t, c, fingerprint("new"), "new", make([]byte, 48))

	c.evictOnce()

	_, _, err := c.Get(context.Background(), old)
	assert.ErrorIs(t, err, ErrMiss, "least recently accessed entry evicted")
	_, rc, err := c.Get(context.Background(), fingerprint("new"))
	require.NoError(t, err)
	rc.Close()
}

func TestFilesystemPurge(t *testing.T) {
	c := fsCache(t, config.DerivativeCacheConfig{})
	a, b := fingerprint("img/a"), fingerprint("other/b")
	put(t, c, a, "img/a", []byte("a"))
	put(t, c, b, "other/b", []byte("b"))

	// By identifier prefix.
	require.NoError(t, c.Purge(context.Background(), Selector{IdentifierPrefix: "img/"}))
	_, _, err := c.Get(context.Background(), a)
	assert.ErrorIs(t, err, ErrMiss)
	_, rc, err := c.Get(context.Background(), b)
	require.NoError(t, err)
	rc.Close()

	// By fingerprint.
	require.NoError(t, c.Purge(context.Background(), Selector{Fingerprint: &b}))
	_, _, err = c.Get(context.Background(), b)
	assert.ErrorIs(t, err, ErrMiss)

	// All.
	put(t, c, a, "img/a", []byte("a"))
	require.NoError(t, c.Purge(context.Background(), Selector{All: true}))
	_, _, err = c.Get(context.Background(), a)
	assert.ErrorIs(t, err, ErrMiss)
}

// The payload file survives a crash between rename and index insert only
// as an orphan; a Get that finds no payload self-heals the index.
func TestFilesystemOrphanedIndex(t *testing.T) {
	dir := t.TempDir()
	c := fsCache(t, config.DerivativeCacheConfig{Dir: dir})
	fp := fingerprint("a")
	put(t, c, fp, "a", []byte("x"))
	require.NoError(t, os.Remove(filepath.Join(dir, fp.Hex())))

	_, _, err := c.Get(context.Background(), fp)
	assert.ErrorIs(t, err, ErrMiss)
}
