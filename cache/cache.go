// Package cache memoizes encoded derivatives under request fingerprints and
// decoded image layouts under identifiers. The derivative cache is a hint,
// never a source of truth: stale entries waste work, they cannot produce
// wrong output, because the fingerprint covers every pixel-relevant input.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/greut/melon/config"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/ops"
)

// ErrMiss is returned by Get when no entry exists.
var ErrMiss = errors.New("cache miss")

// Entry is the metadata stored beside a payload.
type Entry struct {
	Fingerprint string           `json:"fingerprint"`
	Identifier  string           `json:"identifier"`
	MediaType   domain.MediaType `json:"media_type"`
	Size        int64            `json:"size"`
	Created     time.Time        `json:"created"`
	LastAccess  time.Time        `json:"last_access"`
}

// EntryWriter stages a payload. Close installs the entry atomically; Abort
// discards the partial write. Exactly one of the two must be called.
type EntryWriter interface {
	io.Writer

	Close() error
	Abort() error
}

// Selector picks entries to purge.
type Selector struct {
	// Fingerprint purges one entry.
	Fingerprint *ops.Fingerprint

	// IdentifierPrefix purges every entry whose identifier starts with
	// the prefix.
	IdentifierPrefix string

	// All purges everything.
	All bool
}

// DerivativeCache stores encoded outputs keyed by fingerprint.
type DerivativeCache interface {
	// Get streams a cached payload, or ErrMiss.
	Get(ctx context.Context, fp ops.Fingerprint) (Entry, io.ReadCloser, error)

	// Put returns a staging writer for the fingerprint's payload.
	Put(ctx context.Context, fp ops.Fingerprint, identifier string, mt domain.MediaType) (EntryWriter, error)

	// Purge removes entries matching the selector.
	Purge(ctx context.Context, sel Selector) error

	Close() error
}

// NewDerivativeCache builds the configured backend; a nil cache (name
// empty or "none") disables memoization.
func NewDerivativeCache(cfg config.DerivativeCacheConfig) (DerivativeCache, error) {
	switch cfg.Name {
	case "", "none":
		return nil, nil
	case "filesystem":
		return NewFilesystemCache(cfg)
	case "memory":
		return NewMemoryCache(cfg), nil
	case "redis":
		return NewRedisCache(cfg)
	}
	return nil, fmt.Errorf("unknown derivative cache %q", cfg.Name)
}
