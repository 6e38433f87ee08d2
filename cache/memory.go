package cache

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/greut/melon/config"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/ops"
)

// MemoryCache keeps derivatives on the heap. TTL expiry rides on go-cache's
// janitor; the size cap is enforced by an LRU sweep after each install.
type MemoryCache struct {
	store *gocache.Cache
	limit uint64

	mu sync.Mutex // guards the size sweep
}

type memoryEntry struct {
	entry   Entry
	payload []byte
}

// NewMemoryCache builds the heap cache.
func NewMemoryCache(cfg config.DerivativeCacheConfig) *MemoryCache {
	ttl := cfg.TTL()
	if ttl == 0 {
		ttl = gocache.NoExpiration
	}
	limit, _ := cfg.SizeLimit()
	return &MemoryCache{
		store: gocache.New(ttl, time.Minute),
		limit: limit,
	}
}

func (c *MemoryCache) Get(ctx context.Context, fp ops.Fingerprint) (Entry, io.ReadCloser, error) {
	v, found := c.store.Get(fp.Hex())
	if !found {
		return Entry{}, nil, ErrMiss
	}
	me := v.(*memoryEntry)
	me.entry.LastAccess = time.Now()
	return me.entry, io.NopCloser(bytes.NewReader(me.payload)), nil
}

func (c *MemoryCache) Put(ctx context.Context, fp ops.Fingerprint, identifier string, mt domain.MediaType) (EntryWriter, error) {
	return &memoryEntryWriter{cache: c, fp: fp, identifier: identifier, mediaType: mt}, nil
}

type memoryEntryWriter struct {
	cache      *MemoryCache
	fp         ops.Fingerprint
	identifier string
	mediaType  domain.MediaType
	buf        bytes.Buffer
	aborted    bool
}

func (w *memoryEntryWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memoryEntryWriter) Close() error {
	if w.aborted {
		return nil
	}
	now := time.Now()
	payload := w.buf.Bytes()
	w.cache.store.Set(w.fp.Hex(), &memoryEntry{
		entry: Entry{
			Fingerprint: w.fp.Hex(),
			Identifier:  w.identifier,
			MediaType:   w.mediaType,
			Size:        int64(len(payload)),
			Created:     now,
			LastAccess:  now,
		},
		payload: payload,
	}, gocache.DefaultExpiration)
	w.cache.sweep()
	return nil
}

func (w *memoryEntryWriter) Abort() error {
	w.aborted = true
	w.buf.Reset()
	return nil
}

// sweep drops least-recently-accessed entries until the heap fits the cap.
func (c *MemoryCache) sweep() {
	if c.limit == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.store.Items()
	var total uint64
	for _, it := range items {
		total += uint64(it.Object.(*memoryEntry).entry.Size)
	}
	for total > c.limit {
		var oldestKey string
		var oldest time.Time
		for k, it := range items {
			at := it.Object.(*memoryEntry).entry.LastAccess
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		if oldestKey == "" {
			return
		}
		total -= uint64(items[oldestKey].Object.(*memoryEntry).entry.Size)
		c.store.Delete(oldestKey)
		delete(items, oldestKey)
	}
}

func (c *MemoryCache) Purge(ctx context.Context, sel Selector) error {
	if sel.All {
		c.store.Flush()
		return nil
	}
	for k, it := range c.store.Items() {
		e := it.Object.(*memoryEntry).entry
		switch {
		case sel.Fingerprint != nil && sel.Fingerprint.Hex() == k:
			c.store.Delete(k)
		case sel.IdentifierPrefix != "" && len(e.Identifier) >= len(sel.IdentifierPrefix) &&
			e.Identifier[:len(sel.IdentifierPrefix)] == sel.IdentifierPrefix:
			c.store.Delete(k)
		}
	}
	return nil
}

func (c *MemoryCache) Close() error { return nil }
