package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/greut/melon/config"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/ops"
)

var entriesBucket = []byte("entries")

// FilesystemCache stores payloads as files named by fingerprint hex, with a
// bolt sidecar index carrying the entry metadata. Writers stage into a
// temporary file and install with an atomic rename; the eviction worker
// runs in the background and never blocks reads.
type FilesystemCache struct {
	dir   string
	db    *bolt.DB
	ttl   time.Duration
	limit uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFilesystemCache opens (or creates) the cache directory and index.
func NewFilesystemCache(cfg config.DerivativeCacheConfig) (*FilesystemCache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("filesystem cache: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(cfg.Dir, "index.db"), 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("filesystem cache index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	limit, err := cfg.SizeLimit()
	if err != nil {
		db.Close()
		return nil, err
	}
	c := &FilesystemCache{
		dir:   cfg.Dir,
		db:    db,
		ttl:   cfg.TTL(),
		limit: limit,
		done:  make(chan struct{}),
	}
	if c.ttl > 0 || c.limit > 0 {
		c.wg.Add(1)
		go c.evictLoop()
	}
	return c, nil
}

func (c *FilesystemCache) payloadPath(hex string) string {
	return filepath.Join(c.dir, hex)
}

// Get opens the payload outside any lock; only the index lookup and the
// access-time touch run inside bolt transactions.
func (c *FilesystemCache) Get(ctx context.Context, fp ops.Fingerprint) (Entry, io.ReadCloser, error) {
	hex := fp.Hex()
	var e Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(entriesBucket).Get([]byte(hex))
		if raw == nil {
			return ErrMiss
		}
		return json.Unmarshal(raw, &e)
	})
	if err != nil {
		return Entry{}, nil, err
	}
	if c.ttl > 0 && time.Since(e.Created) > c.ttl {
		// Expired on access; the worker reclaims the bytes.
		return Entry{}, nil, ErrMiss
	}
	f, err := os.Open(c.payloadPath(hex))
	if err != nil {
		// Orphaned index entry.
		c.deleteEntry(hex)
		return Entry{}, nil, ErrMiss
	}
	c.touch(hex, &e)
	return e, f, nil
}

// touch bumps the last-access stamp without holding up the read.
func (c *FilesystemCache) touch(hex string, e *Entry) {
	e.LastAccess = time.Now()
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	go c.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(hex), raw)
	})
}

// Put stages into a temporary file in the cache directory so the final
// rename stays on one filesystem.
func (c *FilesystemCache) Put(ctx context.Context, fp ops.Fingerprint, identifier string, mt domain.MediaType) (EntryWriter, error) {
	f, err := os.CreateTemp(c.dir, "stage-*")
	if err != nil {
		return nil, err
	}
	return &fsEntryWriter{
		cache:      c,
		file:       f,
		hex:        fp.Hex(),
		identifier: identifier,
		mediaType:  mt,
	}, nil
}

type fsEntryWriter struct {
	cache      *FilesystemCache
	file       *os.File
	hex        string
	identifier string
	mediaType  domain.MediaType
	size       int64
}

func (w *fsEntryWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close installs the staged payload and its index entry.
func (w *fsEntryWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return err
	}
	if err := w.file.Close(); err != nil {
		w.Abort()
		return err
	}
	if err := os.Rename(w.file.Name(), w.cache.payloadPath(w.hex)); err != nil {
		os.Remove(w.file.Name())
		return err
	}
	now := time.Now()
	e := Entry{
		Fingerprint: w.hex,
		Identifier:  w.identifier,
		MediaType:   w.mediaType,
		Size:        w.size,
		Created:     now,
		LastAccess:  now,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return w.cache.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(w.hex), raw)
	})
}

// Abort discards the partial write.
func (w *fsEntryWriter) Abort() error {
	w.file.Close()
	return os.Remove(w.file.Name())
}

// Purge removes matching entries and their payloads.
func (c *FilesystemCache) Purge(ctx context.Context, sel Selector) error {
	var victims []string
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				victims = append(victims, string(k))
				return nil
			}
			switch {
			case sel.All:
				victims = append(victims, string(k))
			case sel.Fingerprint != nil && sel.Fingerprint.Hex() == string(k):
				victims = append(victims, string(k))
			case sel.IdentifierPrefix != "" && strings.HasPrefix(e.Identifier, sel.IdentifierPrefix):
				victims = append(victims, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, hex := range victims {
		c.deleteEntry(hex)
	}
	return nil
}

func (c *FilesystemCache) deleteEntry(hex string) {
	os.Remove(c.payloadPath(hex))
	c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(hex))
	})
}

// evictLoop is the cooperative background worker: TTL expiry first, then
// least-recently-accessed entries until the total size fits the soft cap.
func (c *FilesystemCache) evictLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictOnce()
		case <-c.done:
			return
		}
	}
}

func (c *FilesystemCache) evictOnce() {
	var all []Entry
	c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err == nil {
				all = append(all, e)
			}
			return nil
		})
	})

	var total uint64
	now := time.Now()
	live := all[:0]
	for _, e := range all {
		if c.ttl > 0 && now.Sub(e.Created) > c.ttl {
			c.deleteEntry(e.Fingerprint)
			continue
		}
		total += uint64(e.Size)
		live = append(live, e)
	}
	if c.limit == 0 || total <= c.limit {
		return
	}
	sort.Slice(live, func(i, j int) bool { return live[i].LastAccess.Before(live[j].LastAccess) })
	for _, e := range live {
		if total <= c.limit {
			break
		}
		c.deleteEntry(e.Fingerprint)
		total -= uint64(e.Size)
	}
}

// Close stops the worker and the index.
func (c *FilesystemCache) Close() error {
	close(c.done)
	c.wg.Wait()
	return c.db.Close()
}
