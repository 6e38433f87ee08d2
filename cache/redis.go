package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/greut/melon/config"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/ops"
)

const (
	redisPayloadPrefix = "melon:d:"
	redisEntryPrefix   = "melon:e:"
)

// RedisCache shares derivatives across processes. TTL maps onto key
// expiry; size bounding is left to the server's maxmemory policy (an LRU
// policy on the redis side matches the filesystem backend's behavior).
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the configured server.
func NewRedisCache(cfg config.DerivativeCacheConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis cache: addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return &RedisCache{client: client, ttl: cfg.TTL()}, nil
}

func (c *RedisCache) Get(ctx context.Context, fp ops.Fingerprint) (Entry, io.ReadCloser, error) {
	hex := fp.Hex()
	raw, err := c.client.Get(ctx, redisEntryPrefix+hex).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, nil, ErrMiss
	}
	if err != nil {
		return Entry{}, nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, nil, ErrMiss
	}
	payload, err := c.client.Get(ctx, redisPayloadPrefix+hex).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, nil, ErrMiss
	}
	if err != nil {
		return Entry{}, nil, err
	}
	return e, io.NopCloser(bytes.NewReader(payload)), nil
}

func (c *RedisCache) Put(ctx context.Context, fp ops.Fingerprint, identifier string, mt domain.MediaType) (EntryWriter, error) {
	return &redisEntryWriter{cache: c, ctx: ctx, fp: fp, identifier: identifier, mediaType: mt}, nil
}

type redisEntryWriter struct {
	cache      *RedisCache
	ctx        context.Context
	fp         ops.Fingerprint
	identifier string
	mediaType  domain.MediaType
	buf        bytes.Buffer
	aborted    bool
}

func (w *redisEntryWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *redisEntryWriter) Close() error {
	if w.aborted {
		return nil
	}
	now := time.Now()
	hex := w.fp.Hex()
	e := Entry{
		Fingerprint: hex,
		Identifier:  w.identifier,
		MediaType:   w.mediaType,
		Size:        int64(w.buf.Len()),
		Created:     now,
		LastAccess:  now,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := w.cache.client.TxPipeline()
	pipe.Set(w.ctx, redisPayloadPrefix+hex, w.buf.Bytes(), w.cache.ttl)
	pipe.Set(w.ctx, redisEntryPrefix+hex, raw, w.cache.ttl)
	_, err = pipe.Exec(w.ctx)
	return err
}

func (w *redisEntryWriter) Abort() error {
	w.aborted = true
	w.buf.Reset()
	return nil
}

func (c *RedisCache) Purge(ctx context.Context, sel Selector) error {
	if sel.Fingerprint != nil {
		hex := sel.Fingerprint.Hex()
		return c.client.Del(ctx, redisPayloadPrefix+hex, redisEntryPrefix+hex).Err()
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisEntryPrefix+"*", 256).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			hex := key[len(redisEntryPrefix):]
			if !sel.All {
				raw, err := c.client.Get(ctx, key).Bytes()
				if err != nil {
					continue
				}
				var e Entry
				if json.Unmarshal(raw, &e) != nil ||
					sel.IdentifierPrefix == "" ||
					len(e.Identifier) < len(sel.IdentifierPrefix) ||
					e.Identifier[:len(sel.IdentifierPrefix)] != sel.IdentifierPrefix {
					continue
				}
			}
			if err := c.client.Del(ctx, redisPayloadPrefix+hex, key).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *RedisCache) Close() error { return c.client.Close() }
