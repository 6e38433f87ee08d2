// Package config holds the immutable configuration snapshot carried by each
// request. Runtime reloads build a new snapshot and swap the pointer; a
// request never observes a half-updated configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
)

// Config is one immutable snapshot.
type Config struct {
	Processor ProcessorConfig         `toml:"processor"`
	Cache     CacheConfig             `toml:"cache"`
	Resolver  ResolverConfig          `toml:"resolver"`
	Sources   map[string]SourceConfig `toml:"source"`
	Timeouts  TimeoutConfig           `toml:"timeouts"`
}

// ProcessorConfig controls the readers and writers.
type ProcessorConfig struct {
	// LimitTo8Bits clamps every decoded matrix to 8 bits per sample.
	LimitTo8Bits bool `toml:"limit_to_8_bits"`

	// Normalize stretches each channel's observed range to full depth
	// before any bit-depth reduction.
	Normalize bool `toml:"normalize"`

	// MetadataPreserve re-embeds source metadata when the output format
	// matches the source format.
	MetadataPreserve bool `toml:"metadata_preserve"`
}

// CacheConfig configures the derivative and info caches.
type CacheConfig struct {
	Derivative DerivativeCacheConfig `toml:"derivative"`
	Info       InfoCacheConfig       `toml:"info"`
}

// DerivativeCacheConfig selects and sizes the derivative cache backend.
type DerivativeCacheConfig struct {
	// Name is filesystem, memory, redis or empty for no cache.
	Name string `toml:"name"`

	// Dir is the payload directory for the filesystem backend.
	Dir string `toml:"dir"`

	TTLSeconds int64 `toml:"ttl_seconds"`

	// SizeBytes is a plain byte count such as "65536" or a bytefmt string
	// such as "512M"; empty means unbounded.
	SizeBytes string `toml:"size_bytes"`

	// ConcurrentBuilds disables single-flight collapsing of identical
	// in-flight requests.
	ConcurrentBuilds bool `toml:"concurrent_builds"`

	// Addr is the redis address for the redis backend.
	Addr string `toml:"addr"`
}

// TTL returns the configured entry lifetime, 0 for none.
func (d DerivativeCacheConfig) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

// SizeLimit parses SizeBytes; 0 means unbounded.
func (d DerivativeCacheConfig) SizeLimit() (uint64, error) {
	if d.SizeBytes == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(d.SizeBytes, 10, 64); err == nil {
		return n, nil
	}
	return bytefmt.ToBytes(d.SizeBytes)
}

// InfoCacheConfig bounds the in-memory ImageInfo cache.
type InfoCacheConfig struct {
	// Limit is the entry count cap; 0 selects the default of 1024.
	Limit int `toml:"limit"`
}

// ResolverConfig selects the source provider for a request.
type ResolverConfig struct {
	// Static is the provider name used when Delegate is false.
	Static string `toml:"static"`

	// Delegate consults the get_resolver hook per identifier.
	Delegate bool `toml:"delegate"`
}

// SourceConfig is the raw per-provider block. Provider-specific options are
// decoded out of Options by each provider.
type SourceConfig struct {
	// Type is filesystem, http, s3, azure or postgres.
	Type string `toml:"type"`

	// LookupStrategy is basic or script.
	LookupStrategy string `toml:"lookup_strategy"`

	Options map[string]any `toml:"options"`
}

// DecodeOptions maps the raw options block onto a provider option struct.
func (s SourceConfig) DecodeOptions(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(s.Options)
}

// TimeoutConfig carries the stage budgets.
type TimeoutConfig struct {
	SourceOpenSeconds int64 `toml:"source_open_seconds"`
	ReadSeconds       int64 `toml:"read_seconds"`
	RequestSeconds    int64 `toml:"request_seconds"`
}

// SourceOpen returns the source-open budget, defaulting to 30s.
func (t TimeoutConfig) SourceOpen() time.Duration {
	return secondsOr(t.SourceOpenSeconds, 30*time.Second)
}

// Read returns the per-read budget, defaulting to 30s.
func (t TimeoutConfig) Read() time.Duration {
	return secondsOr(t.ReadSeconds, 30*time.Second)
}

// Request returns the total request budget, 0 for unbounded.
func (t TimeoutConfig) Request() time.Duration {
	return secondsOr(t.RequestSeconds, 0)
}

func secondsOr(s int64, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}

// Load reads a TOML file into a fresh snapshot.
func Load(file string) (*Config, error) {
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := toml.Unmarshal(body, c); err != nil {
		return nil, fmt.Errorf("config %s: %w", file, err)
	}
	if _, err := c.Cache.Derivative.SizeLimit(); err != nil {
		return nil, fmt.Errorf("config %s: cache.derivative.size_bytes: %w", file, err)
	}
	return c, nil
}

// Holder stores the current snapshot for atomic runtime reloads.
type Holder struct {
	v atomic.Pointer[Config]
}

// NewHolder seeds a holder with an initial snapshot.
func NewHolder(c *Config) *Holder {
	h := &Holder{}
	h.v.Store(c)
	return h
}

// Get returns the current snapshot.
func (h *Holder) Get() *Config { return h.v.Load() }

// Swap installs a new snapshot between requests.
func (h *Holder) Swap(c *Config) { h.v.Store(c) }
