package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[processor]
limit_to_8_bits = true
normalize = false
metadata_preserve = true

[cache.derivative]
name = "filesystem"
dir = "/var/cache/melon"
ttl_seconds = 3600
size_bytes = "512M"

[cache.info]
limit = 2048

[resolver]
static = "files"

[timeouts]
source_open_seconds = 10

[source.files]
type = "filesystem"
[source.files.options]
prefix = "/srv/images"
suffix = ".tif"

[source.remote]
type = "http"
lookup_strategy = "script"
[source.remote.options]
prefix = "https://images.example.org/"
trust_all_certs = true
max_connections = 4
`

func load(t *testing.T, body string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLoad(t *testing.T) {
	cfg := load(t, sample)

	assert.True(t, cfg.Processor.LimitTo8Bits)
	assert.True(t, cfg.Processor.MetadataPreserve)
	assert.Equal(t, "filesystem", cfg.Cache.Derivative.Name)
	assert.Equal(t, time.Hour, cfg.Cache.Derivative.TTL())

	size, err := cfg.Cache.Derivative.SizeLimit()
	require.NoError(t, err)
	assert.Equal(t, uint64(512*1024*1024), size)

	assert.Equal(t, 2048, cfg.Cache.Info.Limit)
	assert.Equal(t, "files", cfg.Resolver.Static)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.SourceOpen())
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Read())
	assert.Equal(t, time.Duration(0), cfg.Timeouts.Request())

	require.Contains(t, cfg.Sources, "files")
	var opts struct {
		Prefix string `mapstructure:"prefix"`
		Suffix string `mapstructure:"suffix"`
	}
	require.NoError(t, cfg.Sources["files"].DecodeOptions(&opts))
	assert.Equal(t, "/srv/images", opts.Prefix)
	assert.Equal(t, ".tif", opts.Suffix)

	assert.Equal(t, "script", cfg.Sources["remote"].LookupStrategy)
}

func TestLoadBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache.derivative]\nsize_bytes = \"lots\"\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestHolderSwap(t *testing.T) {
	a := &Config{}
	b := &Config{}
	h := NewHolder(a)
	assert.Same(t, a, h.Get())
	h.Swap(b)
	assert.Same(t, b, h.Get())
}
