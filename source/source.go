// Package source yields file handles or byte streams for identifiers held in
// diverse backing stores: local filesystems, HTTP servers, object stores and
// SQL BLOB columns.
package source

import (
	"context"
	"fmt"

	"github.com/greut/melon/config"
	"github.com/greut/melon/delegate"
	"github.com/greut/melon/domain"
)

// Source resolves identifiers in one backing store.
type Source interface {
	// Probe is a cheap media-type inference: extension first, then leading
	// bytes, then any store-specific hint. Errors distinguish
	// domain.ErrNotFound, domain.ErrAccessDenied and
	// domain.ErrUpstreamUnavailable.
	Probe(ctx context.Context, identifier string) (domain.MediaType, error)

	// Open returns a handle for one request. The handle's stream factory
	// is always usable; the file path only for filesystem stores.
	Open(ctx context.Context, identifier string) (domain.SourceHandle, error)
}

// LookupStrategy selects between static identifier mapping and delegate
// script lookup.
type LookupStrategy string

const (
	LookupBasic  LookupStrategy = "basic"
	LookupScript LookupStrategy = "script"
)

// NewFromConfig builds the named provider from its config block. The bridge
// may be nil when no provider uses the script lookup strategy.
func NewFromConfig(name string, cfg config.SourceConfig, bridge *delegate.Bridge) (Source, error) {
	if cfg.LookupStrategy == string(LookupScript) && bridge == nil {
		return nil, fmt.Errorf("source %s: script lookup without a delegate", name)
	}
	switch cfg.Type {
	case "filesystem":
		return NewFilesystemSource(cfg, bridge)
	case "http":
		return NewHTTPSource(cfg, bridge)
	case "s3":
		return NewS3Source(cfg, bridge)
	case "azure":
		return NewAzureSource(cfg, bridge)
	case "postgres":
		return NewPostgresSource(cfg)
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Type)
}

// lookup runs the basic prefix+suffix mapping, or the named delegate hook
// under the script strategy.
func lookup(ctx context.Context, strategy LookupStrategy, bridge *delegate.Bridge, hook, prefix, suffix, identifier string) (string, error) {
	if strategy == LookupScript {
		return bridge.Call(ctx, hook, identifier)
	}
	return prefix + identifier + suffix, nil
}
