// Package melon is the image-delivery core of an IIIF server: it takes a
// resolved source image and an operation list and produces the requested
// derivative with bounded memory, exploiting the source format's internal
// structure (tiling, pyramids, subbands) to avoid decoding pixels it will
// discard.
package melon

import (
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/greut/melon/cache"
	"github.com/greut/melon/config"
	"github.com/greut/melon/delegate"
	"github.com/greut/melon/source"
)

// Service executes requests against configured sources and caches.
type Service struct {
	cfg     *config.Holder
	sources map[string]source.Source
	bridge  *delegate.Bridge
	dcache  cache.DerivativeCache
	icache  *cache.InfoCache
	group   singleflight.Group
	logger  *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithDelegate installs the user-supplied callback runtime.
func WithDelegate(d delegate.Delegate) Option {
	return func(s *Service) { s.bridge = delegate.NewBridge(d) }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New builds a Service from the configuration snapshot holder.
func New(holder *config.Holder, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:     holder,
		sources: map[string]source.Source{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg := holder.Get()
	for name, sc := range cfg.Sources {
		src, err := source.NewFromConfig(name, sc, s.bridge)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		s.sources[name] = src
	}
	if cfg.Resolver.Delegate && s.bridge == nil {
		return nil, fmt.Errorf("resolver.delegate is set without a delegate")
	}

	dc, err := cache.NewDerivativeCache(cfg.Cache.Derivative)
	if err != nil {
		return nil, err
	}
	s.dcache = dc
	s.icache = cache.NewInfoCache(cfg.Cache.Info.Limit)
	return s, nil
}

// Close releases the caches and the delegate worker.
func (s *Service) Close() error {
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.dcache != nil {
		return s.dcache.Close()
	}
	return nil
}
