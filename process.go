package melon

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/greut/melon/cache"
	"github.com/greut/melon/delegate"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/format"
	"github.com/greut/melon/ops"
	"github.com/greut/melon/pipeline"
	"github.com/greut/melon/reader"
	"github.com/greut/melon/source"
)

// Process resolves the identifier, applies the operation list and streams
// the encoded derivative to out. The derivative cache is consulted before
// the source; concurrent identical requests collapse onto one build unless
// configured otherwise.
func (s *Service) Process(ctx context.Context, identifier string, list ops.List, out io.Writer) (domain.MediaType, error) {
	cfg := s.cfg.Get()
	if total := cfg.Timeouts.Request(); total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	fp := ops.NewFingerprint(identifier, list, ops.PixelConfig{
		LimitTo8Bits: cfg.Processor.LimitTo8Bits,
		Normalize:    cfg.Processor.Normalize,
	})

	if s.dcache == nil {
		return s.build(ctx, identifier, list, out)
	}

	if mt, err := s.streamCached(ctx, fp, out); err == nil {
		s.logger.Debug("derivative cache hit", "fingerprint", fp.String())
		return mt, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		return domain.MediaType{}, err
	}

	outType := domain.MediaTypeFor(list.Encode().Format)
	build := func() (any, error) {
		w, err := s.dcache.Put(ctx, fp, identifier, outType)
		if err != nil {
			return nil, err
		}
		mt, err := s.build(ctx, identifier, list, w)
		if err != nil {
			w.Abort()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return mt, nil
	}

	if cfg.Cache.Derivative.ConcurrentBuilds {
		if _, err := build(); err != nil {
			return domain.MediaType{}, err
		}
	} else {
		// Single-flight: at most one concurrent build per fingerprint;
		// everyone streams from the completed entry.
		if _, err, _ := s.group.Do(fp.Hex(), build); err != nil {
			return domain.MediaType{}, err
		}
	}

	mt, err := s.streamCached(ctx, fp, out)
	if errors.Is(err, cache.ErrMiss) {
		// Evicted between build and read; serve directly.
		return s.build(ctx, identifier, list, out)
	}
	return mt, err
}

// streamCached copies a cached payload to out.
func (s *Service) streamCached(ctx context.Context, fp ops.Fingerprint, out io.Writer) (domain.MediaType, error) {
	entry, rc, err := s.dcache.Get(ctx, fp)
	if err != nil {
		return domain.MediaType{}, err
	}
	defer rc.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return domain.MediaType{}, err
	}
	return entry.MediaType, nil
}

// build runs the full pipeline once: resolve, open, detect, decode, apply,
// encode.
func (s *Service) build(ctx context.Context, identifier string, list ops.List, out io.Writer) (domain.MediaType, error) {
	cfg := s.cfg.Get()

	src, err := s.resolve(ctx, identifier)
	if err != nil {
		return domain.MediaType{}, err
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.SourceOpen())
	mt, err := src.Probe(openCtx, identifier)
	if err != nil {
		cancel()
		return domain.MediaType{}, timeoutErr(err)
	}
	handle, err := src.Open(openCtx, identifier)
	cancel()
	if err != nil {
		return domain.MediaType{}, timeoutErr(err)
	}
	defer handle.Close()

	rs, cleanup, err := source.RandomAccess(ctx, handle)
	if err != nil {
		return domain.MediaType{}, timeoutErr(err)
	}
	defer cleanup()

	// The advertised type may lie; the leading bytes win (a JPEG named
	// .png decodes as JPEG).
	if sniffed, err := sniffHandle(handle); err == nil && sniffed.Format != mt.Format {
		s.logger.Debug("extension mismatch", "identifier", identifier,
			"extension", mt.Format, "magic", sniffed.Format)
		mt = sniffed
	}

	rdr, err := reader.New(mt, rs, reader.Options{
		LimitTo8Bits: cfg.Processor.LimitTo8Bits,
		Normalize:    cfg.Processor.Normalize,
	})
	if err != nil {
		return domain.MediaType{}, err
	}

	info, err := rdr.Info()
	if err != nil {
		return domain.MediaType{}, err
	}
	info.Identifier = identifier
	s.icache.Put(info)

	enc := list.Encode()
	var metadata []byte
	if cfg.Processor.MetadataPreserve && enc.Format == mt.Format {
		metadata, _ = rdr.Metadata()
	}

	readCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Read())
	defer cancel()
	if err := pipeline.Execute(readCtx, rdr, info, list, metadata, out); err != nil {
		return domain.MediaType{}, timeoutErr(err)
	}
	return domain.MediaTypeFor(enc.Format), nil
}

// Info returns the source layout, served from the info cache when warm.
func (s *Service) Info(ctx context.Context, identifier string) (domain.ImageInfo, error) {
	if info, ok := s.icache.Get(identifier); ok {
		return info, nil
	}
	cfg := s.cfg.Get()

	src, err := s.resolve(ctx, identifier)
	if err != nil {
		return domain.ImageInfo{}, err
	}
	openCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.SourceOpen())
	defer cancel()
	mt, err := src.Probe(openCtx, identifier)
	if err != nil {
		return domain.ImageInfo{}, timeoutErr(err)
	}
	handle, err := src.Open(openCtx, identifier)
	if err != nil {
		return domain.ImageInfo{}, timeoutErr(err)
	}
	defer handle.Close()
	rs, cleanup, err := source.RandomAccess(ctx, handle)
	if err != nil {
		return domain.ImageInfo{}, timeoutErr(err)
	}
	defer cleanup()
	if sniffed, err := sniffHandle(handle); err == nil {
		mt = sniffed
	}
	rdr, err := reader.New(mt, rs, reader.Options{})
	if err != nil {
		return domain.ImageInfo{}, err
	}
	info, err := rdr.Info()
	if err != nil {
		return domain.ImageInfo{}, err
	}
	info.Identifier = identifier
	s.icache.Put(info)
	return info, nil
}

// Purge drops cached state. Selector.All clears everything. With
// IdentifierPrefix set, every derivative whose identifier starts with the
// prefix is dropped, but only the info entry stored under exactly that
// identifier; a Fingerprint selector reaches the derivative cache only.
func (s *Service) Purge(ctx context.Context, sel cache.Selector) error {
	if sel.All {
		s.icache.Purge("")
	} else if sel.IdentifierPrefix != "" {
		s.icache.Purge(sel.IdentifierPrefix)
	}
	if s.dcache == nil {
		return nil
	}
	return s.dcache.Purge(ctx, sel)
}

// resolve picks the source provider for an identifier.
func (s *Service) resolve(ctx context.Context, identifier string) (source.Source, error) {
	cfg := s.cfg.Get()
	name := cfg.Resolver.Static
	if cfg.Resolver.Delegate {
		n, err := s.bridge.Call(ctx, delegate.HookResolver, identifier)
		if err != nil {
			return nil, err
		}
		name = n
	}
	src, ok := s.sources[name]
	if !ok {
		return nil, fmt.Errorf("source %q: %w", name, domain.ErrNotFound)
	}
	return src, nil
}

// sniffHandle reads the handle's leading bytes for magic detection.
func sniffHandle(h domain.SourceHandle) (domain.MediaType, error) {
	stream, err := h.NewStream()
	if err != nil {
		return domain.MediaType{}, err
	}
	defer stream.Close()
	return format.DetectReader(stream)
}

// timeoutErr maps context deadline errors onto the core's timeout kind.
func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, domain.ErrTimeout)
	}
	return err
}
