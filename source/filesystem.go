package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/greut/melon/config"
	"github.com/greut/melon/delegate"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/format"
)

// FilesystemSource maps identifiers onto files under a prefix root.
type FilesystemSource struct {
	prefix   string
	suffix   string
	strategy LookupStrategy
	bridge   *delegate.Bridge
}

// FilesystemOptions is the provider's config block.
type FilesystemOptions struct {
	Prefix string `mapstructure:"prefix"`
	Suffix string `mapstructure:"suffix"`
}

// NewFilesystemSource builds the provider.
func NewFilesystemSource(cfg config.SourceConfig, bridge *delegate.Bridge) (*FilesystemSource, error) {
	var opts FilesystemOptions
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, fmt.Errorf("filesystem source: %w", err)
	}
	if opts.Prefix == "" {
		return nil, errors.New("filesystem source: prefix is required")
	}
	return &FilesystemSource{
		prefix:   filepath.Clean(opts.Prefix),
		suffix:   opts.Suffix,
		strategy: LookupStrategy(cfg.LookupStrategy),
		bridge:   bridge,
	}, nil
}

// Sanitize strips traversal fragments from a percent-decoded identifier.
// Any ".." segment and bare ".." is removed before the path join.
func Sanitize(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\\", "/")
	parts := strings.Split(identifier, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == ".." || p == "." || p == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "/")
}

// resolve builds the contained absolute path for an identifier.
func (s *FilesystemSource) resolve(ctx context.Context, identifier string) (string, error) {
	var rel string
	if s.strategy == LookupScript {
		p, err := s.bridge.Call(ctx, delegate.HookPathname, identifier)
		if err != nil {
			return "", err
		}
		rel = Sanitize(p)
	} else {
		rel = Sanitize(identifier)
	}
	path := filepath.Join(s.prefix, filepath.FromSlash(rel)) + s.suffix

	// Reject symlink escapes: the resolved target must stay under the
	// resolved prefix root.
	root, err := filepath.EvalSymlinks(s.prefix)
	if err != nil {
		return "", fmt.Errorf("source root %s: %w", s.prefix, domain.ErrUpstreamUnavailable)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", identifier, domain.ErrNotFound)
		}
		if errors.Is(err, fs.ErrPermission) {
			return "", fmt.Errorf("%s: %w", identifier, domain.ErrAccessDenied)
		}
		return "", fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s escapes source root: %w", identifier, domain.ErrNotFound)
	}
	return resolved, nil
}

// Probe infers the media type from the extension, falling back to magic
// bytes.
func (s *FilesystemSource) Probe(ctx context.Context, identifier string) (domain.MediaType, error) {
	if mt, ok := format.DetectExtension(identifier); ok {
		return mt, nil
	}
	path, err := s.resolve(ctx, identifier)
	if err != nil {
		return domain.MediaType{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return domain.MediaType{}, classifyFSError(identifier, err)
	}
	defer f.Close()
	return format.DetectReader(f)
}

// Open returns the file capability.
func (s *FilesystemSource) Open(ctx context.Context, identifier string) (domain.SourceHandle, error) {
	path, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	h, err := newFileHandle(path)
	if err != nil {
		return nil, classifyFSError(identifier, err)
	}
	return h, nil
}

func classifyFSError(identifier string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", identifier, domain.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", identifier, domain.ErrAccessDenied)
	}
	return fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
}
