package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greut/melon/config"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/format"
)

// PostgresSource reads source images out of BLOB columns. Three
// operator-defined queries drive it: identifier translation, media-type
// lookup and the blob select. All of them are parameterized; the core only
// supplies positional bind values.
type PostgresSource struct {
	pool *pgxpool.Pool

	identifierSQL string
	mediaTypeSQL  string
	blobSQL       string
}

// PostgresOptions is the provider's config block.
type PostgresOptions struct {
	URL string `mapstructure:"url"`

	// IdentifierSQL maps the request identifier to the database key;
	// empty means the identifier is used as-is. One $1 bind.
	IdentifierSQL string `mapstructure:"identifier_sql"`

	// MediaTypeSQL returns the stored media type for a key; empty falls
	// back to magic-byte sniffing. One $1 bind.
	MediaTypeSQL string `mapstructure:"media_type_sql"`

	// BlobSQL returns the image bytes for a key. One $1 bind. Required.
	BlobSQL string `mapstructure:"blob_sql"`

	// MaxConnections bounds the provider's pool.
	MaxConnections int `mapstructure:"max_connections"`
}

// NewPostgresSource builds the provider with its own connection pool.
func NewPostgresSource(cfg config.SourceConfig) (*PostgresSource, error) {
	var opts PostgresOptions
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, fmt.Errorf("postgres source: %w", err)
	}
	if opts.BlobSQL == "" {
		return nil, errors.New("postgres source: blob_sql is required")
	}
	pc, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres source: %w", err)
	}
	if opts.MaxConnections > 0 {
		pc.MaxConns = int32(opts.MaxConnections)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), pc)
	if err != nil {
		return nil, fmt.Errorf("postgres source: %w", err)
	}
	return &PostgresSource{
		pool:          pool,
		identifierSQL: opts.IdentifierSQL,
		mediaTypeSQL:  opts.MediaTypeSQL,
		blobSQL:       opts.BlobSQL,
	}, nil
}

// Close releases the pool.
func (s *PostgresSource) Close() { s.pool.Close() }

func (s *PostgresSource) dbKey(ctx context.Context, identifier string) (string, error) {
	if s.identifierSQL == "" {
		return identifier, nil
	}
	var key string
	err := s.pool.QueryRow(ctx, s.identifierSQL, identifier).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", identifier, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
	}
	return key, nil
}

// Probe uses the extension first; failing that, the stored media type when
// a media-type query is configured, otherwise the blob's magic bytes.
func (s *PostgresSource) Probe(ctx context.Context, identifier string) (domain.MediaType, error) {
	if mt, ok := format.DetectExtension(identifier); ok {
		return mt, nil
	}
	key, err := s.dbKey(ctx, identifier)
	if err != nil {
		return domain.MediaType{}, err
	}
	if s.mediaTypeSQL != "" {
		var mime string
		err := s.pool.QueryRow(ctx, s.mediaTypeSQL, key).Scan(&mime)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return domain.MediaType{}, fmt.Errorf("%s: %w", identifier, domain.ErrNotFound)
		case err != nil:
			return domain.MediaType{}, fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
		}
		return domain.ParseMediaType(mime)
	}
	blob, err := s.fetch(ctx, key, identifier)
	if err != nil {
		return domain.MediaType{}, err
	}
	return format.DetectBytes(blob[:min(len(blob), format.SniffLen)])
}

// Open fetches the blob eagerly; BLOB sources have no partial-read
// capability, so the handle serves streams from memory.
func (s *PostgresSource) Open(ctx context.Context, identifier string) (domain.SourceHandle, error) {
	key, err := s.dbKey(ctx, identifier)
	if err != nil {
		return nil, err
	}
	blob, err := s.fetch(ctx, key, identifier)
	if err != nil {
		return nil, err
	}
	return &blobHandle{data: blob}, nil
}

func (s *PostgresSource) fetch(ctx context.Context, key, identifier string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, s.blobSQL, key).Scan(&blob)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("%s: %w", identifier, domain.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
	}
	return blob, nil
}

// blobHandle serves an in-memory blob.
type blobHandle struct {
	data []byte
}

func (h *blobHandle) NewStream() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h.data)), nil
}

func (h *blobHandle) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(h.data).ReadAt(p, off)
}

func (h *blobHandle) Path() string { return "" }
func (h *blobHandle) Size() int64  { return int64(len(h.data)) }
func (h *blobHandle) Close() error { return nil }
