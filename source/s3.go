package source

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/greut/melon/config"
	"github.com/greut/melon/delegate"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/format"
)

// S3Source serves identifiers from an S3-compatible object store. Random
// access goes through ranged GETs on the object.
type S3Source struct {
	client   *minio.Client
	bucket   string
	prefix   string
	suffix   string
	strategy LookupStrategy
	bridge   *delegate.Bridge
}

// S3Options is the provider's config block.
type S3Options struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    bool   `mapstructure:"secure"`
	Prefix    string `mapstructure:"prefix"`
	Suffix    string `mapstructure:"suffix"`
}

// NewS3Source builds the provider with its own client pool.
func NewS3Source(cfg config.SourceConfig, bridge *delegate.Bridge) (*S3Source, error) {
	var opts S3Options
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, fmt.Errorf("s3 source: %w", err)
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 source: %w", err)
	}
	return &S3Source{
		client:   client,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		suffix:   opts.Suffix,
		strategy: LookupStrategy(cfg.LookupStrategy),
		bridge:   bridge,
	}, nil
}

func (s *S3Source) key(ctx context.Context, identifier string) (string, error) {
	return lookup(ctx, s.strategy, s.bridge, delegate.HookS3ObjectKey, s.prefix, s.suffix, identifier)
}

// Probe infers the media type from the extension, the object's leading
// bytes, then the stored Content-Type.
func (s *S3Source) Probe(ctx context.Context, identifier string) (domain.MediaType, error) {
	if mt, ok := format.DetectExtension(identifier); ok {
		return mt, nil
	}
	key, err := s.key(ctx, identifier)
	if err != nil {
		return domain.MediaType{}, err
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(0, format.SniffLen-1); err != nil {
		return domain.MediaType{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return domain.MediaType{}, classifyS3Error(identifier, err)
	}
	defer obj.Close()
	if mt, err := format.DetectReader(obj); err == nil {
		return mt, nil
	}
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return domain.MediaType{}, classifyS3Error(identifier, err)
	}
	return domain.ParseMediaType(stat.ContentType)
}

// Open stats the object and returns a ranged-read handle.
func (s *S3Source) Open(ctx context.Context, identifier string) (domain.SourceHandle, error) {
	key, err := s.key(ctx, identifier)
	if err != nil {
		return nil, err
	}
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classifyS3Error(identifier, err)
	}
	return &s3Handle{src: s, key: key, size: stat.Size}, nil
}

func classifyS3Error(identifier string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%s: %w", identifier, domain.ErrNotFound)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%s: %w", identifier, domain.ErrAccessDenied)
	}
	return fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
}

// s3Handle streams and range-reads one object.
type s3Handle struct {
	src  *S3Source
	key  string
	size int64
}

func (h *s3Handle) NewStream() (io.ReadCloser, error) {
	obj, err := h.src.client.GetObject(context.Background(), h.src.bucket, h.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error(h.key, err)
	}
	return obj, nil
}

func (h *s3Handle) ReadAt(p []byte, off int64) (int, error) {
	if off >= h.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	short := false
	if end >= h.size {
		end = h.size - 1
		short = true
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}
	obj, err := h.src.client.GetObject(context.Background(), h.src.bucket, h.key, opts)
	if err != nil {
		return 0, classifyS3Error(h.key, err)
	}
	defer obj.Close()
	n, err := io.ReadFull(obj, p[:end-off+1])
	if err == io.ErrUnexpectedEOF || (err == nil && short) {
		err = io.EOF
	}
	return n, err
}

func (h *s3Handle) Path() string { return "" }
func (h *s3Handle) Size() int64  { return h.size }
func (h *s3Handle) Close() error { return nil }
