package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/greut/melon/config"
	"github.com/greut/melon/delegate"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/format"
)

// HTTPSource fetches identifiers from an HTTP(S) server. When the server
// advertises Accept-Ranges: bytes the handle exposes random access through
// ranged GETs; otherwise readers fall back to buffering a temporary file.
type HTTPSource struct {
	prefix   string
	suffix   string
	username string
	secret   string
	strategy LookupStrategy
	bridge   *delegate.Bridge
	client   *http.Client
}

// HTTPOptions is the provider's config block.
type HTTPOptions struct {
	Prefix        string `mapstructure:"prefix"`
	Suffix        string `mapstructure:"suffix"`
	Username      string `mapstructure:"username"`
	Secret        string `mapstructure:"secret"`
	TrustAllCerts bool   `mapstructure:"trust_all_certs"`

	// MaxConnections bounds the provider's connection pool.
	MaxConnections int `mapstructure:"max_connections"`
}

// NewHTTPSource builds the provider with its own connection pool.
func NewHTTPSource(cfg config.SourceConfig, bridge *delegate.Bridge) (*HTTPSource, error) {
	var opts HTTPOptions
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, fmt.Errorf("http source: %w", err)
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.MaxConnections > 0 {
		transport.MaxConnsPerHost = opts.MaxConnections
	}
	if opts.TrustAllCerts {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &HTTPSource{
		prefix:   opts.Prefix,
		suffix:   opts.Suffix,
		username: opts.Username,
		secret:   opts.Secret,
		strategy: LookupStrategy(cfg.LookupStrategy),
		bridge:   bridge,
		client:   &http.Client{Transport: transport},
	}, nil
}

func (s *HTTPSource) resolve(ctx context.Context, identifier string) (string, error) {
	raw, err := lookup(ctx, s.strategy, s.bridge, delegate.HookURL, s.prefix, s.suffix, identifier)
	if err != nil {
		return "", err
	}
	if _, err := url.Parse(raw); err != nil {
		return "", fmt.Errorf("%s: bad url: %w", identifier, domain.ErrNotFound)
	}
	return raw, nil
}

func (s *HTTPSource) request(ctx context.Context, method, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.secret)
	}
	return req, nil
}

// Probe infers the media type: extension, then a 16-byte ranged fetch, then
// the HEAD Content-Type.
func (s *HTTPSource) Probe(ctx context.Context, identifier string) (domain.MediaType, error) {
	if mt, ok := format.DetectExtension(identifier); ok {
		return mt, nil
	}
	u, err := s.resolve(ctx, identifier)
	if err != nil {
		return domain.MediaType{}, err
	}

	req, err := s.request(ctx, http.MethodGet, u)
	if err != nil {
		return domain.MediaType{}, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", format.SniffLen-1))
	resp, err := s.client.Do(req)
	if err != nil {
		return domain.MediaType{}, fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()
	if err := classifyStatus(identifier, resp.StatusCode); err != nil {
		return domain.MediaType{}, err
	}
	if mt, err := format.DetectReader(resp.Body); err == nil {
		return mt, nil
	}

	head, err := s.request(ctx, http.MethodHead, u)
	if err != nil {
		return domain.MediaType{}, err
	}
	hresp, err := s.client.Do(head)
	if err != nil {
		return domain.MediaType{}, fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
	}
	hresp.Body.Close()
	if err := classifyStatus(identifier, hresp.StatusCode); err != nil {
		return domain.MediaType{}, err
	}
	return domain.ParseMediaType(hresp.Header.Get("Content-Type"))
}

// Open checks the resource with a HEAD and returns a handle. The handle
// supports ranged reads when the server advertises them.
func (s *HTTPSource) Open(ctx context.Context, identifier string) (domain.SourceHandle, error) {
	u, err := s.resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	head, err := s.request(ctx, http.MethodHead, u)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(head)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
	}
	resp.Body.Close()
	if err := classifyStatus(identifier, resp.StatusCode); err != nil {
		return nil, err
	}

	h := &httpHandle{src: s, url: u, size: resp.ContentLength}
	if resp.Header.Get("Accept-Ranges") == "bytes" && resp.ContentLength >= 0 {
		return &httpRangeHandle{httpHandle: h}, nil
	}
	return h, nil
}

func classifyStatus(identifier string, status int) error {
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return fmt.Errorf("%s: %w", identifier, domain.ErrNotFound)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", identifier, domain.ErrAccessDenied)
	case status >= 400:
		return fmt.Errorf("%s: status %d: %w", identifier, status, domain.ErrUpstreamUnavailable)
	}
	return nil
}

// httpHandle is the stream-factory capability over plain GETs.
type httpHandle struct {
	src  *HTTPSource
	url  string
	size int64
}

func (h *httpHandle) NewStream() (io.ReadCloser, error) {
	req, err := h.src.request(context.Background(), http.MethodGet, h.url)
	if err != nil {
		return nil, err
	}
	resp, err := h.src.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrUpstreamUnavailable)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, classifyStatus(h.url, resp.StatusCode)
	}
	return resp.Body, nil
}

func (h *httpHandle) Path() string { return "" }
func (h *httpHandle) Size() int64  { return h.size }
func (h *httpHandle) Close() error { return nil }

// httpRangeHandle adds ReaderAt over ranged GETs.
type httpRangeHandle struct {
	*httpHandle
}

func (h *httpRangeHandle) ReadAt(p []byte, off int64) (int, error) {
	if off >= h.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= h.size {
		end = h.size - 1
	}
	req, err := h.src.request(context.Background(), http.MethodGet, h.url)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	resp, err := h.src.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, domain.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, classifyStatus(h.url, resp.StatusCode)
	}
	n, err := io.ReadFull(resp.Body, p[:end-off+1])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if n == int(end-off+1) && end == h.size-1 {
		err = nil
		if int64(len(p)) > end-off+1 {
			err = io.EOF
		}
	}
	return n, err
}
