package source

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/greut/melon/config"
	"github.com/greut/melon/delegate"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/format"
)

// AzureSource serves identifiers from an Azure-compatible blob store.
type AzureSource struct {
	client    *azblob.Client
	container string
	prefix    string
	suffix    string
	strategy  LookupStrategy
	bridge    *delegate.Bridge
}

// AzureOptions is the provider's config block.
type AzureOptions struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Endpoint    string `mapstructure:"endpoint"`
	Container   string `mapstructure:"container"`
	Prefix      string `mapstructure:"prefix"`
	Suffix      string `mapstructure:"suffix"`
}

// NewAzureSource builds the provider.
func NewAzureSource(cfg config.SourceConfig, bridge *delegate.Bridge) (*AzureSource, error) {
	var opts AzureOptions
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, fmt.Errorf("azure source: %w", err)
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", opts.AccountName)
	}
	cred, err := azblob.NewSharedKeyCredential(opts.AccountName, opts.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure source: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure source: %w", err)
	}
	return &AzureSource{
		client:    client,
		container: opts.Container,
		prefix:    opts.Prefix,
		suffix:    opts.Suffix,
		strategy:  LookupStrategy(cfg.LookupStrategy),
		bridge:    bridge,
	}, nil
}

func (s *AzureSource) blobName(ctx context.Context, identifier string) (string, error) {
	return lookup(ctx, s.strategy, s.bridge, delegate.HookAzureBlobKey, s.prefix, s.suffix, identifier)
}

func (s *AzureSource) blobClient(name string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(name)
}

// Probe infers the media type from the extension, leading bytes, then the
// stored Content-Type.
func (s *AzureSource) Probe(ctx context.Context, identifier string) (domain.MediaType, error) {
	if mt, ok := format.DetectExtension(identifier); ok {
		return mt, nil
	}
	name, err := s.blobName(ctx, identifier)
	if err != nil {
		return domain.MediaType{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: 0, Count: format.SniffLen},
	})
	if err != nil {
		return domain.MediaType{}, classifyAzureError(identifier, err)
	}
	defer resp.Body.Close()
	if mt, err := format.DetectReader(resp.Body); err == nil {
		return mt, nil
	}
	props, err := s.blobClient(name).GetProperties(ctx, nil)
	if err != nil {
		return domain.MediaType{}, classifyAzureError(identifier, err)
	}
	if props.ContentType == nil {
		return domain.MediaType{}, fmt.Errorf("%s: no content type: %w", identifier, domain.ErrUnsupportedSourceFormat)
	}
	return domain.ParseMediaType(*props.ContentType)
}

// Open checks the blob and returns a ranged-read handle.
func (s *AzureSource) Open(ctx context.Context, identifier string) (domain.SourceHandle, error) {
	name, err := s.blobName(ctx, identifier)
	if err != nil {
		return nil, err
	}
	props, err := s.blobClient(name).GetProperties(ctx, nil)
	if err != nil {
		return nil, classifyAzureError(identifier, err)
	}
	size := int64(-1)
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return &azureHandle{src: s, name: name, size: size}, nil
}

func classifyAzureError(identifier string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return fmt.Errorf("%s: %w", identifier, domain.ErrNotFound)
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions):
		return fmt.Errorf("%s: %w", identifier, domain.ErrAccessDenied)
	}
	return fmt.Errorf("%s: %v: %w", identifier, err, domain.ErrUpstreamUnavailable)
}

// azureHandle streams and range-reads one blob.
type azureHandle struct {
	src  *AzureSource
	name string
	size int64
}

func (h *azureHandle) NewStream() (io.ReadCloser, error) {
	resp, err := h.src.client.DownloadStream(context.Background(), h.src.container, h.name, nil)
	if err != nil {
		return nil, classifyAzureError(h.name, err)
	}
	return resp.Body, nil
}

func (h *azureHandle) ReadAt(p []byte, off int64) (int, error) {
	if off >= h.size {
		return 0, io.EOF
	}
	count := int64(len(p))
	short := false
	if off+count > h.size {
		count = h.size - off
		short = true
	}
	resp, err := h.src.client.DownloadStream(context.Background(), h.src.container, h.name, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: off, Count: count},
	})
	if err != nil {
		return 0, classifyAzureError(h.name, err)
	}
	defer resp.Body.Close()
	n, err := io.ReadFull(resp.Body, p[:count])
	if err == io.ErrUnexpectedEOF || (err == nil && short) {
		err = io.EOF
	}
	return n, err
}

func (h *azureHandle) Path() string { return "" }
func (h *azureHandle) Size() int64  { return h.size }
func (h *azureHandle) Close() error { return nil }
