package domain

import "io"

// StreamFactory produces independent readable byte streams. Each call yields
// a fresh stream positioned at 0; callers close each stream they open.
type StreamFactory func() (io.ReadCloser, error)

// SourceHandle is the capability a source provider hands to a reader. Every
// provider supports NewStream; Path is non-empty only when the backing store
// is a local filesystem.
type SourceHandle interface {
	// NewStream opens a fresh stream over the source bytes.
	NewStream() (io.ReadCloser, error)

	// Path returns a seekable local file path, or "" when the provider has
	// no file capability.
	Path() string

	// Size returns the source length in bytes, or -1 when unknown.
	Size() int64

	// Close releases the handle and any staging resources. Handles live for
	// one request.
	Close() error
}
