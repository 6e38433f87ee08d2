package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/greut/melon/domain"
)

// fileHandle is the seekable local-file capability.
type fileHandle struct {
	path string
	size int64
}

func newFileHandle(path string) (*fileHandle, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &fileHandle{path: path, size: fi.Size()}, nil
}

func (h *fileHandle) NewStream() (io.ReadCloser, error) { return os.Open(h.path) }
func (h *fileHandle) Path() string                      { return h.path }
func (h *fileHandle) Size() int64                       { return h.size }
func (h *fileHandle) Close() error                      { return nil }

// streamHandle wraps a stream factory for stores with no file capability.
type streamHandle struct {
	factory domain.StreamFactory
	size    int64
}

func (h *streamHandle) NewStream() (io.ReadCloser, error) { return h.factory() }
func (h *streamHandle) Path() string                      { return "" }
func (h *streamHandle) Size() int64                       { return h.size }
func (h *streamHandle) Close() error                      { return nil }

// RangeReaderAt is the optional random-access capability of remote handles.
// Readers use it to fetch tile and header byte ranges without pulling the
// whole source.
type RangeReaderAt interface {
	io.ReaderAt
}

// RandomAccess turns a handle into a seekable reader for the region readers.
// Local files open directly; remote handles with range support are wrapped
// in a section reader; everything else spills to a temporary file that is
// removed by the returned cleanup function. The cleanup also runs on
// cancellation.
func RandomAccess(ctx context.Context, h domain.SourceHandle) (io.ReadSeeker, func(), error) {
	if p := h.Path(); p != "" {
		f, err := os.Open(p)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
	if ra, ok := h.(RangeReaderAt); ok && h.Size() >= 0 {
		return io.NewSectionReader(ra, 0, h.Size()), func() {}, nil
	}
	return spill(ctx, h)
}

// spill buffers the source stream into a temporary file.
func spill(ctx context.Context, h domain.SourceHandle) (io.ReadSeeker, func(), error) {
	stream, err := h.NewStream()
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	f, err := os.CreateTemp("", "melon-src-*")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	// Abandon the copy promptly when the request is cancelled.
	done := make(chan error, 1)
	var once sync.Once
	go func() {
		_, err := io.Copy(f, stream)
		done <- err
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		once.Do(cleanup)
		return nil, nil, fmt.Errorf("buffering source: %w", domain.ErrTimeout)
	}
	if err != nil {
		once.Do(cleanup)
		return nil, nil, fmt.Errorf("buffering source: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		once.Do(cleanup)
		return nil, nil, err
	}
	return f, func() { once.Do(cleanup) }, nil
}
