package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greut/melon/config"
	"github.com/greut/melon/domain"
)

func newFSSource(t *testing.T, root string) *FilesystemSource {
	t.Helper()
	src, err := NewFilesystemSource(config.SourceConfig{
		Type:    "filesystem",
		Options: map[string]any{"prefix": root},
	}, nil)
	require.NoError(t, err)
	return src
}

func TestSanitize(t *testing.T) {
	var tests = []struct {
		in, out string
	}{
		{"a/b.png", "a/b.png"},
		{"../a.png", "a.png"},
		{"a/../../b.png", "a/b.png"},
		{"..", ""},
		{"..\\..\\a.png", "a.png"},
		{"./a.png", "a.png"},
	}
	for _, test := range tests {
		assert.Equal(t, test.out, Sanitize(test.in), test.in)
	}
}

// For any identifier containing dot-dot segments, the provider never opens
// a path outside its configured prefix.
func TestTraversalSafety(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("top secret"), 0o600))
	t.Cleanup(func() { os.Remove(outside) })

	src := newFSSource(t, root)
	for _, id := range []string{
		"../secret.txt",
		"../../secret.txt",
		"a/../../secret.txt",
		"..%2fsecret.txt",
	} {
		_, err := src.Open(context.Background(), id)
		assert.ErrorIs(t, err, domain.ErrNotFound, id)
	}
}

func TestSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "leak.png")
	require.NoError(t, os.WriteFile(target, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "leak.png")))

	src := newFSSource(t, root)
	_, err := src.Open(context.Background(), "leak.png")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenAndProbe(t *testing.T) {
	root := t.TempDir()
	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3, 4}
	require.NoError(t, os.WriteFile(filepath.Join(root, "pic"), payload, 0o644))

	src := newFSSource(t, root)

	// No extension: probe sniffs the magic bytes.
	mt, err := src.Probe(context.Background(), "pic")
	require.NoError(t, err)
	assert.Equal(t, domain.FormatJPEG, mt.Format)

	h, err := src.Open(context.Background(), "pic")
	require.NoError(t, err)
	defer h.Close()
	assert.NotEmpty(t, h.Path())
	assert.Equal(t, int64(len(payload)), h.Size())

	stream, err := h.NewStream()
	require.NoError(t, err)
	defer stream.Close()

	_, err = src.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
