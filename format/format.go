// Package format identifies image media types by magic bytes and file
// extension.
package format

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/greut/melon/domain"
)

// SniffLen is how many leading bytes DetectReader reads.
const SniffLen = 16

var magics = []struct {
	prefix []byte
	format domain.Format
}{
	{[]byte{0xff, 0xd8, 0xff}, domain.FormatJPEG},
	{[]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, domain.FormatPNG},
	{[]byte("II\x2a\x00"), domain.FormatTIFF},
	{[]byte("MM\x00\x2a"), domain.FormatTIFF},
	{[]byte("II\x2b\x00"), domain.FormatTIFF}, // BigTIFF
	{[]byte("MM\x00\x2b"), domain.FormatTIFF},
	{[]byte("GIF87a"), domain.FormatGIF},
	{[]byte("GIF89a"), domain.FormatGIF},
	{[]byte("BM"), domain.FormatBMP},
	{[]byte{0x00, 0x00, 0x00, 0x0c, 'j', 'P', ' ', ' '}, domain.FormatJP2},
	{[]byte{0xff, 0x4f, 0xff, 0x51}, domain.FormatJP2}, // raw codestream
}

var extensions = map[string]domain.Format{
	".jpg":  domain.FormatJPEG,
	".jpeg": domain.FormatJPEG,
	".jpe":  domain.FormatJPEG,
	".png":  domain.FormatPNG,
	".tif":  domain.FormatTIFF,
	".tiff": domain.FormatTIFF,
	".gif":  domain.FormatGIF,
	".bmp":  domain.FormatBMP,
	".jp2":  domain.FormatJP2,
	".jpx":  domain.FormatJP2,
	".j2k":  domain.FormatJP2,
}

// DetectBytes matches the leading bytes against the known magic numbers.
func DetectBytes(b []byte) (domain.MediaType, error) {
	for _, m := range magics {
		if bytes.HasPrefix(b, m.prefix) {
			return domain.MediaTypeFor(m.format), nil
		}
	}
	return domain.MediaType{}, fmt.Errorf("no magic match: %w", domain.ErrUnsupportedSourceFormat)
}

// DetectReader sniffs the first SniffLen bytes of r.
func DetectReader(r io.Reader) (domain.MediaType, error) {
	buf := make([]byte, SniffLen)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return domain.MediaType{}, fmt.Errorf("sniff: %w", err)
	}
	return DetectBytes(buf[:n])
}

// DetectExtension maps a recognized file extension of the identifier.
func DetectExtension(identifier string) (domain.MediaType, bool) {
	ext := strings.ToLower(filepath.Ext(identifier))
	f, ok := extensions[ext]
	if !ok {
		return domain.MediaType{}, false
	}
	return domain.MediaTypeFor(f), true
}
