package domain

import (
	"fmt"
	"strings"
)

// Format is an image encoding the core can read and, for a subset, write.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatTIFF
	FormatGIF
	FormatBMP
	FormatJP2
)

// Writable reports whether a writer exists for the format.
func (f Format) Writable() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatTIFF, FormatGIF:
		return true
	}
	return false
}

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatPNG:
		return "png"
	case FormatTIFF:
		return "tif"
	case FormatGIF:
		return "gif"
	case FormatBMP:
		return "bmp"
	case FormatJP2:
		return "jp2"
	}
	return "unknown"
}

// MediaType couples a Format with its MIME representation.
type MediaType struct {
	Format Format
	MIME   string
}

func (m MediaType) String() string { return m.MIME }

// MediaTypeFor returns the canonical media type of a format.
func MediaTypeFor(f Format) MediaType {
	switch f {
	case FormatJPEG:
		return MediaType{FormatJPEG, "image/jpeg"}
	case FormatPNG:
		return MediaType{FormatPNG, "image/png"}
	case FormatTIFF:
		return MediaType{FormatTIFF, "image/tiff"}
	case FormatGIF:
		return MediaType{FormatGIF, "image/gif"}
	case FormatBMP:
		return MediaType{FormatBMP, "image/bmp"}
	case FormatJP2:
		return MediaType{FormatJP2, "image/jp2"}
	}
	return MediaType{FormatUnknown, "application/octet-stream"}
}

// ParseMediaType maps a MIME string back to a MediaType. Parameters after a
// semicolon are ignored.
func ParseMediaType(s string) (MediaType, error) {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "image/jpeg", "image/jpg":
		return MediaTypeFor(FormatJPEG), nil
	case "image/png":
		return MediaTypeFor(FormatPNG), nil
	case "image/tiff", "image/tif":
		return MediaTypeFor(FormatTIFF), nil
	case "image/gif":
		return MediaTypeFor(FormatGIF), nil
	case "image/bmp", "image/x-bmp", "image/x-ms-bmp":
		return MediaTypeFor(FormatBMP), nil
	case "image/jp2", "image/jpeg2000", "image/jpx":
		return MediaTypeFor(FormatJP2), nil
	}
	return MediaType{}, fmt.Errorf("media type %q: %w", s, ErrUnsupportedSourceFormat)
}
