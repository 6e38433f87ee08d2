package reader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"

	"github.com/greut/melon/domain"
)

// decodeSegment decompresses one strip or tile into raw interleaved samples
// (file byte order for 16-bit data). rows and cols are the segment's pixel
// dimensions.
func (d *tiffIFD) decodeSegment(data []byte, cols, rows int) ([]byte, error) {
	want := cols * rows * d.samples * d.bits / 8
	var raw []byte
	switch d.compression {
	case cNone:
		raw = data
	case cLZW:
		r := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer r.Close()
		raw = make([]byte, want)
		if _, err := io.ReadFull(r, raw); err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("tiff lzw: %w", err)
		}
	case cDeflate, cDeflateOld:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("tiff deflate: %w", err)
		}
		defer r.Close()
		raw = make([]byte, want)
		if _, err := io.ReadFull(r, raw); err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("tiff deflate: %w", err)
		}
	case cPackBits:
		raw = unpackBits(data, want)
	case cJPEG:
		return d.decodeJPEGSegment(data, cols, rows)
	default:
		return nil, fmt.Errorf("tiff compression %d: %w", d.compression, domain.ErrUnsupportedSourceFormat)
	}
	if len(raw) < want {
		padded := make([]byte, want)
		copy(padded, raw)
		raw = padded
	}
	if d.predictor == 2 {
		undoPredictor(raw, cols, rows, d.samples, d.bits, d.bo)
	}
	return raw[:want], nil
}

// unpackBits expands PackBits run-length data (TIFF 6.0 section 9).
func unpackBits(data []byte, want int) []byte {
	out := make([]byte, 0, want)
	for i := 0; i < len(data) && len(out) < want; {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0:
			end := i + n + 1
			if end > len(data) {
				end = len(data)
			}
			out = append(out, data[i:end]...)
			i = end
		case n != -128:
			if i < len(data) {
				for j := 0; j < 1-n; j++ {
					out = append(out, data[i])
				}
				i++
			}
		}
	}
	return out
}

// undoPredictor reverses horizontal differencing in place. 16-bit words are
// accumulated in the file byte order.
func undoPredictor(raw []byte, cols, rows, samples, bits int, bo binary.ByteOrder) {
	if bits == 8 {
		stride := cols * samples
		for y := 0; y < rows; y++ {
			row := raw[y*stride : (y+1)*stride]
			for x := samples; x < len(row); x++ {
				row[x] += row[x-samples]
			}
		}
		return
	}
	stride := cols * samples * 2
	for y := 0; y < rows; y++ {
		row := raw[y*stride : (y+1)*stride]
		for x := samples * 2; x+1 < len(row); x += 2 {
			prev := bo.Uint16(row[x-samples*2:])
			cur := bo.Uint16(row[x:])
			bo.PutUint16(row[x:], cur+prev)
		}
	}
}

// decodeJPEGSegment handles JPEG-in-TIFF (compression 7), merging the
// shared JPEGTables stream when present.
func (d *tiffIFD) decodeJPEGSegment(data []byte, cols, rows int) ([]byte, error) {
	if d.bits != 8 {
		return nil, fmt.Errorf("jpeg-in-tiff with %d bits: %w", d.bits, domain.ErrUnsupportedSourceFormat)
	}
	stream := data
	if len(d.jpegTables) > 4 && len(data) > 2 {
		// Tables stream is SOI..tables..EOI; the segment is SOI..scan..EOI.
		// Splice: SOI + tables + segment-after-SOI.
		merged := make([]byte, 0, len(d.jpegTables)+len(data))
		merged = append(merged, d.jpegTables[:len(d.jpegTables)-2]...)
		merged = append(merged, data[2:]...)
		stream = merged
	}
	img, err := jpeg.Decode(bytes.NewReader(stream))
	if err != nil {
		return nil, fmt.Errorf("jpeg-in-tiff: %w", err)
	}
	return imageToSamples(img, cols, rows, d.samples), nil
}

// imageToSamples flattens a decoded image into 8-bit interleaved samples.
func imageToSamples(img image.Image, cols, rows, samples int) []byte {
	out := make([]byte, cols*rows*samples)
	b := img.Bounds()
	for y := 0; y < rows && y < b.Dy(); y++ {
		for x := 0; x < cols && x < b.Dx(); x++ {
			r, g, bb, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*cols + x) * samples
			switch samples {
			case 1:
				out[i] = uint8(((r*299 + g*587 + bb*114) / 1000) >> 8)
			case 3:
				out[i] = uint8(r >> 8)
				out[i+1] = uint8(g >> 8)
				out[i+2] = uint8(bb >> 8)
			case 4:
				out[i] = uint8(r >> 8)
				out[i+1] = uint8(g >> 8)
				out[i+2] = uint8(bb >> 8)
				out[i+3] = uint8(a >> 8)
			}
		}
	}
	return out
}
