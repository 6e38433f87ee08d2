package writer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image/jpeg"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/greut/melon/domain"
)

// TIFF tags written by the encoder.
const (
	wImageWidth      = 256
	wImageLength     = 257
	wBitsPerSample   = 258
	wCompression     = 259
	wPhotometric     = 262
	wStripOffsets    = 273
	wSamplesPerPixel = 277
	wRowsPerStrip    = 278
	wStripByteCounts = 279
	wXMP             = 700
)

const (
	compNone    = 1
	compLZW     = 5
	compJPEG    = 7
	compDeflate = 8
)

// encodeTIFF writes a single-strip little-endian TIFF. Compression is one
// of none, lzw, deflate or jpeg.
func encodeTIFF(w io.Writer, m *domain.Matrix, opts Options) error {
	comp := compNone
	switch opts.Compression {
	case "", "none":
	case "lzw":
		comp = compLZW
	case "deflate":
		comp = compDeflate
	case "jpeg":
		comp = compJPEG
	default:
		return fmt.Errorf("tiff compression %q: %w", opts.Compression, domain.ErrInvalidRequest)
	}

	samples := rawSamples(m)
	var strip []byte
	switch comp {
	case compNone:
		strip = samples
	case compLZW:
		strip = lzwCompress(samples)
	case compDeflate:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(samples); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		strip = buf.Bytes()
	case compJPEG:
		if m.Bits != 8 {
			return fmt.Errorf("tiff jpeg compression needs 8 bits: %w", domain.ErrInvalidRequest)
		}
		var buf bytes.Buffer
		q := opts.Quality
		if q <= 0 {
			q = 80
		}
		if err := jpeg.Encode(&buf, m.ToImage(), &jpeg.Options{Quality: q}); err != nil {
			return err
		}
		strip = buf.Bytes()
	}

	photometric := 1 // black is zero
	if m.Channels >= 3 {
		photometric = 2 // RGB
	}

	type entry struct {
		tag, typ int
		count    int
		value    []uint32 // SHORT/LONG values, or offset filled later
		raw      []byte   // out-of-line payload
	}

	bits := make([]uint32, m.Channels)
	for i := range bits {
		bits[i] = uint32(m.Bits)
	}
	entries := []entry{
		{tag: wImageWidth, typ: 4, count: 1, value: []uint32{uint32(m.Width)}},
		{tag: wImageLength, typ: 4, count: 1, value: []uint32{uint32(m.Height)}},
		{tag: wBitsPerSample, typ: 3, count: m.Channels, value: bits},
		{tag: wCompression, typ: 3, count: 1, value: []uint32{uint32(comp)}},
		{tag: wPhotometric, typ: 3, count: 1, value: []uint32{uint32(photometric)}},
		{tag: wStripOffsets, typ: 4, count: 1, value: []uint32{0}}, // patched below
		{tag: wSamplesPerPixel, typ: 3, count: 1, value: []uint32{uint32(m.Channels)}},
		{tag: wRowsPerStrip, typ: 4, count: 1, value: []uint32{uint32(m.Height)}},
		{tag: wStripByteCounts, typ: 4, count: 1, value: []uint32{uint32(len(strip))}},
	}
	if len(opts.Metadata) > 0 {
		entries = append(entries, entry{tag: wXMP, typ: 1, count: len(opts.Metadata), raw: opts.Metadata})
	}

	le := binary.LittleEndian

	// Layout: header(8) + IFD + out-of-line values + strip.
	ifdOff := uint32(8)
	ifdSize := 2 + 12*len(entries) + 4
	overflowOff := ifdOff + uint32(ifdSize)

	// Size the out-of-line area first so the strip offset is known before
	// the IFD is emitted.
	typeSizes := map[int]int{1: 1, 3: 2, 4: 4}
	pad2 := func(n int) int { return n + n%2 }
	entrySize := func(e *entry) int {
		if e.raw != nil {
			return len(e.raw)
		}
		return typeSizes[e.typ] * e.count
	}
	overflowLen := 0
	for i := range entries {
		if s := entrySize(&entries[i]); s > 4 {
			overflowLen += pad2(s)
		}
	}
	stripOff := overflowOff + uint32(overflowLen)
	for i := range entries {
		if entries[i].tag == wStripOffsets {
			entries[i].value = []uint32{stripOff}
		}
	}

	var overflow bytes.Buffer
	inlineValue := func(e *entry) [4]byte {
		var v [4]byte
		if s := entrySize(e); s > 4 {
			le.PutUint32(v[:], overflowOff+uint32(overflow.Len()))
			if e.raw != nil {
				overflow.Write(e.raw)
			} else {
				for _, val := range e.value {
					writeVal(&overflow, le, e.typ, val)
				}
			}
			if overflow.Len()%2 == 1 {
				overflow.WriteByte(0)
			}
			return v
		}
		var b bytes.Buffer
		for _, val := range e.value {
			writeVal(&b, le, e.typ, val)
		}
		copy(v[:], b.Bytes())
		return v
	}

	var ifd bytes.Buffer
	binary.Write(&ifd, le, uint16(len(entries)))
	for i := range entries {
		e := &entries[i]
		binary.Write(&ifd, le, uint16(e.tag))
		binary.Write(&ifd, le, uint16(e.typ))
		binary.Write(&ifd, le, uint32(e.count))
		v := inlineValue(e)
		ifd.Write(v[:])
	}
	binary.Write(&ifd, le, uint32(0)) // no next IFD

	if _, err := w.Write([]byte{'I', 'I', 42, 0}); err != nil {
		return err
	}
	var off [4]byte
	le.PutUint32(off[:], ifdOff)
	if _, err := w.Write(off[:]); err != nil {
		return err
	}
	if _, err := w.Write(ifd.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(overflow.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(strip)
	return err
}

func writeVal(b *bytes.Buffer, le binary.ByteOrder, typ int, v uint32) {
	switch typ {
	case 1:
		b.WriteByte(byte(v))
	case 3:
		var s [2]byte
		le.PutUint16(s[:], uint16(v))
		b.Write(s[:])
	case 4:
		var l [4]byte
		le.PutUint32(l[:], v)
		b.Write(l[:])
	}
}

// rawSamples flattens the matrix into little-endian interleaved samples.
func rawSamples(m *domain.Matrix) []byte {
	if m.Bits == 8 {
		out := make([]byte, len(m.Pix))
		copy(out, m.Pix)
		return out
	}
	out := make([]byte, len(m.Pix16)*2)
	for i, v := range m.Pix16 {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}
