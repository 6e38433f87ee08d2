package reader

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/greut/melon/domain"
)

// TIFF tag and type constants (TIFF 6.0 spec p. 14-41).
const (
	tImageWidth       = 256
	tImageLength      = 257
	tBitsPerSample    = 258
	tCompression      = 259
	tPhotometric      = 262
	tStripOffsets     = 273
	tSamplesPerPixel  = 277
	tRowsPerStrip     = 278
	tStripByteCounts  = 279
	tPlanarConfig     = 284
	tPredictor        = 317
	tColorMap         = 320
	tTileWidth        = 322
	tTileLength       = 323
	tTileOffsets      = 324
	tTileByteCounts   = 325
	tJPEGTables       = 347
	tXMP              = 700
	tIPTC             = 33723
	tICCProfile       = 34675
)

const (
	dtByte  = 1
	dtShort = 3
	dtLong  = 4
	dtLong8 = 16
)

// Compression schemes handled by the strip/tile codec.
const (
	cNone       = 1
	cLZW        = 5
	cJPEG       = 7
	cDeflate    = 8
	cPackBits   = 32773
	cDeflateOld = 32946
)

// tiffIFD is one parsed image file directory: one resolution level.
type tiffIFD struct {
	bo binary.ByteOrder

	width, height int
	bits          int
	samples       int
	compression   int
	photometric   int
	predictor     int
	planar        int

	// Tiled levels have tileWidth > 0; striped levels use rowsPerStrip.
	tileWidth, tileHeight int
	rowsPerStrip          int

	offsets []int64
	counts  []int64

	icc        []byte
	xmp        []byte
	iptc       []byte
	jpegTables []byte
}

func (d *tiffIFD) tiled() bool { return d.tileWidth > 0 }

// parseTIFF walks every IFD and returns them ordered large to small, the
// resolution pyramid.
func parseTIFF(rs io.ReadSeeker) (binary.ByteOrder, []*tiffIFD, error) {
	header := make([]byte, 16)
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(rs, header[:8]); err != nil {
		return nil, nil, fmt.Errorf("tiff header: %w", err)
	}

	var bo binary.ByteOrder
	switch string(header[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("tiff byte order: %w", domain.ErrUnsupportedSourceFormat)
	}

	big := false
	var next int64
	switch bo.Uint16(header[2:4]) {
	case 42:
		next = int64(bo.Uint32(header[4:8]))
	case 43:
		// BigTIFF: 8-byte offsets.
		big = true
		if _, err := io.ReadFull(rs, header[8:16]); err != nil {
			return nil, nil, fmt.Errorf("bigtiff header: %w", err)
		}
		if bo.Uint16(header[4:6]) != 8 {
			return nil, nil, fmt.Errorf("bigtiff offset size: %w", domain.ErrUnsupportedSourceFormat)
		}
		next = int64(bo.Uint64(header[8:16]))
	default:
		return nil, nil, fmt.Errorf("tiff magic: %w", domain.ErrUnsupportedSourceFormat)
	}

	var ifds []*tiffIFD
	for next != 0 && len(ifds) < 32 {
		d, n, err := parseIFD(rs, bo, big, next)
		if err != nil {
			return nil, nil, err
		}
		ifds = append(ifds, d)
		next = n
	}
	if len(ifds) == 0 {
		return nil, nil, fmt.Errorf("tiff without ifd: %w", domain.ErrUnsupportedSourceFormat)
	}
	sort.SliceStable(ifds, func(i, j int) bool { return ifds[i].width > ifds[j].width })
	return bo, ifds, nil
}

func parseIFD(rs io.ReadSeeker, bo binary.ByteOrder, big bool, off int64) (*tiffIFD, int64, error) {
	entrySize, countSize := 12, 2
	if big {
		entrySize, countSize = 20, 8
	}
	head, err := readAt(rs, off, countSize)
	if err != nil {
		return nil, 0, err
	}
	var count int
	if big {
		count = int(bo.Uint64(head))
	} else {
		count = int(bo.Uint16(head))
	}
	if count <= 0 || count > 4096 {
		return nil, 0, fmt.Errorf("ifd entry count %d: %w", count, domain.ErrUnsupportedSourceFormat)
	}
	nextSize := 4
	if big {
		nextSize = 8
	}
	body, err := readAt(rs, off+int64(countSize), count*entrySize+nextSize)
	if err != nil {
		return nil, 0, err
	}

	d := &tiffIFD{
		bo:          bo,
		bits:        1,
		samples:     1,
		compression: cNone,
		predictor:   1,
		planar:      1,
	}
	for i := 0; i < count; i++ {
		e := body[i*entrySize : (i+1)*entrySize]
		tag := int(bo.Uint16(e[0:2]))
		typ := int(bo.Uint16(e[2:4]))
		var n int64
		if big {
			n = int64(bo.Uint64(e[4:12]))
		} else {
			n = int64(bo.Uint32(e[4:8]))
		}
		if err := applyTag(rs, bo, big, d, tag, typ, n, e); err != nil {
			return nil, 0, err
		}
	}

	var next int64
	tail := body[count*entrySize:]
	if big {
		next = int64(bo.Uint64(tail[:8]))
	} else {
		next = int64(bo.Uint32(tail[:4]))
	}

	if d.width <= 0 || d.height <= 0 {
		return nil, 0, fmt.Errorf("ifd without dimensions: %w", domain.ErrUnsupportedSourceFormat)
	}
	if len(d.offsets) == 0 || len(d.offsets) != len(d.counts) {
		return nil, 0, fmt.Errorf("ifd strip/tile tables: %w", domain.ErrUnsupportedSourceFormat)
	}
	if !d.tiled() && d.rowsPerStrip == 0 {
		d.rowsPerStrip = d.height
	}
	return d, next, nil
}

// applyTag decodes one IFD entry into the directory.
func applyTag(rs io.ReadSeeker, bo binary.ByteOrder, big bool, d *tiffIFD, tag, typ int, n int64, entry []byte) error {
	switch tag {
	case tImageWidth, tImageLength, tBitsPerSample, tCompression, tPhotometric,
		tSamplesPerPixel, tRowsPerStrip, tPlanarConfig, tPredictor,
		tTileWidth, tTileLength, tStripOffsets, tStripByteCounts,
		tTileOffsets, tTileByteCounts:
	case tICCProfile, tXMP, tIPTC, tJPEGTables:
		raw, err := entryBytes(rs, bo, big, typ, n, entry)
		if err != nil {
			return err
		}
		switch tag {
		case tICCProfile:
			d.icc = raw
		case tXMP:
			d.xmp = raw
		case tIPTC:
			d.iptc = raw
		case tJPEGTables:
			d.jpegTables = raw
		}
		return nil
	default:
		return nil // unknown tags are skipped
	}

	vals, err := entryInts(rs, bo, big, typ, n, entry)
	if err != nil {
		return err
	}
	if len(vals) == 0 {
		return nil
	}
	v := int(vals[0])
	switch tag {
	case tImageWidth:
		d.width = v
	case tImageLength:
		d.height = v
	case tBitsPerSample:
		d.bits = v
	case tCompression:
		d.compression = v
	case tPhotometric:
		d.photometric = v
	case tSamplesPerPixel:
		d.samples = v
	case tRowsPerStrip:
		d.rowsPerStrip = v
	case tPlanarConfig:
		d.planar = v
	case tPredictor:
		d.predictor = v
	case tTileWidth:
		d.tileWidth = v
	case tTileLength:
		d.tileHeight = v
	case tStripOffsets, tTileOffsets:
		d.offsets = vals
	case tStripByteCounts, tTileByteCounts:
		d.counts = vals
	}
	return nil
}

func typeSize(typ int) int {
	switch typ {
	case dtByte, 2, 6, 7:
		return 1
	case dtShort, 8:
		return 2
	case dtLong, 9, 11:
		return 4
	case dtLong8, 17, 5, 10, 12:
		return 8
	}
	return 0
}

// entryRaw fetches an entry's value bytes, inline or via offset.
func entryRaw(rs io.ReadSeeker, bo binary.ByteOrder, big bool, typ int, n int64, entry []byte) ([]byte, error) {
	size := typeSize(typ)
	if size == 0 {
		return nil, fmt.Errorf("tiff entry type %d: %w", typ, domain.ErrUnsupportedSourceFormat)
	}
	total := size * int(n)
	inline, valueField := 4, entry[8:12]
	if big {
		inline, valueField = 8, entry[12:20]
	}
	if total <= inline {
		return valueField[:total], nil
	}
	var off int64
	if big {
		off = int64(bo.Uint64(valueField))
	} else {
		off = int64(bo.Uint32(valueField))
	}
	return readAt(rs, off, total)
}

func entryBytes(rs io.ReadSeeker, bo binary.ByteOrder, big bool, typ int, n int64, entry []byte) ([]byte, error) {
	raw, err := entryRaw(rs, bo, big, typ, n, entry)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func entryInts(rs io.ReadSeeker, bo binary.ByteOrder, big bool, typ int, n int64, entry []byte) ([]int64, error) {
	raw, err := entryRaw(rs, bo, big, typ, n, entry)
	if err != nil {
		return nil, err
	}
	size := typeSize(typ)
	vals := make([]int64, n)
	for i := range vals {
		b := raw[i*size:]
		switch size {
		case 1:
			vals[i] = int64(b[0])
		case 2:
			vals[i] = int64(bo.Uint16(b))
		case 4:
			vals[i] = int64(bo.Uint32(b))
		case 8:
			vals[i] = int64(bo.Uint64(b))
		}
	}
	return vals, nil
}

// readAt reads n bytes at off through a ReadSeeker.
func readAt(rs io.ReadSeeker, off int64, n int) ([]byte, error) {
	if _, err := rs.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rs, buf); err != nil {
		return nil, fmt.Errorf("tiff read at %d: %w", off, err)
	}
	return buf, nil
}
