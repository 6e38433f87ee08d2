package reader

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greut/melon/domain"
)

// pixAt is the deterministic test pattern; level selection and region reads
// are verified against it.
func pixAt(x, y int) byte { return byte((x*3 + y*5) % 251) }

type testLevel struct {
	w, h int
	tile int // 0 means striped with rowsPerStrip 16
}

type testTIFF struct {
	big    bool
	levels []testLevel
	icc    []byte
	xmp    []byte
}

// build writes a little-endian grayscale TIFF, one IFD per level,
// uncompressed.
func (tt testTIFF) build(t *testing.T) []byte {
	t.Helper()
	le := binary.LittleEndian
	buf := &bytes.Buffer{}

	var writeOff func(uint64)
	entrySize, countSize, offSize := 12, 2, 4
	if tt.big {
		entrySize, countSize, offSize = 20, 8, 8
	}
	writeOff = func(v uint64) {
		if tt.big {
			binary.Write(buf, le, v)
		} else {
			binary.Write(buf, le, uint32(v))
		}
	}

	// Header.
	buf.WriteString("II")
	if tt.big {
		binary.Write(buf, le, uint16(43))
		binary.Write(buf, le, uint16(8))
		binary.Write(buf, le, uint16(0))
	} else {
		binary.Write(buf, le, uint16(42))
	}
	headerIFDPos := buf.Len()
	writeOff(0) // patched later

	// Pixel segments per level.
	type segs struct {
		offsets, counts []uint64
	}
	var perLevel []segs
	for _, lv := range tt.levels {
		var sg segs
		if lv.tile > 0 {
			for ty := 0; ty < (lv.h+lv.tile-1)/lv.tile; ty++ {
				for tx := 0; tx < (lv.w+lv.tile-1)/lv.tile; tx++ {
					sg.offsets = append(sg.offsets, uint64(buf.Len()))
					n := 0
					for y := 0; y < lv.tile; y++ {
						for x := 0; x < lv.tile; x++ {
							px, py := tx*lv.tile+x, ty*lv.tile+y
							v := byte(0)
							if px < lv.w && py < lv.h {
								v = pixAt(px, py)
							}
							buf.WriteByte(v)
							n++
						}
					}
					sg.counts = append(sg.counts, uint64(n))
				}
			}
		} else {
			const rps = 16
			for sy := 0; sy < lv.h; sy += rps {
				sg.offsets = append(sg.offsets, uint64(buf.Len()))
				n := 0
				for y := sy; y < sy+rps && y < lv.h; y++ {
					for x := 0; x < lv.w; x++ {
						buf.WriteByte(pixAt(x, y))
						n++
					}
				}
				sg.counts = append(sg.counts, uint64(n))
			}
		}
		perLevel = append(perLevel, sg)
	}

	// Out-of-line metadata blobs.
	iccOff, xmpOff := 0, 0
	if len(tt.icc) > 0 {
		iccOff = buf.Len()
		buf.Write(tt.icc)
	}
	if len(tt.xmp) > 0 {
		xmpOff = buf.Len()
		buf.Write(tt.xmp)
	}

	// Arrays then IFDs.
	type entry struct {
		tag, typ int
		count    uint64
		value    uint64
	}
	ifdOffsets := make([]int, len(tt.levels))
	for i, lv := range tt.levels {
		sg := perLevel[i]

		// Offset/count arrays (always out of line, LONG8 for BigTIFF).
		arrType, arrSize := 4, 4
		if tt.big {
			arrType, arrSize = 16, 8
		}
		writeArray := func(vals []uint64) (off int) {
			off = buf.Len()
			for _, v := range vals {
				if arrSize == 8 {
					binary.Write(buf, le, v)
				} else {
					binary.Write(buf, le, uint32(v))
				}
			}
			return off
		}
		// Single-segment levels carry the value inline; multi-segment
		// levels point at an out-of-line array.
		offVal, cntVal := uint64(0), uint64(0)
		if len(sg.offsets) == 1 {
			offVal, cntVal = sg.offsets[0], sg.counts[0]
		} else {
			offVal = uint64(writeArray(sg.offsets))
			cntVal = uint64(writeArray(sg.counts))
		}

		entries := []entry{
			{256, 4, 1, uint64(lv.w)},
			{257, 4, 1, uint64(lv.h)},
			{258, 3, 1, 8},
			{259, 3, 1, 1},
			{262, 3, 1, 1},
			{277, 3, 1, 1},
		}
		segType := arrType
		if len(sg.offsets) == 1 {
			segType = 4
		}
		if lv.tile > 0 {
			entries = append(entries,
				entry{322, 4, 1, uint64(lv.tile)},
				entry{323, 4, 1, uint64(lv.tile)},
				entry{324, segType, uint64(len(sg.offsets)), offVal},
				entry{325, segType, uint64(len(sg.counts)), cntVal},
			)
		} else {
			entries = append(entries,
				entry{273, segType, uint64(len(sg.offsets)), offVal},
				entry{278, 4, 1, 16},
				entry{279, segType, uint64(len(sg.counts)), cntVal},
			)
		}
		if i == 0 && iccOff > 0 {
			entries = append(entries, entry{34675, 7, uint64(len(tt.icc)), uint64(iccOff)})
		}
		if i == 0 && xmpOff > 0 {
			entries = append(entries, entry{700, 1, uint64(len(tt.xmp)), uint64(xmpOff)})
		}
		// Entries must be sorted by tag.
		for a := range entries {
			for b := a + 1; b < len(entries); b++ {
				if entries[b].tag < entries[a].tag {
					entries[a], entries[b] = entries[b], entries[a]
				}
			}
		}

		ifdOffsets[i] = buf.Len()
		if tt.big {
			binary.Write(buf, le, uint64(len(entries)))
		} else {
			binary.Write(buf, le, uint16(len(entries)))
		}
		for _, e := range entries {
			binary.Write(buf, le, uint16(e.tag))
			binary.Write(buf, le, uint16(e.typ))
			if tt.big {
				binary.Write(buf, le, uint64(e.count))
			} else {
				binary.Write(buf, le, uint32(e.count))
			}
			// Value or offset, inline-padded.
			inline := make([]byte, offSize)
			switch {
			case e.typ == 3 && e.count == 1:
				le.PutUint16(inline, uint16(e.value))
			case e.typ == 4 && e.count == 1:
				le.PutUint32(inline, uint32(e.value))
			case e.typ == 16 && e.count == 1:
				le.PutUint64(inline, e.value)
			default:
				// Out-of-line offset (arrays and blobs).
				if tt.big {
					le.PutUint64(inline, e.value)
				} else {
					le.PutUint32(inline, uint32(e.value))
				}
			}
			buf.Write(inline)
		}
		writeOff(0) // next IFD, patched after the loop
	}

	// Patch the IFD chain.
	out := buf.Bytes()
	patch := func(pos int, v uint64) {
		if tt.big {
			le.PutUint64(out[pos:], v)
		} else {
			le.PutUint32(out[pos:], uint32(v))
		}
	}
	patch(headerIFDPos, uint64(ifdOffsets[0]))
	for i := 0; i < len(ifdOffsets)-1; i++ {
		patch(tailPos(ifdOffsets[i], entrySize, countSize, out, tt.big), uint64(ifdOffsets[i+1]))
	}
	return out
}

// tailPos finds the next-IFD pointer position for the IFD at off.
func tailPos(off, entrySize, countSize int, out []byte, big bool) int {
	le := binary.LittleEndian
	var n int
	if big {
		n = int(le.Uint64(out[off:]))
	} else {
		n = int(le.Uint16(out[off:]))
	}
	return off + countSize + n*entrySize
}

func openTIFF(t *testing.T, tt testTIFF) *tiffReader {
	t.Helper()
	r, err := newTIFFReader(bytes.NewReader(tt.build(t)), Options{})
	require.NoError(t, err)
	return r
}

func TestTIFFInfoPyramid(t *testing.T) {
	r := openTIFF(t, testTIFF{levels: []testLevel{
		{w: 64, h: 64, tile: 16},
		{w: 32, h: 32, tile: 16},
		{w: 16, h: 16, tile: 16},
	}})

	info, err := r.Info()
	require.NoError(t, err)
	assert.Equal(t, 64, info.Width)
	assert.Equal(t, 64, info.Height)
	assert.Equal(t, 3, info.NumResolutions())
	assert.Equal(t, 16, info.Levels[0].TileWidth)
	assert.Equal(t, 32, info.Levels[1].Width)
	assert.Equal(t, 8, info.BitsPerSample)
	assert.Equal(t, 1, info.SamplesPerPixel)
}

func TestTIFFTiledRegionRead(t *testing.T) {
	r := openTIFF(t, testTIFF{levels: []testLevel{
		{w: 64, h: 64, tile: 16},
		{w: 32, h: 32, tile: 16},
	}})

	// A region spanning four tiles of level 1.
	region := image.Rect(8, 8, 24, 24)
	m, hints, err := r.Read(context.Background(), 1, &region, 1)
	require.NoError(t, err)
	assert.True(t, hints.AlreadyCropped)
	assert.Equal(t, 16, m.Width)
	assert.Equal(t, 16, m.Height)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			want := pixAt(8+x, 8+y)
			got := byte(m.Sample(x, y, 0) >> 8)
			require.Equal(t, want, got, "pixel %d,%d", x, y)
		}
	}
}

func TestTIFFStripedSubsample(t *testing.T) {
	r := openTIFF(t, testTIFF{levels: []testLevel{{w: 64, h: 64}}})

	m, hints, err := r.Read(context.Background(), 0, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, hints.SubsampleLog2)
	assert.Equal(t, 16, m.Width)
	assert.Equal(t, 16, m.Height)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			require.Equal(t, pixAt(4*x, 4*y), byte(m.Sample(x, y, 0)>>8))
		}
	}
}

func TestBigTIFF(t *testing.T) {
	r := openTIFF(t, testTIFF{big: true, levels: []testLevel{{w: 48, h: 32, tile: 16}}})

	info, err := r.Info()
	require.NoError(t, err)
	assert.Equal(t, 48, info.Width)
	assert.Equal(t, 32, info.Height)

	region := image.Rect(16, 0, 32, 16)
	m, _, err := r.Read(context.Background(), 0, &region, 1)
	require.NoError(t, err)
	assert.Equal(t, pixAt(16, 0), byte(m.Sample(0, 0, 0)>>8))
	assert.Equal(t, pixAt(31, 15), byte(m.Sample(15, 15, 0)>>8))
}

// A profile whose color space contradicts the sample layout is dropped;
// the pixels stay as decoded (no grayscale re-read, no chroma loss).
func TestTIFFProfileMismatchDropped(t *testing.T) {
	icc := make([]byte, 32)
	copy(icc[16:20], "RGB ") // RGB profile on a grayscale image

	r := openTIFF(t, testTIFF{levels: []testLevel{{w: 16, h: 16}}, icc: icc})
	info, err := r.Info()
	require.NoError(t, err)
	assert.True(t, info.HasProfile)

	m, _, err := r.Read(context.Background(), 0, nil, 1)
	require.NoError(t, err)
	assert.Nil(t, m.ICCProfile)
	assert.Equal(t, pixAt(3, 2), byte(m.Sample(3, 2, 0)>>8))
}

func TestTIFFProfileKept(t *testing.T) {
	icc := make([]byte, 32)
	copy(icc[16:20], "GRAY")

	r := openTIFF(t, testTIFF{levels: []testLevel{{w: 16, h: 16}}, icc: icc})
	m, _, err := r.Read(context.Background(), 0, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, icc, m.ICCProfile)
}

func TestTIFFMetadata(t *testing.T) {
	xmp := []byte("<x:xmpmeta/>")
	r := openTIFF(t, testTIFF{levels: []testLevel{{w: 16, h: 16}}, xmp: xmp})
	got, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, xmp, got)
}

func TestTIFFLevelOutOfRange(t *testing.T) {
	r := openTIFF(t, testTIFF{levels: []testLevel{{w: 16, h: 16}}})
	_, _, err := r.Read(context.Background(), 2, nil, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
