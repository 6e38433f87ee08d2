package writer

// TIFF-flavor LZW compression (TIFF 6.0 section 13): MSB-first codes with
// the early code-width change, matching the reader side in
// golang.org/x/image/tiff/lzw.

const (
	lzwClear = 256
	lzwEOI   = 257
)

type bitWriter struct {
	out  []byte
	acc  uint32
	nacc uint
}

func (b *bitWriter) write(code uint32, width uint) {
	b.acc |= code << (32 - b.nacc - width)
	b.nacc += width
	for b.nacc >= 8 {
		b.out = append(b.out, byte(b.acc>>24))
		b.acc <<= 8
		b.nacc -= 8
	}
}

func (b *bitWriter) flush() {
	if b.nacc > 0 {
		b.out = append(b.out, byte(b.acc>>24))
		b.acc = 0
		b.nacc = 0
	}
}

// lzwCompress encodes src with TIFF LZW.
func lzwCompress(src []byte) []byte {
	bw := &bitWriter{out: make([]byte, 0, len(src)/2+16)}
	width := uint(9)
	next := uint32(258)
	dict := make(map[uint32]uint32, 4096)

	reset := func() {
		for k := range dict {
			delete(dict, k)
		}
		next = 258
		width = 9
	}

	bw.write(lzwClear, width)
	reset()

	var cur uint32
	haveCur := false
	for _, c := range src {
		if !haveCur {
			cur = uint32(c)
			haveCur = true
			continue
		}
		key := cur<<8 | uint32(c)
		if code, ok := dict[key]; ok {
			cur = code
			continue
		}
		bw.write(cur, width)
		dict[key] = next
		next++
		// Early change: the width bumps one code before the table fills.
		if next == 1<<width && width < 12 {
			width++
		}
		if next >= 4094 {
			bw.write(lzwClear, width)
			reset()
		}
		cur = uint32(c)
	}
	if haveCur {
		bw.write(cur, width)
		// The reader counts the final code too before it reads EOI.
		next++
		if next == 1<<width && width < 12 {
			width++
		}
	}
	bw.write(lzwEOI, width)
	bw.flush()
	return bw.out
}
