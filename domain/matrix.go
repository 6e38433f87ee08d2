package domain

import (
	"fmt"
	"image"
	"image/color"
)

// Matrix is the pixel buffer exchanged between readers, the pipeline and
// writers. Samples are interleaved row-major; 8-bit samples live in Pix,
// 16-bit samples in Pix16 (exactly one of the two is non-nil).
type Matrix struct {
	Width    int
	Height   int
	Channels int // 1 gray, 2 gray+alpha, 3 RGB, 4 RGBA
	Bits     int // 8 or 16 bits per sample

	Pix   []uint8
	Pix16 []uint16

	// ICCProfile is the embedded color profile, if any. Opaque to the core.
	ICCProfile []byte
}

// Hints reports what the reader already did, so the pipeline can skip
// redundant work.
type Hints struct {
	// AlreadyCropped is set when the returned matrix covers exactly the
	// requested region.
	AlreadyCropped bool

	// SubsampleLog2 is the power-of-two subsampling the reader applied on
	// top of the selected resolution level.
	SubsampleLog2 int
}

// NewMatrix allocates a zeroed matrix.
func NewMatrix(w, h, channels, bits int) *Matrix {
	m := &Matrix{Width: w, Height: h, Channels: channels, Bits: bits}
	if bits == 16 {
		m.Pix16 = make([]uint16, w*h*channels)
	} else {
		m.Bits = 8
		m.Pix = make([]uint8, w*h*channels)
	}
	return m
}

// Sample returns the sample at (x, y, c) widened to 16 bits.
func (m *Matrix) Sample(x, y, c int) uint16 {
	i := (y*m.Width+x)*m.Channels + c
	if m.Bits == 16 {
		return m.Pix16[i]
	}
	v := uint16(m.Pix[i])
	return v<<8 | v
}

// SetSample stores a 16-bit sample at (x, y, c), narrowing as needed.
func (m *Matrix) SetSample(x, y, c int, v uint16) {
	i := (y*m.Width+x)*m.Channels + c
	if m.Bits == 16 {
		m.Pix16[i] = v
	} else {
		m.Pix[i] = uint8(v >> 8)
	}
}

// ToImage converts the matrix to a standard library image. 16-bit matrices
// become NRGBA64/Gray16; 8-bit become NRGBA/Gray.
func (m *Matrix) ToImage() image.Image {
	r := image.Rect(0, 0, m.Width, m.Height)
	switch {
	case m.Bits == 8 && m.Channels == 1:
		dst := image.NewGray(r)
		copy(dst.Pix, m.Pix)
		return dst
	case m.Bits == 16 && m.Channels == 1:
		dst := image.NewGray16(r)
		for i, v := range m.Pix16 {
			dst.Pix[2*i] = uint8(v >> 8)
			dst.Pix[2*i+1] = uint8(v)
		}
		return dst
	case m.Bits == 8:
		dst := image.NewNRGBA(r)
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				di := dst.PixOffset(x, y)
				dst.Pix[di+0] = uint8(m.Sample(x, y, 0) >> 8)
				dst.Pix[di+1] = uint8(m.chanOr(x, y, 1, 0) >> 8)
				dst.Pix[di+2] = uint8(m.chanOr(x, y, 2, 0) >> 8)
				dst.Pix[di+3] = uint8(m.alpha(x, y) >> 8)
			}
		}
		return dst
	default:
		dst := image.NewNRGBA64(r)
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				dst.SetNRGBA64(x, y, color.NRGBA64{
					R: m.Sample(x, y, 0),
					G: m.chanOr(x, y, 1, 0),
					B: m.chanOr(x, y, 2, 0),
					A: m.alpha(x, y),
				})
			}
		}
		return dst
	}
}

// chanOr reads channel c, falling back to channel fb for gray layouts.
func (m *Matrix) chanOr(x, y, c, fb int) uint16 {
	if c >= m.Channels || m.Channels <= 2 {
		return m.Sample(x, y, fb)
	}
	return m.Sample(x, y, c)
}

func (m *Matrix) alpha(x, y int) uint16 {
	switch m.Channels {
	case 2:
		return m.Sample(x, y, 1)
	case 4:
		return m.Sample(x, y, 3)
	}
	return 0xffff
}

// FromImage converts a standard library image into a matrix. Gray and Gray16
// stay single-channel; everything else becomes 8- or 16-bit RGBA depending on
// the source depth.
func FromImage(img image.Image) *Matrix {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch src := img.(type) {
	case *image.Gray:
		m := NewMatrix(w, h, 1, 8)
		for y := 0; y < h; y++ {
			copy(m.Pix[y*w:(y+1)*w], src.Pix[y*src.Stride:y*src.Stride+w])
		}
		return m
	case *image.Gray16:
		m := NewMatrix(w, h, 1, 16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*src.Stride + 2*x
				m.Pix16[y*w+x] = uint16(src.Pix[i])<<8 | uint16(src.Pix[i+1])
			}
		}
		return m
	case *image.NRGBA:
		m := NewMatrix(w, h, 4, 8)
		for y := 0; y < h; y++ {
			copy(m.Pix[y*w*4:(y+1)*w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
		}
		return m
	case *image.NRGBA64, *image.RGBA64:
		m := NewMatrix(w, h, 4, 16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
				i := (y*w + x) * 4
				m.Pix16[i+0] = c.R
				m.Pix16[i+1] = c.G
				m.Pix16[i+2] = c.B
				m.Pix16[i+3] = c.A
			}
		}
		return m
	default:
		m := NewMatrix(w, h, 4, 8)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				i := (y*w + x) * 4
				m.Pix[i+0] = c.R
				m.Pix[i+1] = c.G
				m.Pix[i+2] = c.B
				m.Pix[i+3] = c.A
			}
		}
		return m
	}
}

// Clamp8 converts the matrix to 8 bits per sample in place. No-op for 8-bit
// matrices.
func (m *Matrix) Clamp8() {
	if m.Bits == 8 {
		return
	}
	m.Pix = make([]uint8, len(m.Pix16))
	for i, v := range m.Pix16 {
		m.Pix[i] = uint8(v >> 8)
	}
	m.Pix16 = nil
	m.Bits = 8
}

// Normalize linearly stretches each channel's observed [min, max] to the full
// sample range. Alpha channels are left untouched.
func (m *Matrix) Normalize() {
	colors := m.Channels
	if colors == 2 || colors == 4 {
		colors-- // skip alpha
	}
	for c := 0; c < colors; c++ {
		lo, hi := uint16(0xffff), uint16(0)
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				v := m.Sample(x, y, c)
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
		}
		if hi <= lo {
			continue
		}
		span := uint32(hi - lo)
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				v := uint32(m.Sample(x, y, c)-lo) * 0xffff / span
				m.SetSample(x, y, c, uint16(v))
			}
		}
	}
}

func (m *Matrix) String() string {
	return fmt.Sprintf("%dx%dx%d@%d", m.Width, m.Height, m.Channels, m.Bits)
}
