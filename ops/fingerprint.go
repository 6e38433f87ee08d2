package ops

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint is a stable BLAKE3 digest over every input that affects the
// derivative's pixels. Equal fingerprints permit serving a cached payload.
type Fingerprint [32]byte

// Hex is the lowercase hexadecimal form, used for payload file names and
// cache keys.
func (f Fingerprint) Hex() string { return hex.EncodeToString(f[:]) }

func (f Fingerprint) String() string { return f.Hex()[:12] }

// PixelConfig is the configuration subset that changes decoded pixels and so
// must be part of the fingerprint.
type PixelConfig struct {
	LimitTo8Bits bool
	Normalize    bool
}

// NewFingerprint hashes the identifier, the normalized operation list and
// the pixel-relevant configuration.
func NewFingerprint(identifier string, list List, pc PixelConfig) Fingerprint {
	h := blake3.New()
	h.Write([]byte(identifier))
	h.Write([]byte{0})
	h.Write([]byte(list.String()))
	h.Write([]byte{0})
	fmt.Fprintf(h, "8bits=%t,normalize=%t", pc.LimitTo8Bits, pc.Normalize)
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}
