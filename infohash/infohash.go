// Package infohash implements the 160-bit identifiers used uniformly for
// node ids and key ids, and the XOR distance metric over them.
package infohash

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Size is the length in bytes of an InfoHash (160 bits).
const Size = 20

// InfoHash is a fixed 160-bit identifier.
type InfoHash [Size]byte

// Zero is the all-zero InfoHash.
var Zero InfoHash

// Random returns a cryptographically random InfoHash, suitable for a fresh
// node identity.
func Random() InfoHash {
	var h InfoHash
	if _, err := rand.Read(h[:]); err != nil {
		panic(fmt.Sprintf("infohash: failed to read random bytes: %v", err))
	}
	return h
}

// FromHex parses a 40-character hex string into an InfoHash.
func FromHex(s string) (InfoHash, error) {
	var h InfoHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("infohash: %w", err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("infohash: want %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// FromBytes copies b into a new InfoHash; b must be exactly Size bytes.
func FromBytes(b []byte) (InfoHash, error) {
	var h InfoHash
	if len(b) != Size {
		return h, fmt.Errorf("infohash: want %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String returns the lowercase hex encoding of the id.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the raw 20 bytes of the id.
func (h InfoHash) Bytes() []byte {
	return h[:]
}

// IsZero reports whether h is the all-zero id.
func (h InfoHash) IsZero() bool {
	return h == Zero
}

// Xor returns the bitwise XOR of a and b, i.e. the Kademlia distance between
// the two ids.
func Xor(a, b InfoHash) InfoHash {
	var d InfoHash
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp compares a and b as big-endian unsigned integers, returning -1, 0 or 1.
func Cmp(a, b InfoHash) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a sorts before b.
func Less(a, b InfoHash) bool {
	return Cmp(a, b) < 0
}

// leadingZeros[b] is the number of leading zero bits in byte b. The
// lookup table spares CommonPrefixLen a per-bit loop, the way the
// teacher's routing table counts matching id bits.
var leadingZeros = [256]uint8{}

func init() {
	for i := 0; i < 256; i++ {
		n := 0
		for bit := 7; bit >= 0; bit-- {
			if i&(1<<uint(bit)) != 0 {
				break
			}
			n++
		}
		leadingZeros[i] = uint8(n)
	}
}

// CommonPrefixLen returns the number of leading bits shared by a and b,
// between 0 and 160.
func CommonPrefixLen(a, b InfoHash) int {
	n := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			n += 8
			continue
		}
		n += int(leadingZeros[x])
		break
	}
	return n
}

// Bit returns the value (0 or 1) of the i-th most significant bit of h,
// where bit 0 is the most significant bit of h[0].
func Bit(h InfoHash, i int) int {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return int((h[byteIdx] >> bitIdx) & 1)
}

// WithBit returns a copy of h with its i-th most significant bit set to v
// (0 or 1).
func WithBit(h InfoHash, i int, v int) InfoHash {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	out := h
	if v != 0 {
		out[byteIdx] |= 1 << bitIdx
	} else {
		out[byteIdx] &^= 1 << bitIdx
	}
	return out
}

// Int returns h as an arbitrary-precision unsigned integer, matching the
// teacher's use of math/big for bucket boundary arithmetic.
func (h InfoHash) Int() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// FromInt converts a big.Int in [0, 2^160) back into an InfoHash, clamping
// (rather than wrapping) out-of-range values.
func FromInt(v *big.Int) InfoHash {
	var h InfoHash
	b := v.Bytes()
	if len(b) > Size {
		for i := range h {
			h[i] = 0xff
		}
		return h
	}
	copy(h[Size-len(b):], b)
	return h
}
