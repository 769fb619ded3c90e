// Package varint implements the base-128 variable length integer encoding used
// on the Negentropy wire: groups of 7 bits, most significant group first, with
// the continuation bit (0x80) set on every byte but the last.
//
// This is deliberately not the same encoding as the standard library's
// encoding/binary.(Uvarint|AppendUvarint) (which is least-significant-group
// first) nor go-scale's compact integers: interop with a real Negentropy peer
// requires byte-exact MSB-first groups, so the codec is hand-rolled rather
// than reused from elsewhere in the ecosystem.
package varint

import "errors"

// ErrMalformed is returned when a varint cannot be decoded: either more than
// maxContinuationBytes continuation bytes were read without a terminator, or
// the input was exhausted first.
var ErrMalformed = errors.New("varint: malformed")

// maxContinuationBytes bounds decoding of a 64-bit value: 10 groups of 7 bits
// cover all of uint64's range.
const maxContinuationBytes = 10

// Encode returns the base-128 MSB-first encoding of value.
func Encode(value uint64) []byte {
	if value == 0 {
		return []byte{0}
	}
	var buf [maxContinuationBytes]byte
	n := len(buf)
	for value > 0 {
		n--
		buf[n] = byte(value & 0x7f)
		value >>= 7
	}
	out := make([]byte, len(buf)-n)
	copy(out, buf[n:])
	for i := 0; i < len(out)-1; i++ {
		out[i] |= 0x80
	}
	return out
}

// AppendEncode appends the base-128 MSB-first encoding of value to dst and
// returns the extended slice.
func AppendEncode(dst []byte, value uint64) []byte {
	return append(dst, Encode(value)...)
}

// Decode reads a single varint from the start of b, returning the decoded
// value and the number of bytes consumed.
func Decode(b []byte) (value uint64, n int, err error) {
	for n = 0; n < maxContinuationBytes; n++ {
		if n >= len(b) {
			return 0, 0, ErrMalformed
		}
		c := b[n]
		value = (value << 7) | uint64(c&0x7f)
		if c&0x80 == 0 {
			return value, n + 1, nil
		}
	}
	return 0, 0, ErrMalformed
}
