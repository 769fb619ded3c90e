// Package accumulator implements the 256-bit modular accumulator used to
// fingerprint a multiset of 32-byte ids: additions are commutative and
// associative modulo 2^256, so the fingerprint of a range is independent of
// the order its ids were added in.
package accumulator

import (
	"sync"

	"github.com/minio/sha256-simd"

	"github.com/nogringo/nip77/varint"
)

// Size is the size, in bytes, of an id and of the accumulator state.
const Size = 32

// FingerprintSize is the size, in bytes, of a range fingerprint.
const FingerprintSize = 16

// Fingerprint is a 16-byte tag summarizing a multiset of ids.
type Fingerprint [FingerprintSize]byte

// hasherPool amortizes SHA-256 hasher allocation across repeated
// fingerprinting of sub-ranges during range-engine recursion.
var hasherPool = &sync.Pool{
	New: func() any {
		return sha256.New()
	},
}

func getHasher() hashHasher {
	return hasherPool.Get().(hashHasher)
}

func putHasher(h hashHasher) {
	h.Reset()
	hasherPool.Put(h)
}

// hashHasher is the subset of hash.Hash used here; named to avoid importing
// the standard hash package solely for an interface alias.
type hashHasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
}

// Accumulator is a mutable little-endian 256-bit integer, the sum (mod 2^256)
// of the ids added to it.
type Accumulator struct {
	state [Size]byte
	n     uint64
}

// Reset zeros the accumulator and its element count.
func (a *Accumulator) Reset() {
	a.state = [Size]byte{}
	a.n = 0
}

// Add adds id to the accumulator, byte-wise with carry propagation from index
// 0 (least significant) to 31 (most significant); any final carry is
// discarded, matching addition modulo 2^256.
func (a *Accumulator) Add(id [Size]byte) {
	var carry uint16
	for i := 0; i < Size; i++ {
		sum := uint16(a.state[i]) + uint16(id[i]) + carry
		a.state[i] = byte(sum)
		carry = sum >> 8
	}
	a.n++
}

// Count returns the number of ids added since the last Reset.
func (a *Accumulator) Count() uint64 {
	return a.n
}

// Fingerprint returns SHA256(state || varint(n))[:16] for the given element
// count n. n is taken as a parameter (rather than always using a.Count())
// because the range engine fingerprints sub-ranges whose element count it
// already knows from iteration, independent of any single Accumulator's
// lifetime.
func (a *Accumulator) Fingerprint(n uint64) Fingerprint {
	h := getHasher()
	defer putHasher(h)
	h.Write(a.state[:])
	h.Write(varint.Encode(n))
	var sum [32]byte
	h.Sum(sum[:0])
	var fp Fingerprint
	copy(fp[:], sum[:FingerprintSize])
	return fp
}
