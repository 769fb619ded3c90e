// Package rangeengine implements the recursive range-partition algorithm at
// the heart of the Negentropy protocol: turning a record sub-range into
// either an enumerated id list (when small) or sixteen fingerprinted
// sub-ranges (when large), and the complementary logic that consumes a
// peer's ranges, replying and recording have/need witnesses as it goes.
package rangeengine

import (
	"encoding/hex"
	"errors"

	"github.com/nogringo/nip77/accumulator"
	"github.com/nogringo/nip77/bound"
	"github.com/nogringo/nip77/storage"
	"github.com/nogringo/nip77/varint"
)

// Mode identifies how a range is described on the wire.
type Mode byte

const (
	ModeSkip        Mode = 0
	ModeFingerprint Mode = 1
	ModeIDList      Mode = 2
)

// splitThreshold is the range size below which the producer enumerates ids
// directly rather than subdividing into fingerprinted buckets.
const splitThreshold = 32

// numBuckets is the fan-out of a fingerprinted split.
const numBuckets = 16

// ErrMalformed is returned when a peer range cannot be parsed.
var ErrMalformed = errors.New("rangeengine: malformed")

// Writer accumulates outbound ranges for one message, coalescing consecutive
// SKIPs into a single lazily-flushed SKIP per spec's "pending-SKIP flush"
// rule.
type Writer struct {
	buf          []byte
	bw           bound.Writer
	pending      bool
	pendingBound storage.Bound
}

// Reset clears the buffer and the delta-timestamp cursor; call at the start
// of every outbound message.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.bw.Reset()
	w.pending = false
}

// Bytes returns the ranges written so far. Any pending SKIP is not included:
// a trailing pending SKIP is dropped at end-of-message, per spec.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// flushPending writes a previously-deferred SKIP, if any, before a
// non-SKIP range is appended.
func (w *Writer) flushPending() {
	if !w.pending {
		return
	}
	w.writeHeader(w.pendingBound, ModeSkip)
	w.pending = false
}

func (w *Writer) writeHeader(b storage.Bound, mode Mode) {
	w.buf = w.bw.Append(w.buf, b)
	w.buf = varint.AppendEncode(w.buf, uint64(mode))
}

// Skip defers a SKIP range with upper bound b; consecutive Skip calls
// coalesce into one, keeping only the most recent bound.
func (w *Writer) Skip(b storage.Bound) {
	w.pending = true
	w.pendingBound = b
}

// Fingerprint writes a FINGERPRINT range.
func (w *Writer) Fingerprint(b storage.Bound, fp accumulator.Fingerprint) {
	w.flushPending()
	w.writeHeader(b, ModeFingerprint)
	w.buf = append(w.buf, fp[:]...)
}

// IDList writes an ID_LIST range enumerating records.
func (w *Writer) IDList(b storage.Bound, records []storage.Record) {
	w.flushPending()
	w.writeHeader(b, ModeIDList)
	w.buf = varint.AppendEncode(w.buf, uint64(len(records)))
	for _, r := range records {
		w.buf = append(w.buf, r.ID[:]...)
	}
}

// Reader parses inbound ranges from one message.
type Reader struct {
	buf []byte
	off int
	br  bound.Reader
}

// NewReader returns a Reader over msg starting at off, with a freshly reset
// delta-timestamp cursor.
func NewReader(msg []byte, off int) *Reader {
	return &Reader{buf: msg, off: off}
}

// Done reports whether all ranges in the message have been consumed.
func (r *Reader) Done() bool {
	return r.off >= len(r.buf)
}

// Range is one decoded inbound range.
type Range struct {
	Bound       storage.Bound
	Mode        Mode
	Fingerprint accumulator.Fingerprint
	IDs         [][storage.IDSize]byte
}

// Next decodes the next range from the message.
func (r *Reader) Next() (Range, error) {
	b, n, err := r.br.Read(r.buf[r.off:])
	if err != nil {
		return Range{}, ErrMalformed
	}
	r.off += n

	modeVal, n, err := varint.Decode(r.buf[r.off:])
	if err != nil {
		return Range{}, ErrMalformed
	}
	r.off += n

	rng := Range{Bound: b, Mode: Mode(modeVal)}
	switch rng.Mode {
	case ModeSkip:
		// no payload
	case ModeFingerprint:
		if len(r.buf)-r.off < accumulator.FingerprintSize {
			return Range{}, ErrMalformed
		}
		copy(rng.Fingerprint[:], r.buf[r.off:r.off+accumulator.FingerprintSize])
		r.off += accumulator.FingerprintSize
	case ModeIDList:
		count, n, err := varint.Decode(r.buf[r.off:])
		if err != nil {
			return Range{}, ErrMalformed
		}
		r.off += n
		need := int(count) * storage.IDSize
		if len(r.buf)-r.off < need {
			return Range{}, ErrMalformed
		}
		rng.IDs = make([][storage.IDSize]byte, count)
		for i := range rng.IDs {
			copy(rng.IDs[i][:], r.buf[r.off:r.off+storage.IDSize])
			r.off += storage.IDSize
		}
	default:
		return Range{}, ErrMalformed
	}
	return rng, nil
}

// fingerprintRange returns the fingerprint of records[lower:upper].
func fingerprintRange(s *storage.Store, lower, upper int) accumulator.Fingerprint {
	var acc accumulator.Accumulator
	for i := lower; i < upper; i++ {
		acc.Add(s.Get(i).ID)
	}
	return acc.Fingerprint(uint64(upper - lower))
}

// EmitRanges produces ranges covering the sub-range [lower, upper) of store,
// whose upper frontier is upperBound: a single ID_LIST if the range has
// fewer than splitThreshold records, otherwise a 16-way fingerprinted split
// with shortest-distinguishing bounds between buckets.
func EmitRanges(s *storage.Store, lower, upper int, upperBound storage.Bound, w *Writer) {
	n := upper - lower
	if n < splitThreshold {
		w.IDList(upperBound, s.Slice(lower, upper))
		return
	}

	base := n / numBuckets
	extra := n % numBuckets
	start := lower
	for i := 0; i < numBuckets; i++ {
		size := base
		if i < extra {
			size++
		}
		end := start + size
		fp := fingerprintRange(s, start, end)

		var bucketBound storage.Bound
		if i == numBuckets-1 {
			bucketBound = upperBound
		} else {
			bucketBound = storage.BoundFor(s.Get(end-1), s.Get(end))
		}
		w.Fingerprint(bucketBound, fp)
		start = end
	}
}

// Consume reads every range in a peer's message, replying via w with SKIPs
// for agreeing/empty/ID_LIST ranges and further-split FINGERPRINT/ID_LIST
// ranges for disagreements, and records have/need witnesses from ID_LIST
// ranges into the supplied sets (keyed by lowercase hex id).
func Consume(
	s *storage.Store,
	r *Reader,
	w *Writer,
	have, need map[string]struct{},
) error {
	prevIndex := 0

	for !r.Done() {
		rng, err := r.Next()
		if err != nil {
			return err
		}
		upperLocal := s.LowerBound(prevIndex, rng.Bound)

		switch rng.Mode {
		case ModeSkip:
			w.Skip(rng.Bound)
		case ModeFingerprint:
			localFP := fingerprintRange(s, prevIndex, upperLocal)
			if localFP == rng.Fingerprint {
				w.Skip(rng.Bound)
			} else {
				EmitRanges(s, prevIndex, upperLocal, rng.Bound, w)
			}
		case ModeIDList:
			consumeIDList(s, prevIndex, upperLocal, rng.IDs, have, need)
			w.Skip(rng.Bound)
		default:
			return ErrMalformed
		}

		prevIndex = upperLocal
	}
	return nil
}

// consumeIDList implements the ID_LIST witness bookkeeping of spec section
// 4.4: local records missing from the peer's id set become `have`; peer ids
// left over after the sweep become `need`.
func consumeIDList(
	s *storage.Store,
	lower, upper int,
	peerIDs [][storage.IDSize]byte,
	have, need map[string]struct{},
) {
	peerSet := make(map[string]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		peerSet[string(id[:])] = struct{}{}
	}
	for i := lower; i < upper; i++ {
		r := s.Get(i)
		key := string(r.ID[:])
		if _, ok := peerSet[key]; ok {
			delete(peerSet, key)
		} else {
			have[r.HexID()] = struct{}{}
		}
	}
	for key := range peerSet {
		need[hex.EncodeToString([]byte(key))] = struct{}{}
	}
}
