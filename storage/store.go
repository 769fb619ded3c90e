// Package storage implements the sorted (timestamp, id) record sequence that
// the reconciliation engine operates over. A Store is built once from the
// caller's local set and never mutated afterwards: its lifecycle is created
// at reconciliation start, discarded when the session ends.
package storage

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"errors"
	"slices"
)

// IDSize is the fixed size, in bytes, of a record id.
const IDSize = 32

// ErrInvalidRecord is returned when a caller-supplied id is not IDSize bytes,
// or a hex id is not 64 hex characters.
var ErrInvalidRecord = errors.New("storage: invalid record")

// Record is a single (timestamp, id) tuple. The id is always exactly IDSize
// bytes; callers constructing a Record directly are responsible for that
// invariant, NewStore does not re-validate it (FromHexMap does, since it
// parses untrusted hex).
type Record struct {
	Timestamp uint64
	ID        [IDSize]byte
}

// Compare orders records by (Timestamp ascending, ID lexicographic
// ascending), matching the wire order required for bound encoding.
func (r Record) Compare(other Record) int {
	if c := cmp.Compare(r.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	return bytes.Compare(r.ID[:], other.ID[:])
}

// HexID returns the lowercase hex encoding of the record's id.
func (r Record) HexID() string {
	return hex.EncodeToString(r.ID[:])
}

// Store is an immutable, sorted sequence of records.
type Store struct {
	records []Record
}

// NewStore sorts a defensive copy of records by (Timestamp, ID) and returns
// the resulting Store. Duplicate records are not deduplicated: per the
// protocol's data model, the caller is responsible for dedup, and the engine
// treats duplicates as distinct entries.
func NewStore(records []Record) *Store {
	cp := slices.Clone(records)
	slices.SortFunc(cp, Record.Compare)
	return &Store{records: cp}
}

// FromHexMap builds a Store from a map of lowercase-hex id to timestamp, the
// shape the client's programmatic surface (Sync/SyncAndFetch) accepts from
// callers. It validates every id is 64 hex characters before constructing
// the underlying Record.
func FromHexMap(m map[string]uint64) (*Store, error) {
	records := make([]Record, 0, len(m))
	for idHex, ts := range m {
		var r Record
		if err := r.setHexID(idHex); err != nil {
			return nil, err
		}
		r.Timestamp = ts
		records = append(records, r)
	}
	return NewStore(records), nil
}

func (r *Record) setHexID(idHex string) error {
	if len(idHex) != IDSize*2 {
		return ErrInvalidRecord
	}
	b, err := hex.DecodeString(idHex)
	if err != nil {
		return ErrInvalidRecord
	}
	copy(r.ID[:], b)
	return nil
}

// Size returns the number of records in the store.
func (s *Store) Size() int {
	return len(s.records)
}

// Get returns the i-th record in sorted order.
func (s *Store) Get(i int) Record {
	return s.records[i]
}

// Slice returns the records in [lower, upper), without copying the
// backing array; callers must not mutate the returned slice.
func (s *Store) Slice(lower, upper int) []Record {
	return s.records[lower:upper]
}

// LowerBound returns the index of the first record in [from, s.Size()) that
// is not below b (i.e. the smallest index i such that records[i] >= b in the
// bound ordering), via binary search. It is the range engine's primitive for
// mapping a peer-supplied bound back onto the local sorted sequence.
func (s *Store) LowerBound(from int, b Bound) int {
	lo, hi := from, len(s.records)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.records[mid].Below(b) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Infinity is the timestamp value representing a bound that sorts above
// every possible record; encoded on the wire as a timestamp delta of 0.
const Infinity uint64 = 1<<63 - 1

// Bound is an exclusive upper frontier in the (timestamp, id) total order: a
// pair of a timestamp and a prefix of an id, of length [0, IDSize].
type Bound struct {
	Timestamp uint64
	IDPrefix  []byte
}

// InfinityBound returns the distinguished bound that sorts above every
// record.
func InfinityBound() Bound {
	return Bound{Timestamp: Infinity}
}

// Below reports whether r sorts strictly below b: r.Timestamp < b.Timestamp,
// or equal timestamps and r.ID's prefix of len(b.IDPrefix) sorts below
// b.IDPrefix.
func (r Record) Below(b Bound) bool {
	if r.Timestamp != b.Timestamp {
		return r.Timestamp < b.Timestamp
	}
	n := len(b.IDPrefix)
	if n == 0 {
		return false
	}
	return bytes.Compare(r.ID[:n], b.IDPrefix) < 0
}

// BoundFor returns the shortest-distinguishing bound between two adjacent
// records lo < hi: if their timestamps differ, (hi.Timestamp, <empty
// prefix>); otherwise (hi.Timestamp, hi.ID[:k]) where k is one past the
// first byte at which lo.ID and hi.ID differ. This is the smallest prefix
// length that still satisfies lo < bound <= hi, which later binary searches
// on the peer side depend on.
func BoundFor(lo, hi Record) Bound {
	if lo.Timestamp != hi.Timestamp {
		return Bound{Timestamp: hi.Timestamp}
	}
	k := 0
	for k < IDSize && lo.ID[k] == hi.ID[k] {
		k++
	}
	k++
	if k > IDSize {
		k = IDSize
	}
	return Bound{Timestamp: hi.Timestamp, IDPrefix: append([]byte{}, hi.ID[:k]...)}
}
