// Package bound implements the delta-timestamp, length-prefixed bound codec:
// each bound on the wire is encode_ts(ts) || varint(len) || id_prefix[0:len].
// Timestamps are relative to a per-direction running cursor that the caller
// resets to zero at the start of every message; Writer and Reader each carry
// their own cursor so a single Reconciler can encode and decode within the
// same message without the two directions interfering.
package bound

import (
	"errors"

	"github.com/nogringo/nip77/storage"
	"github.com/nogringo/nip77/varint"
)

// ErrMalformed is returned for truncated input or an id-prefix length over
// storage.IDSize.
var ErrMalformed = errors.New("bound: malformed")

// Writer encodes bounds against an outbound delta-timestamp cursor.
type Writer struct {
	lastTimestamp uint64
}

// Reset zeros the cursor; callers must do this at the start of every message.
func (w *Writer) Reset() {
	w.lastTimestamp = 0
}

// Append encodes b and appends it to dst, returning the extended slice.
func (w *Writer) Append(dst []byte, b storage.Bound) []byte {
	if b.Timestamp == storage.Infinity {
		dst = varint.AppendEncode(dst, 0)
		w.lastTimestamp = storage.Infinity
	} else {
		dst = varint.AppendEncode(dst, b.Timestamp-w.lastTimestamp+1)
		w.lastTimestamp = b.Timestamp
	}
	dst = varint.AppendEncode(dst, uint64(len(b.IDPrefix)))
	dst = append(dst, b.IDPrefix...)
	return dst
}

// Reader decodes bounds against an inbound delta-timestamp cursor.
type Reader struct {
	lastTimestamp uint64
}

// Reset zeros the cursor; callers must do this at the start of every message.
func (r *Reader) Reset() {
	r.lastTimestamp = 0
}

// Read decodes a bound from the start of b, returning the bound and the
// number of bytes consumed.
func (r *Reader) Read(b []byte) (storage.Bound, int, error) {
	delta, n, err := varint.Decode(b)
	if err != nil {
		return storage.Bound{}, 0, ErrMalformed
	}
	off := n

	var ts uint64
	if delta == 0 {
		ts = storage.Infinity
		r.lastTimestamp = storage.Infinity
	} else {
		ts = r.lastTimestamp + delta - 1
		r.lastTimestamp = ts
	}

	length, n, err := varint.Decode(b[off:])
	if err != nil {
		return storage.Bound{}, 0, ErrMalformed
	}
	off += n
	if length > storage.IDSize {
		return storage.Bound{}, 0, ErrMalformed
	}
	if uint64(len(b)-off) < length {
		return storage.Bound{}, 0, ErrMalformed
	}
	var prefix []byte
	if length > 0 {
		prefix = append([]byte{}, b[off:off+int(length)]...)
	}
	off += int(length)
	return storage.Bound{Timestamp: ts, IDPrefix: prefix}, off, nil
}
