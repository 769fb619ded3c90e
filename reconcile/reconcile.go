// Package reconcile implements the client-side reconciliation driver: a
// small state machine wrapping a record store that emits the initial
// message, consumes peer messages, and accumulates the have/need result
// sets until convergence.
//
// The driver is single-threaded and fully synchronous: each Reconcile call
// is a pure transform of (state, incoming bytes) to (state', outgoing bytes
// or done). Suspension points (waiting for the next peer message, timeouts)
// belong to the session layer, not here.
package reconcile

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nogringo/nip77/rangeengine"
	"github.com/nogringo/nip77/storage"
)

// ProtocolVersion is the single leading byte that identifies protocol v1.
const ProtocolVersion byte = 0x61

var (
	// ErrMalformed is returned when wire bytes cannot be parsed.
	ErrMalformed = errors.New("reconcile: malformed message")
	// ErrInvalidState is returned by Initiate called twice, or Reconcile
	// called before Initiate.
	ErrInvalidState = errors.New("reconcile: invalid state")
	// ErrUnsupportedVersion is returned when the peer's version byte does not
	// match ProtocolVersion.
	ErrUnsupportedVersion = errors.New("reconcile: unsupported protocol version")
)

type state int

const (
	stateNew state = iota
	stateAwaitingReply
	stateDone
)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the Reconciler's logger. The default is a no-op
// logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

// WithFrameSizeLimit sets the frame-size hint described in spec section 4.6.
// The core does not currently enforce chunking across messages; this value
// is exposed for callers/extensions that want to defer later ranges to a
// subsequent message.
func WithFrameSizeLimit(n int) Option {
	return func(r *Reconciler) { r.frameSizeLimit = n }
}

// DefaultFrameSizeLimit is the default frame-size hint, in bytes.
const DefaultFrameSizeLimit = 60000

// Reconciler drives one client-side reconciliation session against a single
// peer message stream.
type Reconciler struct {
	store          *storage.Store
	have, need     map[string]struct{}
	state          state
	frameSizeLimit int
	log            *zap.Logger
}

// NewReconciler returns a Reconciler over store, in the New state.
func NewReconciler(store *storage.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:          store,
		have:           map[string]struct{}{},
		need:           map[string]struct{}{},
		state:          stateNew,
		frameSizeLimit: DefaultFrameSizeLimit,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initiate produces the first outbound message and transitions to
// Awaiting-reply. It must be called exactly once.
func (r *Reconciler) Initiate() ([]byte, error) {
	if r.state != stateNew {
		return nil, fmt.Errorf("initiate: %w", ErrInvalidState)
	}
	var w rangeengine.Writer
	w.Reset()
	rangeengine.EmitRanges(r.store, 0, r.store.Size(), storage.InfinityBound(), &w)

	msg := make([]byte, 0, len(w.Bytes())+1)
	msg = append(msg, ProtocolVersion)
	msg = append(msg, w.Bytes()...)

	r.state = stateAwaitingReply
	r.log.Debug("initiate", zap.Int("storeSize", r.store.Size()), zap.Int("msgLen", len(msg)))
	return msg, nil
}

// Reconcile consumes one incoming message and returns the reply, or (nil,
// nil) if the exchange has converged. It must be called after Initiate.
func (r *Reconciler) Reconcile(in []byte) ([]byte, error) {
	if r.state != stateAwaitingReply {
		return nil, fmt.Errorf("reconcile: %w", ErrInvalidState)
	}
	if len(in) < 1 {
		return nil, fmt.Errorf("reconcile: %w", ErrMalformed)
	}
	if in[0] != ProtocolVersion {
		return nil, fmt.Errorf("reconcile: peer version %#x: %w", in[0], ErrUnsupportedVersion)
	}

	var w rangeengine.Writer
	w.Reset()

	rr := rangeengine.NewReader(in, 1)
	if err := rangeengine.Consume(r.store, rr, &w, r.have, r.need); err != nil {
		return nil, fmt.Errorf("reconcile: %w", ErrMalformed)
	}

	if len(w.Bytes()) == 0 {
		r.state = stateDone
		r.log.Debug("reconcile: converged", zap.Int("have", len(r.have)), zap.Int("need", len(r.need)))
		return nil, nil
	}

	reply := make([]byte, 0, len(w.Bytes())+1)
	reply = append(reply, ProtocolVersion)
	reply = append(reply, w.Bytes()...)
	r.log.Debug("reconcile: reply", zap.Int("msgLen", len(reply)))
	return reply, nil
}

// Done reports whether the reconciliation has converged.
func (r *Reconciler) Done() bool {
	return r.state == stateDone
}

// Result returns the accumulated have/need sets as lowercase-hex id slices.
func (r *Reconciler) Result() (have, need []string) {
	return setKeys(r.have), setKeys(r.need)
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
