package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nogringo/nip77/reconcile"
	"github.com/nogringo/nip77/storage"
)

var (
	// ErrPeer is returned when the relay reports the reconciliation as
	// failed via NEG-ERR.
	ErrPeer = errors.New("session: peer rejected negentropy session")
	// ErrTimeout is returned when a round does not complete before its
	// deadline.
	ErrTimeout = errors.New("session: timed out waiting for relay")
	// ErrTransportDown is returned when the transport fails mid-session.
	ErrTransportDown = errors.New("session: transport error")
)

// OpenTimeout and RoundTimeout are the default deadlines for the initial
// NEG-OPEN round trip and each subsequent NEG-MSG round trip.
const (
	OpenTimeout  = 30 * time.Second
	RoundTimeout = 10 * time.Second
)

var subCounter atomic.Uint64

// NextSubID returns a locally-unique, short subscription id of the form
// "neg_<n>". Callers that need globally-unique ids across processes should
// use NextSubIDUUID instead.
func NextSubID() string {
	return fmt.Sprintf("neg_%d", subCounter.Add(1))
}

// NextSubIDUUID returns a subscription id derived from a random UUID,
// suitable when multiple independent processes open sessions against the
// same relay and a collision-free id is required.
func NextSubIDUUID() string {
	return "neg_" + uuid.NewString()
}

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides the Session's logger. The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithClock overrides the Session's clock, primarily for deterministic
// timeout tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithOpenTimeout overrides the deadline for the initial round trip.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Session) { s.openTimeout = d }
}

// WithRoundTimeout overrides the deadline for each subsequent round trip.
func WithRoundTimeout(d time.Duration) Option {
	return func(s *Session) { s.roundTimeout = d }
}

// WithSubID overrides the generated subscription id.
func WithSubID(id string) Option {
	return func(s *Session) { s.subID = id }
}

// Session drives one client-side reconciliation exchange with a relay over
// a Transport, framing reconcile.Reconciler's raw messages as NEG-OPEN /
// NEG-MSG / NEG-CLOSE envelopes.
type Session struct {
	transport Transport
	filter    []byte
	subID     string

	openTimeout  time.Duration
	roundTimeout time.Duration
	clock        clockwork.Clock
	log          *zap.Logger
}

// New returns a Session that will reconcile store against filter (a raw
// JSON nostr filter object) over transport.
func New(transport Transport, filter []byte, opts ...Option) *Session {
	s := &Session{
		transport:    transport,
		filter:       filter,
		subID:        NextSubID(),
		openTimeout:  OpenTimeout,
		roundTimeout: RoundTimeout,
		clock:        clockwork.NewRealClock(),
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the exchange to convergence against store, sending NEG-OPEN,
// then NEG-MSG rounds until the relay acks convergence, then NEG-CLOSE. It
// returns the ids the client has that the relay lacks (have) and the ids it
// lacks that the relay has (need).
func (s *Session) Run(ctx context.Context, store *storage.Store, opts ...reconcile.Option) (have, need []string, err error) {
	r := reconcile.NewReconciler(store, opts...)
	msg, err := r.Initiate()
	if err != nil {
		return nil, nil, fmt.Errorf("session: initiate: %w", err)
	}

	if err := s.send(ctx, Envelope{
		Kind:    KindNegOpen,
		SubID:   s.subID,
		Filter:  s.filter,
		Message: hex.EncodeToString(msg),
	}); err != nil {
		return nil, nil, err
	}

	// Once NEG-OPEN is out, a session-fatal error still sends a best-effort
	// NEG-CLOSE before Run returns.
	defer func() {
		if err != nil {
			if cerr := s.send(ctx, Envelope{Kind: KindNegClose, SubID: s.subID}); cerr != nil {
				s.log.Debug("session: NEG-CLOSE after error failed", zap.Error(cerr))
			}
		}
	}()

	frames := s.pump(ctx)
	timeout := s.openTimeout
	for !r.Done() {
		reply, err := s.recvFor(ctx, frames, s.subID, timeout)
		if err != nil {
			return nil, nil, err
		}
		timeout = s.roundTimeout // only the first wait uses openTimeout

		in, decodeErr := hex.DecodeString(reply)
		if decodeErr != nil {
			return nil, nil, fmt.Errorf("session: %w: non-hex NEG-MSG payload", ErrPeer)
		}
		msg, err = r.Reconcile(in)
		if err != nil {
			return nil, nil, fmt.Errorf("session: reconcile: %w", err)
		}
		if msg == nil {
			break
		}

		if err := s.send(ctx, Envelope{Kind: KindNegMsg, SubID: s.subID, Message: hex.EncodeToString(msg)}); err != nil {
			return nil, nil, err
		}
	}

	if err := s.send(ctx, Envelope{Kind: KindNegClose, SubID: s.subID}); err != nil {
		s.log.Warn("session: NEG-CLOSE failed", zap.Error(err))
	}

	have, need = r.Result()
	return have, need, nil
}

func (s *Session) send(ctx context.Context, e Envelope) error {
	data, err := e.MarshalJSON()
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", e.Kind, err)
	}
	if err := s.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: %s", ErrTransportDown, err)
	}
	return nil
}

// recvResult carries one Transport.Recv outcome across the pump goroutine
// boundary.
type recvResult struct {
	data []byte
	err  error
}

// pump starts a single goroutine reading frames off the transport for the
// lifetime of ctx and returns the channel it feeds. Run keeps exactly one
// pump alive per call so successive rounds never race concurrent reads of
// the same transport.
func (s *Session) pump(ctx context.Context) <-chan recvResult {
	ch := make(chan recvResult, 1)
	go func() {
		for {
			data, err := s.transport.Recv(ctx)
			select {
			case ch <- recvResult{data, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// recvFor drains frames until it finds one addressed to subID: a NEG-MSG
// payload (returned), a NEG-ERR (returned as ErrPeer), or timeout elapses on
// the session's clock (ErrTimeout). Envelopes for other subscriptions are
// dropped; a Router should normally sit in front of a shared transport to
// avoid that, but Session works standalone against a transport dedicated to
// one subscription.
func (s *Session) recvFor(ctx context.Context, frames <-chan recvResult, subID string, timeout time.Duration) (string, error) {
	deadline := s.clock.After(timeout)
	for {
		select {
		case res := <-frames:
			if res.err != nil {
				return "", fmt.Errorf("%w: %s", ErrTransportDown, res.err)
			}
			var env Envelope
			if err := env.UnmarshalJSON(res.data); err != nil {
				s.log.Debug("session: dropping unparseable frame", zap.Error(err))
				continue
			}
			// A NOTICE naming "negentropy" is session-fatal for every open
			// session, not just the one it happens to be addressed to (it
			// carries no SubID at all) — a Router broadcasts this as a
			// per-subscription NEG-ERR, but Session also recognizes it
			// directly when driving a transport standalone.
			if env.Kind == KindNotice && strings.Contains(strings.ToLower(env.Message), "negentropy") {
				return "", fmt.Errorf("%w: %s", ErrPeer, env.Message)
			}
			if env.SubID != subID {
				continue
			}
			switch env.Kind {
			case KindNegMsg:
				return env.Message, nil
			case KindNegErr:
				return "", fmt.Errorf("%w: %s", ErrPeer, env.Message)
			}
		case <-deadline:
			return "", fmt.Errorf("session: %w", ErrTimeout)
		case <-ctx.Done():
			return "", fmt.Errorf("session: %w", ctx.Err())
		}
	}
}
