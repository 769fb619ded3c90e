package session_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nogringo/nip77/reconcile"
	"github.com/nogringo/nip77/session"
	"github.com/nogringo/nip77/storage"
)

// fakeTransport is an in-memory Transport driven by a scripted peer
// function, standing in for a live relay connection in tests.
type fakeTransport struct {
	sent chan []byte
	recv chan []byte
	done chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(chan []byte, 16),
		recv: make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, msg []byte) error {
	select {
	case f.sent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-f.recv:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return nil, context.Canceled
	}
}

func (f *fakeTransport) Close() error {
	close(f.done)
	return nil
}

func TestSessionRunConvergesImmediatelyOnEmptyStores(t *testing.T) {
	transport := newFakeTransport()

	// A peer that, on NEG-OPEN, replies with a bare version-byte NEG-MSG
	// (full agreement, since the client's store and filter are both empty).
	go func() {
		sent := <-transport.sent
		var open session.Envelope
		require.NoError(t, open.UnmarshalJSON(sent))
		require.Equal(t, session.KindNegOpen, open.Kind)

		reply := session.Envelope{Kind: session.KindNegMsg, SubID: open.SubID, Message: "61"}
		data, err := reply.MarshalJSON()
		require.NoError(t, err)
		transport.recv <- data
	}()

	s := session.New(transport, []byte(`{}`), session.WithSubID("neg_1"))
	have, need, err := s.Run(context.Background(), storage.NewStore(nil))
	require.NoError(t, err)
	require.Empty(t, have)
	require.Empty(t, need)

	closeMsg := <-transport.sent
	var closeEnv session.Envelope
	require.NoError(t, closeEnv.UnmarshalJSON(closeMsg))
	require.Equal(t, session.KindNegClose, closeEnv.Kind)
}

func TestSessionRunReturnsErrPeerOnNegErr(t *testing.T) {
	transport := newFakeTransport()

	go func() {
		<-transport.sent
		reply := session.Envelope{Kind: session.KindNegErr, SubID: "neg_1", Message: "blocked: rate-limited"}
		data, err := reply.MarshalJSON()
		require.NoError(t, err)
		transport.recv <- data
	}()

	s := session.New(transport, []byte(`{}`), session.WithSubID("neg_1"))
	_, _, err := s.Run(context.Background(), storage.NewStore(nil))
	require.ErrorIs(t, err, session.ErrPeer)
}

func TestSessionRunReturnsErrPeerOnFatalNotice(t *testing.T) {
	transport := newFakeTransport()

	go func() {
		<-transport.sent // NEG-OPEN
		reply := session.Envelope{Kind: session.KindNotice, Message: "ERROR: negentropy protocol disabled on this relay"}
		data, err := reply.MarshalJSON()
		require.NoError(t, err)
		transport.recv <- data
	}()

	s := session.New(transport, []byte(`{}`), session.WithSubID("neg_1"))
	_, _, err := s.Run(context.Background(), storage.NewStore(nil))
	require.ErrorIs(t, err, session.ErrPeer)
}

func TestSessionRunIgnoresUnrelatedNotice(t *testing.T) {
	transport := newFakeTransport()

	go func() {
		sent := <-transport.sent
		var open session.Envelope
		require.NoError(t, open.UnmarshalJSON(sent))

		notice := session.Envelope{Kind: session.KindNotice, Message: "please slow down"}
		data, err := notice.MarshalJSON()
		require.NoError(t, err)
		transport.recv <- data

		reply := session.Envelope{Kind: session.KindNegMsg, SubID: open.SubID, Message: "61"}
		data, err = reply.MarshalJSON()
		require.NoError(t, err)
		transport.recv <- data
	}()

	s := session.New(transport, []byte(`{}`), session.WithSubID("neg_1"))
	have, need, err := s.Run(context.Background(), storage.NewStore(nil))
	require.NoError(t, err)
	require.Empty(t, have)
	require.Empty(t, need)
}

func TestSessionRunTimesOutWithFakeClock(t *testing.T) {
	transport := newFakeTransport()
	fc := clockwork.NewFakeClock()

	go func() {
		<-transport.sent // NEG-OPEN, peer never replies
	}()

	s := session.New(transport, []byte(`{}`),
		session.WithSubID("neg_1"),
		session.WithClock(fc),
		session.WithOpenTimeout(time.Second),
		session.WithRoundTimeout(time.Second),
	)

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := s.Run(context.Background(), storage.NewStore(nil))
		resultCh <- err
	}()

	fc.BlockUntil(1)
	fc.Advance(2 * time.Second)

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, session.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("session.Run did not observe the fake clock advance")
	}
}

func TestSessionDrivesMultiRoundReconciliation(t *testing.T) {
	recs := genRecords(200)
	local := storage.NewStore(recs[:199]) // client is missing recs[199]

	transport := newFakeTransport()
	peerStore := storage.NewStore(recs)

	go func() {
		for {
			data, ok := <-transport.sent
			if !ok {
				return
			}
			var env session.Envelope
			require.NoError(t, env.UnmarshalJSON(data))

			var inHex string
			switch env.Kind {
			case session.KindNegOpen:
				inHex = env.Message
			case session.KindNegMsg:
				inHex = env.Message
			case session.KindNegClose:
				return
			default:
				t.Errorf("unexpected envelope kind from client: %s", env.Kind)
				return
			}

			in, err := hex.DecodeString(inHex)
			require.NoError(t, err)
			reply := peerReply(t, peerStore, in)

			out := session.Envelope{Kind: session.KindNegMsg, SubID: env.SubID, Message: hex.EncodeToString(reply)}
			data, err = out.MarshalJSON()
			require.NoError(t, err)
			transport.recv <- data
		}
	}()

	s := session.New(transport, []byte(`{}`), session.WithSubID("neg_1"))
	have, need, err := s.Run(context.Background(), local)
	require.NoError(t, err)
	require.Empty(t, have)
	require.Equal(t, []string{recs[199].HexID()}, need)
}

// peerReply is a minimal stand-in for a relay's side of one round of the
// exchange, built fresh each call since reconcile state beyond the fixed
// store is not needed across rounds (each round's delta-bound cursor resets
// with the message).
func peerReply(t *testing.T, peer *storage.Store, in []byte) []byte {
	t.Helper()
	r := reconcile.NewReconciler(peer)
	_, err := r.Initiate()
	require.NoError(t, err)
	reply, err := r.Reconcile(in)
	require.NoError(t, err)
	if reply == nil {
		return []byte{reconcile.ProtocolVersion}
	}
	return reply
}

func genRecords(n int) []storage.Record {
	recs := make([]storage.Record, n)
	for i := 0; i < n; i++ {
		var id [storage.IDSize]byte
		id[0] = byte(i >> 8)
		id[1] = byte(i)
		recs[i] = storage.Record{Timestamp: uint64(1000 + i), ID: id}
	}
	return recs
}
