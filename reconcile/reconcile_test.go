package reconcile_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nogringo/nip77/reconcile"
	"github.com/nogringo/nip77/storage"
)

func genRecords(n int, offset int) []storage.Record {
	recs := make([]storage.Record, n)
	for i := 0; i < n; i++ {
		var id [storage.IDSize]byte
		v := offset + i
		id[0] = byte(v >> 8)
		id[1] = byte(v)
		recs[i] = storage.Record{Timestamp: uint64(1000 + v), ID: id}
	}
	return recs
}

func TestReconcileBeforeInitiateIsInvalidState(t *testing.T) {
	r := reconcile.NewReconciler(storage.NewStore(nil))
	_, err := r.Reconcile([]byte{reconcile.ProtocolVersion})
	require.ErrorIs(t, err, reconcile.ErrInvalidState)
}

func TestInitiateTwiceIsInvalidState(t *testing.T) {
	r := reconcile.NewReconciler(storage.NewStore(nil))
	_, err := r.Initiate()
	require.NoError(t, err)
	_, err = r.Initiate()
	require.ErrorIs(t, err, reconcile.ErrInvalidState)
}

func TestReconcileRejectsUnsupportedVersion(t *testing.T) {
	r := reconcile.NewReconciler(storage.NewStore(nil))
	_, err := r.Initiate()
	require.NoError(t, err)
	_, err = r.Reconcile([]byte{0x99})
	require.ErrorIs(t, err, reconcile.ErrUnsupportedVersion)
}

func TestReconcileRejectsEmptyMessage(t *testing.T) {
	r := reconcile.NewReconciler(storage.NewStore(nil))
	_, err := r.Initiate()
	require.NoError(t, err)
	_, err = r.Reconcile(nil)
	require.ErrorIs(t, err, reconcile.ErrMalformed)
}

// TestTwoPartyConvergence drives a client Reconciler and a bare server-side
// rangeengine loop (standing in for a relay peer) to convergence, and checks
// the resulting have/need sets against the two stores' actual set difference.
func TestTwoPartyConvergence(t *testing.T) {
	clientOnly := genRecords(5, 0)     // ids 0..4, client has these, peer lacks them
	shared := genRecords(190, 1000)    // both sides have these
	peerOnly := genRecords(7, 5000)    // peer has these, client lacks them

	clientRecs := append(append([]storage.Record{}, clientOnly...), shared...)
	peerRecs := append(append([]storage.Record{}, peerOnly...), shared...)

	client := storage.NewStore(clientRecs)
	peer := storage.NewStore(peerRecs)

	r := reconcile.NewReconciler(client)
	msg, err := r.Initiate()
	require.NoError(t, err)

	for i := 0; i < 64 && !r.Done(); i++ {
		reply := serverStep(t, peer, msg)
		msg, err = r.Reconcile(reply)
		require.NoError(t, err)
		if msg == nil {
			break
		}
	}
	require.True(t, r.Done(), "reconciliation did not converge within the step budget")

	have, need := r.Result()

	wantHave := map[string]struct{}{}
	for _, rec := range clientOnly {
		wantHave[rec.HexID()] = struct{}{}
	}
	wantNeed := map[string]struct{}{}
	for _, rec := range peerOnly {
		wantNeed[rec.HexID()] = struct{}{}
	}

	require.ElementsMatch(t, keys(wantHave), have)
	require.ElementsMatch(t, keys(wantNeed), need)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// serverStep is a minimal stand-in for a relay's side of the exchange: it
// applies the client's message against the peer store using the same
// rangeengine primitives and returns the reply. A nil Reconcile result means
// the peer has reached full agreement; serverStep turns that into a bare
// version-byte message so the client side also observes convergence.
func serverStep(t *testing.T, peer *storage.Store, msg []byte) []byte {
	t.Helper()
	require.NotEmpty(t, msg)
	require.Equal(t, reconcile.ProtocolVersion, msg[0])

	s := reconcile.NewReconciler(peer)
	// The server side never calls Initiate; it only ever replies, so drive
	// it through the same state machine by seeding it as already-initiated
	// via a throwaway Initiate call whose output is discarded.
	_, err := s.Initiate()
	require.NoError(t, err)
	reply, err := s.Reconcile(msg)
	require.NoError(t, err)
	if reply == nil {
		return []byte{reconcile.ProtocolVersion}
	}
	return reply
}
