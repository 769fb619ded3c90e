package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nogringo/nip77/storage"
)

func mustID(t *testing.T, hexID string) [storage.IDSize]byte {
	t.Helper()
	s, err := storage.FromHexMap(map[string]uint64{hexID: 0})
	require.NoError(t, err)
	require.Equal(t, 1, s.Size())
	return s.Get(0).ID
}

func TestFromHexMapRejectsBadIDs(t *testing.T) {
	_, err := storage.FromHexMap(map[string]uint64{"deadbeef": 1})
	require.ErrorIs(t, err, storage.ErrInvalidRecord)

	badHex := "zz00000000000000000000000000000000000000000000000000000000000000"[:64]
	_, err = storage.FromHexMap(map[string]uint64{badHex: 1})
	require.Error(t, err)
}

func TestStoreSortsByTimestampThenID(t *testing.T) {
	idA := mustID(t, "c69bf4bd11ad1a76f764f71c2ec23594ac2e592507f2b5a98e6c6ee0ba12d2cc")
	idB := mustID(t, "30d3eb7e87f9b0ae5b3f10bb4a2a5d1c9c0af50bfae5edbf8e5a2f1de07bddc8")
	idC := mustID(t, "fbe1c28b6e4f5f4d3a2f7b1e8c0d9a5b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0c82")

	recs := []storage.Record{
		{Timestamp: 100, ID: idC},
		{Timestamp: 50, ID: idB},
		{Timestamp: 50, ID: idA},
	}
	s := storage.NewStore(recs)
	require.Equal(t, 3, s.Size())
	require.Equal(t, uint64(50), s.Get(0).Timestamp)
	require.Equal(t, uint64(50), s.Get(1).Timestamp)
	require.Equal(t, uint64(100), s.Get(2).Timestamp)
	require.True(t, s.Get(0).Compare(s.Get(1)) < 0)
}

func TestBoundForDiffersOnTimestamp(t *testing.T) {
	a := storage.Record{Timestamp: 10}
	b := storage.Record{Timestamp: 20}
	bound := storage.BoundFor(a, b)
	require.Equal(t, uint64(20), bound.Timestamp)
	require.Empty(t, bound.IDPrefix)
	require.True(t, a.Below(bound))
	require.False(t, b.Below(bound))
}

func TestBoundForSameTimestampShortestPrefix(t *testing.T) {
	var loID, hiID [storage.IDSize]byte
	loID[0], hiID[0] = 0x01, 0x01
	loID[1], hiID[1] = 0x02, 0x03 // differ at index 1
	lo := storage.Record{Timestamp: 5, ID: loID}
	hi := storage.Record{Timestamp: 5, ID: hiID}

	bound := storage.BoundFor(lo, hi)
	require.Equal(t, uint64(5), bound.Timestamp)
	require.Len(t, bound.IDPrefix, 2)
	require.True(t, lo.Below(bound))
	require.False(t, hi.Below(bound))
}

func TestLowerBoundBinarySearch(t *testing.T) {
	recs := []storage.Record{
		{Timestamp: 1}, {Timestamp: 3}, {Timestamp: 5}, {Timestamp: 7},
	}
	s := storage.NewStore(recs)
	require.Equal(t, 0, s.LowerBound(0, storage.Bound{Timestamp: 0}))
	require.Equal(t, 2, s.LowerBound(0, storage.Bound{Timestamp: 5}))
	require.Equal(t, 4, s.LowerBound(0, storage.InfinityBound()))
}
