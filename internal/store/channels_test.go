package store

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chanvault/internal/channel"
)

func testOutpoint(b byte, idx uint16) channel.Outpoint {
	var h chainhash.Hash
	h[0] = b
	return channel.Outpoint{Txid: h, Index: idx}
}

func TestPersistSnapshot_Uniqueness(t *testing.T) {
	s := createTestStore(t)
	createTestNode(t, s, "a")
	cs := s.Channels("a")
	ctx := context.Background()
	op := testOutpoint(1, 0)

	for _, blob := range []string{"s0", "s1", "s2"} {
		require.NoError(t, cs.PersistSnapshot(ctx, op, []byte(blob)))
	}

	snaps, err := cs.LoadAllSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, op, snaps[0].Outpoint)
	assert.Equal(t, []byte("s2"), snaps[0].State)
	assert.Equal(t, []byte("s0"), snaps[0].Prior, "prior keeps the first blob")

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM channel_snapshots`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPersistSnapshot_CompactsDeltas(t *testing.T) {
	s := createTestStore(t)
	createTestNode(t, s, "a")
	cs := s.Channels("a")
	ctx := context.Background()
	op := testOutpoint(1, 0)
	other := testOutpoint(2, 3)

	require.NoError(t, cs.PersistSnapshot(ctx, op, []byte("s0")))
	require.NoError(t, cs.PersistSnapshot(ctx, other, []byte("o0")))
	require.NoError(t, cs.PersistDelta(ctx, op, 1, []byte("d1")))
	require.NoError(t, cs.PersistDelta(ctx, op, 2, []byte("d2")))
	require.NoError(t, cs.PersistDelta(ctx, other, 7, []byte("x7")))

	deltas, err := cs.LoadAllDeltas(ctx)
	require.NoError(t, err)
	require.Len(t, deltas[op], 2)

	require.NoError(t, cs.PersistSnapshot(ctx, op, []byte("s2")))

	deltas, err = cs.LoadAllDeltas(ctx)
	require.NoError(t, err)
	assert.NotContains(t, deltas, op)
	assert.Equal(t, []Delta{{Sequence: 7, Blob: []byte("x7")}}, deltas[other])
}

func TestLoadAllDeltas_SortedBySequence(t *testing.T) {
	s := createTestStore(t)
	createTestNode(t, s, "a")
	cs := s.Channels("a")
	ctx := context.Background()
	op := testOutpoint(1, 0)

	// Non-contiguous and persisted out of order.
	for _, seq := range []uint64{9, 2, 5} {
		require.NoError(t, cs.PersistDelta(ctx, op, seq, []byte{byte(seq)}))
	}

	deltas, err := cs.LoadAllDeltas(ctx)
	require.NoError(t, err)
	require.Len(t, deltas[op], 3)
	assert.Equal(t, uint64(2), deltas[op][0].Sequence)
	assert.Equal(t, uint64(5), deltas[op][1].Sequence)
	assert.Equal(t, uint64(9), deltas[op][2].Sequence)
}

func TestPersistDelta_NeverTouchesExisting(t *testing.T) {
	s := createTestStore(t)
	createTestNode(t, s, "a")
	cs := s.Channels("a")
	ctx := context.Background()
	op := testOutpoint(1, 0)

	require.NoError(t, cs.PersistDelta(ctx, op, 1, []byte("d1")))
	require.NoError(t, cs.PersistDelta(ctx, op, 1, []byte("d1")), "replaying the same delta is a no-op")

	err := cs.PersistDelta(ctx, op, 1, []byte("other"))
	require.Error(t, err)
	assert.True(t, IsInconsistent(err))

	deltas, err := cs.LoadAllDeltas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Delta{{Sequence: 1, Blob: []byte("d1")}}, deltas[op])
}

func TestChannelStore_ScopedByNode(t *testing.T) {
	s := createTestStore(t)
	createTestNode(t, s, "a")
	createTestNode(t, s, "b")
	ctx := context.Background()
	op := testOutpoint(1, 0)

	require.NoError(t, s.Channels("a").PersistSnapshot(ctx, op, []byte("a0")))
	require.NoError(t, s.Channels("b").PersistSnapshot(ctx, op, []byte("b0")))
	require.NoError(t, s.Channels("a").PersistDelta(ctx, op, 1, []byte("a1")))

	snapA, err := s.Channels("a").Snapshot(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, []byte("a0"), snapA.State)

	deltasB, err := s.Channels("b").LoadAllDeltas(ctx)
	require.NoError(t, err)
	assert.Empty(t, deltasB)

	_, err = s.Channels("b").Snapshot(ctx, testOutpoint(9, 9))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistSnapshot_UnknownNode(t *testing.T) {
	s := createTestStore(t)
	err := s.Channels("ghost").PersistSnapshot(context.Background(), testOutpoint(1, 0), []byte("s"))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsInconsistent(err))
}

func TestLoadAllSnapshots_CorruptKey(t *testing.T) {
	s := createTestStore(t)
	createTestNode(t, s, "a")

	_, err := s.db.Exec(`
		INSERT INTO channel_snapshots (node_id, funding_txid, funding_index, state_blob)
		VALUES ('a', 'not-a-txid', 0, x'00')
	`)
	require.NoError(t, err)

	_, err = s.Channels("a").LoadAllSnapshots(context.Background())
	require.Error(t, err)
	assert.True(t, IsInconsistent(err))
}
