package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterSeed_Singleton(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.FirstMasterSeed(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	seed := MasterSeed{ID: "a", Seed: []byte{1, 2, 3}, Mnemonic: "abandon ability"}
	require.NoError(t, s.InsertMasterSeed(ctx, seed))

	err = s.InsertMasterSeed(ctx, MasterSeed{ID: "b", Seed: []byte{9}, Mnemonic: "other"})
	require.Error(t, err)
	assert.True(t, IsInconsistent(err))

	got, err := s.FirstMasterSeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	got, err = s.MasterSeed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	_, err = s.MasterSeed(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllocateNodeKey_Monotonic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertMasterSeed(ctx, MasterSeed{ID: "m", Seed: []byte{1}, Mnemonic: "x"}))

	for i := 0; i < 5; i++ {
		k, err := s.AllocateNodeKey(ctx, fmt.Sprintf("k%d", i), "m")
		require.NoError(t, err)
		assert.Equal(t, uint32(i), k.ChildIndex)
	}

	k, err := s.NodeKey(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, NodeKey{ID: "k3", MasterSeedID: "m", ChildIndex: 3}, k)

	_, err = s.NodeKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllocateNodeKey_ConcurrentNoDuplicates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertMasterSeed(ctx, MasterSeed{ID: "m", Seed: []byte{1}, Mnemonic: "x"}))

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		indexes = make(map[uint32]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := s.AllocateNodeKey(ctx, fmt.Sprintf("k%02d", i), "m")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, indexes[k.ChildIndex], "duplicate index %d", k.ChildIndex)
			indexes[k.ChildIndex] = true
		}(i)
	}
	wg.Wait()

	require.Len(t, indexes, n)
	for i := uint32(0); i < n; i++ {
		assert.True(t, indexes[i], "missing index %d", i)
	}
}

func TestAllocateNodeKey_UnknownSeed(t *testing.T) {
	s := createTestStore(t)
	_, err := s.AllocateNodeKey(context.Background(), "k", "nope")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestNodes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	createTestNode(t, s, "n2")
	createTestNode(t, s, "n1")

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, "n2", nodes[1].ID)

	n, err := s.NodeByPubkey(ctx, "pk-n2")
	require.NoError(t, err)
	assert.Equal(t, "n2", n.ID)
	assert.Equal(t, "key-n2", n.KeyID)

	_, err = s.Node(ctx, "n3")
	assert.ErrorIs(t, err, ErrNotFound)

	// Same public key twice violates uniqueness.
	k, err := s.AllocateNodeKey(ctx, "key-dup", "seed-1")
	require.NoError(t, err)
	err = s.InsertNode(ctx, Node{ID: "dup", PubKey: "pk-n1", KeyID: k.ID})
	assert.True(t, IsPermanent(err))
}
