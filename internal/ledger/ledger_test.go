package ledger

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/events"
	"github.com/roach88/chanvault/internal/keys"
)

var testNet = &chaincfg.RegressionNetParams

type memPersister struct {
	mu      sync.Mutex
	full    map[channel.Outpoint][]byte
	deltas  map[channel.Outpoint][]uint64
	calls   []string
	failing bool
}

func newMemPersister() *memPersister {
	return &memPersister{full: map[channel.Outpoint][]byte{}, deltas: map[channel.Outpoint][]uint64{}}
}

func (p *memPersister) record(kind string, op channel.Outpoint, m channel.Monitor) channel.PersistStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, kind)
	if p.failing {
		return channel.PersistPermanentFailure
	}
	blob, err := m.Encode()
	if err != nil {
		return channel.PersistPermanentFailure
	}
	p.full[op] = blob
	return channel.PersistCompleted
}

func (p *memPersister) PersistNew(_ context.Context, op channel.Outpoint, m channel.Monitor) channel.PersistStatus {
	return p.record("new", op, m)
}

func (p *memPersister) PersistFull(_ context.Context, op channel.Outpoint, m channel.Monitor) channel.PersistStatus {
	return p.record("full", op, m)
}

func (p *memPersister) PersistIncremental(_ context.Context, op channel.Outpoint, u channel.Update, _ channel.Monitor) channel.PersistStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "incremental")
	if p.failing {
		return channel.PersistPermanentFailure
	}
	p.deltas[op] = append(p.deltas[op], u.ID())
	return channel.PersistCompleted
}

func testSigner(t *testing.T, index uint32) *keys.SigningMaterial {
	t.Helper()
	seed := sha256.Sum256([]byte("ledger test seed"))
	m, err := keys.Derive(seed[:], index, testNet)
	require.NoError(t, err)
	return m
}

func genesisRef() channel.BlockRef {
	return channel.BlockRef{Hash: *testNet.GenesisHash, Height: 0}
}

func testOutpoint(b byte, idx uint16) channel.Outpoint {
	return channel.Outpoint{Txid: chainhash.Hash{b}, Index: idx}
}

type fixture struct {
	engine    *Engine
	signer    *keys.SigningMaterial
	persister *memPersister
	watcher   *Watcher
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	e := New(nil)
	p := newMemPersister()
	w := e.NewWatcher(p).(*Watcher)
	signer := testSigner(t, 0)
	mgr, err := e.NewManager(channel.ManagerConfig{Network: testNet, Signer: signer, Watcher: w}, genesisRef())
	require.NoError(t, err)
	return &fixture{engine: e, signer: signer, persister: p, watcher: w, manager: mgr.(*Manager)}
}

// fund opens a channel and feeds back a transaction paying its funding
// output at vout 1.
func (f *fixture) fund(t *testing.T, capacitySat int64, pushMsat, userID uint64) channel.Outpoint {
	t.Helper()
	ctx := context.Background()
	temp, err := f.manager.OpenChannel(ctx, capacitySat, pushMsat, userID)
	require.NoError(t, err)

	var ready events.FundingGenerationReady
	for _, ev := range f.manager.Events().Drain() {
		if r, ok := ev.(events.FundingGenerationReady); ok {
			ready = r
		}
	}
	require.Equal(t, temp, ready.TempChannelID)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{byte(userID)}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(5000, []byte{0x51}))
	tx.AddTxOut(wire.NewTxOut(ready.ValueSat, ready.OutputScript))
	require.NoError(t, f.manager.FundingTransactionGenerated(ctx, temp, tx))
	return channel.Outpoint{Txid: tx.TxHash(), Index: 1}
}

func mineHeader(prev chainhash.Hash, nonce uint32) *wire.BlockHeader {
	return &wire.BlockHeader{Version: 4, PrevBlock: prev, Nonce: nonce}
}

func TestUpdate_RoundTrip(t *testing.T) {
	for _, u := range []*Update{
		CommitmentUpdate(3, 2, 1000, 2000),
		PreimageUpdate(4, events.Hash{9}),
		CloseUpdate(5),
	} {
		blob, err := u.Encode()
		require.NoError(t, err)
		got, err := New(nil).DecodeUpdate(blob)
		require.NoError(t, err)
		assert.Equal(t, u, got)
	}
}

func TestDecodeUpdate_Rejects(t *testing.T) {
	_, err := decodeUpdate([]byte(`{"kind":"teleport","update_id":1}`))
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	_, err = decodeUpdate([]byte(`{"kind":"preimage","preimage":"abcd","update_id":1}`))
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	_, err = decodeUpdate([]byte(`{"kind":"close","update_id":1,"extra":true}`))
	assert.Error(t, err)
}

func TestMonitor_ApplyOrder(t *testing.T) {
	signer := testSigner(t, 0)
	m, err := newMonitor(signer, testOutpoint(1, 0), 10_000, 10_000_000, 0, genesisRef())
	require.NoError(t, err)

	require.NoError(t, m.Apply(CommitmentUpdate(2, 1, 9_000_000, 1_000_000)))
	assert.Equal(t, uint64(2), m.LatestUpdateID())

	err = m.Apply(CommitmentUpdate(2, 2, 8_000_000, 2_000_000))
	assert.ErrorIs(t, err, channel.ErrUpdateOrder)

	err = m.Apply(CommitmentUpdate(3, 1, 8_000_000, 2_000_000))
	assert.ErrorIs(t, err, ErrInvalidUpdate, "commitment number must advance")

	err = m.Apply(CommitmentUpdate(3, 2, 8_000_000, 1_000_000))
	assert.ErrorIs(t, err, ErrInvalidUpdate, "balances must sum to capacity")

	require.NoError(t, m.Apply(PreimageUpdate(7, events.Hash{4})))
	assert.True(t, m.HasPreimage(events.Hash{4}))

	require.NoError(t, m.Apply(CloseUpdate(8)))
	assert.True(t, m.Closed())
	assert.ErrorIs(t, m.Apply(CommitmentUpdate(9, 3, 8_000_000, 2_000_000)), ErrChannelClosed)
}

func TestMonitor_DecodeRoundTrip(t *testing.T) {
	signer := testSigner(t, 0)
	m, err := newMonitor(signer, testOutpoint(1, 3), 10_000, 6_000_000, 4_000_000, genesisRef())
	require.NoError(t, err)
	require.NoError(t, m.Apply(PreimageUpdate(1, events.Hash{2})))

	blob, err := m.Encode()
	require.NoError(t, err)
	got, err := New(nil).DecodeMonitor(blob, signer)
	require.NoError(t, err)

	again, err := got.Encode()
	require.NoError(t, err)
	assert.Equal(t, blob, again)
	assert.Equal(t, testOutpoint(1, 3), got.FundingOutpoint())
}

func TestMonitor_DecodeForeignNode(t *testing.T) {
	m, err := newMonitor(testSigner(t, 0), testOutpoint(1, 0), 10_000, 10_000_000, 0, genesisRef())
	require.NoError(t, err)
	blob, err := m.Encode()
	require.NoError(t, err)

	_, err = decodeMonitor(blob, testSigner(t, 1))
	assert.ErrorIs(t, err, ErrForeignState)
}

func TestMonitor_SpendableAfterMaturity(t *testing.T) {
	m, err := newMonitor(testSigner(t, 0), testOutpoint(1, 0), 10_000, 7_000_500, 2_999_500, genesisRef())
	require.NoError(t, err)
	require.NoError(t, m.Apply(CloseUpdate(1)))

	prev := *testNet.GenesisHash
	for h := int32(1); h < CloseMaturity; h++ {
		hdr := mineHeader(prev, uint32(h))
		require.NoError(t, m.BlockConnected(context.Background(), hdr, h))
		_, ok := m.takeSpendable()
		require.False(t, ok, "height %d", h)
		prev = hdr.BlockHash()
	}
	require.NoError(t, m.BlockConnected(context.Background(), mineHeader(prev, 99), CloseMaturity))

	out, ok := m.takeSpendable()
	require.True(t, ok)
	assert.Equal(t, int64(7000), out.ValueSat)

	_, ok = m.takeSpendable()
	assert.False(t, ok, "reported once")
}

func TestWatcher_PersistsBeforeTracking(t *testing.T) {
	p := newMemPersister()
	p.failing = true
	w := newWatcher(p, New(nil).logger)

	m, err := newMonitor(testSigner(t, 0), testOutpoint(1, 0), 10_000, 10_000_000, 0, genesisRef())
	require.NoError(t, err)

	err = w.Watch(context.Background(), m)
	assert.ErrorIs(t, err, ErrPersistFailed)
	assert.Empty(t, w.Monitors())

	p.failing = false
	require.NoError(t, w.Watch(context.Background(), m))
	assert.ErrorIs(t, w.Watch(context.Background(), m), ErrAlreadyWatched)
	assert.Equal(t, []string{"new", "new"}, p.calls)
}

func TestWatcher_UpdateChannel(t *testing.T) {
	p := newMemPersister()
	w := newWatcher(p, New(nil).logger)
	op := testOutpoint(1, 0)
	m, err := newMonitor(testSigner(t, 0), op, 10_000, 10_000_000, 0, genesisRef())
	require.NoError(t, err)
	require.NoError(t, w.Watch(context.Background(), m))

	require.NoError(t, w.UpdateChannel(context.Background(), op, CommitmentUpdate(1, 1, 9_000_000, 1_000_000)))
	assert.Equal(t, []uint64{1}, p.deltas[op])

	err = w.UpdateChannel(context.Background(), testOutpoint(2, 0), CloseUpdate(1))
	assert.ErrorIs(t, err, ErrUnknownChannel)

	err = w.UpdateChannel(context.Background(), op, CloseUpdate(1))
	assert.ErrorIs(t, err, channel.ErrUpdateOrder)
}

func TestWatcher_BlockConnectedPersistsAndReports(t *testing.T) {
	p := newMemPersister()
	w := newWatcher(p, New(nil).logger)
	op := testOutpoint(1, 0)
	m, err := newMonitor(testSigner(t, 0), op, 10_000, 10_000_000, 0, genesisRef())
	require.NoError(t, err)
	require.NoError(t, w.Watch(context.Background(), m))
	require.NoError(t, w.UpdateChannel(context.Background(), op, CloseUpdate(1)))

	prev := *testNet.GenesisHash
	for h := int32(1); h <= CloseMaturity; h++ {
		hdr := mineHeader(prev, uint32(h))
		require.NoError(t, w.BlockConnected(context.Background(), hdr, h))
		prev = hdr.BlockHash()
	}
	assert.Equal(t, int32(CloseMaturity), w.BestBlock().Height)

	evs := w.Events().Drain()
	require.Len(t, evs, 1)
	so := evs[0].(events.SpendableOutputs)
	assert.Equal(t, []events.SpendableOutput{{Outpoint: op, ValueSat: 10_000}}, so.Outputs)

	full := 0
	for _, c := range p.calls {
		if c == "full" {
			full++
		}
	}
	assert.Equal(t, CloseMaturity, full)
}

func TestManager_OpenAndFund(t *testing.T) {
	f := newFixture(t)
	op := f.fund(t, 100_000, 10_000_000, 7)

	assert.Equal(t, []channel.Outpoint{op}, f.manager.Channels())
	infos := f.manager.ListChannels()
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(90_000_000), infos[0].LocalMsat)
	assert.Equal(t, uint64(10_000_000), infos[0].RemoteMsat)
	assert.Equal(t, uint64(7), infos[0].UserChannelID)

	got, ok := f.manager.ChannelByUserID(7)
	assert.True(t, ok)
	assert.Equal(t, op, got)

	_, watched := f.watcher.Monitor(op)
	assert.True(t, watched)
	assert.Contains(t, f.persister.full, op)
}

func TestManager_FundingUnknownTemp(t *testing.T) {
	f := newFixture(t)
	err := f.manager.FundingTransactionGenerated(context.Background(), events.Hash{1}, wire.NewMsgTx(2))
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestManager_FundingPersistFailureDiscards(t *testing.T) {
	f := newFixture(t)
	f.persister.failing = true

	ctx := context.Background()
	temp, err := f.manager.OpenChannel(ctx, 50_000, 0, 1)
	require.NoError(t, err)
	ready := f.manager.Events().Drain()[0].(events.FundingGenerationReady)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(ready.ValueSat, ready.OutputScript))
	err = f.manager.FundingTransactionGenerated(ctx, temp, tx)
	assert.ErrorIs(t, err, ErrPersistFailed)

	evs := f.manager.Events().Drain()
	require.Len(t, evs, 1)
	assert.IsType(t, events.DiscardFunding{}, evs[0])
	assert.Empty(t, f.manager.Channels())
}

func TestManager_PayAndReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.fund(t, 100_000, 20_000_000, 1)

	preimage := events.Hash{0xaa}
	require.NoError(t, f.manager.Pay(ctx, op, 5_000_000, preimage))
	sent := f.manager.Events().Drain()
	require.Len(t, sent, 1)
	assert.Equal(t, events.Hash(sha256.Sum256(preimage[:])), sent[0].(events.PaymentSent).PaymentHash)

	err := f.manager.Pay(ctx, op, 1_000_000_000, events.Hash{0xbb})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.IsType(t, events.PaymentFailed{}, f.manager.Events().Drain()[0])

	inbound := events.Hash{0xcc}
	hash := f.manager.AddInvoice(inbound)
	require.NoError(t, f.manager.Receive(ctx, op, 3_000_000, hash))
	assert.IsType(t, events.PendingHTLCsForwardable{}, f.manager.Events().Drain()[0])

	require.NoError(t, f.manager.ProcessPendingForwards(ctx))
	recv := f.manager.Events().Drain()
	require.Len(t, recv, 1)
	pr := recv[0].(events.PaymentReceived)
	require.NotNil(t, pr.Preimage)
	assert.Equal(t, inbound, *pr.Preimage)

	require.NoError(t, f.manager.ClaimFunds(ctx, inbound))
	local, remote := f.manager.ListChannels()[0].LocalMsat, f.manager.ListChannels()[0].RemoteMsat
	assert.Equal(t, uint64(78_000_000), local)
	assert.Equal(t, uint64(22_000_000), remote)

	mon, _ := f.watcher.Monitor(op)
	assert.True(t, mon.HasPreimage(inbound))
	assert.ErrorIs(t, f.manager.ClaimFunds(ctx, inbound), ErrUnknownHTLC)
}

func TestManager_CloseChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.fund(t, 100_000, 0, 1)

	require.NoError(t, f.manager.CloseChannel(ctx, op))
	evs := f.manager.Events().Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, op, evs[0].(events.ChannelClosed).Channel)

	assert.ErrorIs(t, f.manager.CloseChannel(ctx, op), ErrChannelClosed)
	assert.ErrorIs(t, f.manager.Pay(ctx, op, 1, events.Hash{1}), ErrChannelClosed)
}

func TestManager_SpendOutputs(t *testing.T) {
	f := newFixture(t)
	outs := []events.SpendableOutput{{Outpoint: testOutpoint(1, 0), ValueSat: 50_000}}

	tx, err := f.manager.SpendOutputs(context.Background(), outs, []byte{0x00, 0x14}, 253)
	require.NoError(t, err)
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 1)
	assert.Less(t, tx.TxOut[0].Value, int64(50_000))

	_, err = f.manager.SpendOutputs(context.Background(), []events.SpendableOutput{{Outpoint: testOutpoint(1, 0), ValueSat: 10}}, nil, 253)
	assert.Error(t, err)
}

func TestManager_RestartIsTransparent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	op := f.fund(t, 100_000, 0, 3)
	require.NoError(t, f.manager.Pay(ctx, op, 1_000, events.Hash{1}))

	blob, err := f.manager.Encode()
	require.NoError(t, err)
	before, err := f.manager.Digest()
	require.NoError(t, err)

	mon, _ := f.watcher.Monitor(op)
	monBlob, err := mon.Encode()
	require.NoError(t, err)
	decoded, err := f.engine.DecodeMonitor(monBlob, f.signer)
	require.NoError(t, err)

	w2 := f.engine.NewWatcher(newMemPersister())
	mgr, err := f.engine.DecodeManager(blob, channel.ManagerConfig{Network: testNet, Signer: f.signer, Watcher: w2}, []channel.Monitor{decoded})
	require.NoError(t, err)
	after, err := mgr.(*Manager).Digest()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDecodeManager_Checks(t *testing.T) {
	f := newFixture(t)
	op := f.fund(t, 100_000, 0, 3)
	require.NoError(t, f.manager.Pay(context.Background(), op, 1_000, events.Hash{1}))
	blob, err := f.manager.Encode()
	require.NoError(t, err)

	cfg := channel.ManagerConfig{Network: testNet, Signer: f.signer, Watcher: f.engine.NewWatcher(newMemPersister())}

	t.Run("missing monitor", func(t *testing.T) {
		_, err := f.engine.DecodeManager(blob, cfg, nil)
		assert.ErrorIs(t, err, ErrMissingMonitor)
	})

	t.Run("stale monitor", func(t *testing.T) {
		stale, err := newMonitor(f.signer, op, 100_000, 100_000_000, 0, genesisRef())
		require.NoError(t, err)
		_, err = f.engine.DecodeManager(blob, cfg, []channel.Monitor{stale})
		assert.ErrorIs(t, err, ErrStaleMonitor)
	})

	t.Run("foreign node", func(t *testing.T) {
		other := cfg
		other.Signer = testSigner(t, 5)
		_, err := f.engine.DecodeManager(blob, other, nil)
		assert.ErrorIs(t, err, ErrForeignState)
	})

	t.Run("foreign network", func(t *testing.T) {
		other := cfg
		other.Network = &chaincfg.TestNet3Params
		_, err := f.engine.DecodeManager(blob, other, nil)
		assert.ErrorIs(t, err, ErrForeignState)
	})

	t.Run("adopts unknown monitor", func(t *testing.T) {
		mon, _ := f.watcher.Monitor(op)
		extra, err := newMonitor(f.signer, testOutpoint(9, 0), 1_000, 1_000_000, 0, genesisRef())
		require.NoError(t, err)
		mgr, err := f.engine.DecodeManager(blob, cfg, []channel.Monitor{mon, extra})
		require.NoError(t, err)
		assert.Len(t, mgr.Channels(), 2)
	})
}

func TestManager_BlockConnected(t *testing.T) {
	f := newFixture(t)
	hdr := mineHeader(*testNet.GenesisHash, 1)
	require.NoError(t, f.manager.BlockConnected(context.Background(), hdr, 1))
	assert.Equal(t, channel.BlockRef{Hash: hdr.BlockHash(), Height: 1}, f.manager.BestBlock())

	// Replays of older heights are ignored.
	require.NoError(t, f.manager.BlockConnected(context.Background(), mineHeader(*testNet.GenesisHash, 2), 1))
	assert.Equal(t, hdr.BlockHash(), f.manager.BestBlock().Hash)
}

func TestGraphAndScorer(t *testing.T) {
	e := New(nil)
	g := e.NewGraph(testNet).(*Graph)
	g.AddChannel(GraphChannel{ShortChannelID: 1, NodeA: "a", NodeB: "b", CapacitySat: 10})
	g.AddChannel(GraphChannel{ShortChannelID: 1, NodeA: "a", NodeB: "c", CapacitySat: 20})
	assert.Equal(t, 1, g.Len())

	blob, err := g.Encode()
	require.NoError(t, err)
	g2, err := e.DecodeGraph(blob, testNet)
	require.NoError(t, err)

	_, err = e.DecodeGraph(blob, &chaincfg.MainNetParams)
	assert.ErrorIs(t, err, ErrForeignState)

	s := e.NewScorer(g2).(*Scorer)
	s.Penalize(1, 500)
	s.Penalize(1, 250)
	sblob, err := s.Encode()
	require.NoError(t, err)

	s2, err := e.DecodeScorer(sblob, g2)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), s2.(*Scorer).Penalty(1))

	_, err = e.DecodeScorer(sblob, e.NewGraph(&chaincfg.MainNetParams))
	assert.True(t, errors.Is(err, ErrForeignState))
}

func TestManager_TempIDsFollowSession(t *testing.T) {
	e := New(nil)
	signer := testSigner(t, 0)
	open := func(session byte) events.Hash {
		cfg := channel.ManagerConfig{
			Network: testNet,
			Signer:  signer,
			Watcher: e.NewWatcher(newMemPersister()),
			Session: [32]byte{session},
		}
		mgr, err := e.NewManager(cfg, genesisRef())
		require.NoError(t, err)
		temp, err := mgr.(*Manager).OpenChannel(context.Background(), 50_000, 0, 1)
		require.NoError(t, err)
		return temp
	}

	assert.Equal(t, open(1), open(1))
	assert.NotEqual(t, open(1), open(2))
}
