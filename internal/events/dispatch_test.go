package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chanvault/internal/chain"
	"github.com/roach88/chanvault/internal/chain/chaintest"
	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/events"
)

type fakeChannels struct {
	funded   map[events.Hash]*wire.MsgTx
	claimed  []events.Hash
	forwards int
	spent    [][]events.SpendableOutput
	sweepTo  []byte
	feeRate  uint32
	claimErr error
}

func (f *fakeChannels) FundingTransactionGenerated(_ context.Context, temp events.Hash, tx *wire.MsgTx) error {
	if f.funded == nil {
		f.funded = make(map[events.Hash]*wire.MsgTx)
	}
	f.funded[temp] = tx
	return nil
}

func (f *fakeChannels) ClaimFunds(_ context.Context, preimage events.Hash) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claimed = append(f.claimed, preimage)
	return nil
}

func (f *fakeChannels) ProcessPendingForwards(context.Context) error {
	f.forwards++
	return nil
}

func (f *fakeChannels) SpendOutputs(_ context.Context, outs []events.SpendableOutput, script []byte, feeRate uint32) (*wire.MsgTx, error) {
	f.spent = append(f.spent, outs)
	f.sweepTo = script
	f.feeRate = feeRate
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1000, script))
	return tx, nil
}

type staticSweeper []byte

func (s staticSweeper) SweepScript() ([]byte, error) { return s, nil }

func newDispatcher(t *testing.T) (*events.Dispatcher, *fakeChannels, *chaintest.Chain) {
	t.Helper()
	c := chaintest.New(&chaincfg.RegressionNetParams)
	fc := &fakeChannels{}
	return &events.Dispatcher{
		Channels:    fc,
		Wallet:      c,
		Fees:        c,
		Broadcaster: c,
		Sweeper:     staticSweeper{0x00, 0x14},
		Payments:    events.NewPaymentLedger(),
	}, fc, c
}

func TestHandle_FundingGenerationReady(t *testing.T) {
	d, fc, c := newDispatcher(t)
	temp := events.Hash{1}

	err := d.Handle(context.Background(), events.FundingGenerationReady{
		TempChannelID: temp,
		ValueSat:      50_000,
		OutputScript:  []byte{0x00, 0x20},
	})
	require.NoError(t, err)

	tx := fc.funded[temp]
	require.NotNil(t, tx)
	assert.Equal(t, int64(50_000), tx.TxOut[0].Value)
	require.Len(t, c.Broadcasts(), 1)
	assert.Equal(t, tx.TxHash(), c.Broadcasts()[0].TxHash())
}

func TestHandle_FundingBroadcastRejected(t *testing.T) {
	d, _, c := newDispatcher(t)
	c.RejectBroadcasts(errors.New("-26: mandatory-script-verify-flag-failed"))

	err := d.Handle(context.Background(), events.FundingGenerationReady{ValueSat: 1, OutputScript: []byte{0x51}})
	var be *chain.BroadcastError
	assert.ErrorAs(t, err, &be)
}

func TestHandle_PaymentReceivedClaims(t *testing.T) {
	d, fc, _ := newDispatcher(t)
	preimage := events.Hash{9}
	hash := events.Hash{8}

	require.NoError(t, d.Handle(context.Background(), events.PaymentReceived{PaymentHash: hash, AmountMsat: 1000, Preimage: &preimage}))
	assert.Equal(t, []events.Hash{preimage}, fc.claimed)

	p, ok := d.Payments.Get(hash)
	require.True(t, ok)
	assert.Equal(t, events.PaymentSucceeded, p.Status)
	assert.Equal(t, events.Inbound, p.Direction)
}

func TestHandle_PaymentReceivedWithoutPreimage(t *testing.T) {
	d, fc, _ := newDispatcher(t)
	hash := events.Hash{8}

	require.NoError(t, d.Handle(context.Background(), events.PaymentReceived{PaymentHash: hash, AmountMsat: 1000}))
	assert.Empty(t, fc.claimed)
	p, _ := d.Payments.Get(hash)
	assert.Equal(t, events.PaymentFailure, p.Status)
}

func TestHandle_PaymentOutcomes(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, events.PaymentSent{PaymentHash: events.Hash{1}, Preimage: events.Hash{2}, AmountMsat: 5}))
	require.NoError(t, d.Handle(ctx, events.PaymentFailed{PaymentHash: events.Hash{3}, Reason: "insufficient balance"}))

	all := d.Payments.All()
	require.Len(t, all, 2)
	assert.Equal(t, events.PaymentSucceeded, all[0].Status)
	assert.Equal(t, events.PaymentFailure, all[1].Status)
	assert.Equal(t, "insufficient balance", all[1].Reason)
}

func TestHandle_SpendableOutputsSweeps(t *testing.T) {
	d, fc, c := newDispatcher(t)
	c.SetFee(chain.Background, 1000)

	outs := []events.SpendableOutput{{Outpoint: channel.Outpoint{Txid: chainhash.Hash{5}}, ValueSat: 20_000}}
	require.NoError(t, d.Handle(context.Background(), events.SpendableOutputs{Outputs: outs}))

	require.Len(t, fc.spent, 1)
	assert.Equal(t, outs, fc.spent[0])
	assert.Equal(t, []byte{0x00, 0x14}, fc.sweepTo)
	assert.Equal(t, uint32(1000), fc.feeRate)
	assert.Len(t, c.Broadcasts(), 1)
}

func TestHandle_EveryKind(t *testing.T) {
	d, fc, _ := newDispatcher(t)
	preimage := events.Hash{1}

	all := []events.Event{
		events.FundingGenerationReady{ValueSat: 1, OutputScript: []byte{0x51}},
		events.PaymentReceived{Preimage: &preimage},
		events.PaymentSent{},
		events.PaymentFailed{},
		events.PendingHTLCsForwardable{},
		events.SpendableOutputs{},
		events.ChannelClosed{},
		events.DiscardFunding{Tx: wire.NewMsgTx(2)},
	}
	kinds := make(map[string]bool)
	for _, ev := range all {
		assert.NoError(t, d.Handle(context.Background(), ev), ev.Kind())
		kinds[ev.Kind()] = true
	}
	assert.Len(t, kinds, len(all), "kinds are distinct")
	assert.Equal(t, 1, fc.forwards)
}

func TestHandleAll_StopsAtFirstError(t *testing.T) {
	d, fc, _ := newDispatcher(t)
	fc.claimErr = errors.New("unknown htlc")
	preimage := events.Hash{1}

	q := events.NewQueue()
	q.Enqueue(events.PendingHTLCsForwardable{})
	q.Enqueue(events.PaymentReceived{Preimage: &preimage})
	q.Enqueue(events.ChannelClosed{})

	n, err := d.HandleAll(context.Background(), q)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, fc.claimErr)
	assert.Equal(t, 1, q.Len())
}
