package events

import (
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/channel"
)

// Event is emitted by the protocol engine. The unexported method closes
// the set to the types in this package.
type Event interface {
	Kind() string
	event()
}

// Hash is a 32-byte payment hash or preimage.
type Hash [32]byte

// Kind names, used in logs and traces.
const (
	KindFundingGenerationReady  = "funding_generation_ready"
	KindPaymentReceived         = "payment_received"
	KindPaymentSent             = "payment_sent"
	KindPaymentFailed           = "payment_failed"
	KindPendingHTLCsForwardable = "pending_htlcs_forwardable"
	KindSpendableOutputs        = "spendable_outputs"
	KindChannelClosed           = "channel_closed"
	KindDiscardFunding          = "discard_funding"
)

// FundingGenerationReady asks for a funding transaction paying ValueSat
// to OutputScript.
type FundingGenerationReady struct {
	TempChannelID Hash
	ValueSat      int64
	OutputScript  []byte
	UserChannelID uint64
}

// PaymentReceived reports an inbound payment ready to be claimed.
// Preimage is nil when the engine does not know it.
type PaymentReceived struct {
	PaymentHash Hash
	AmountMsat  uint64
	Preimage    *Hash
}

// PaymentSent reports an outbound payment that completed.
type PaymentSent struct {
	PaymentHash Hash
	Preimage    Hash
	AmountMsat  uint64
}

// PaymentFailed reports an outbound payment that did not complete.
type PaymentFailed struct {
	PaymentHash Hash
	Reason      string
}

// PendingHTLCsForwardable asks for pending HTLCs to be processed after
// roughly Delay.
type PendingHTLCsForwardable struct {
	Delay time.Duration
}

// SpendableOutput is an output the node can sweep to its own wallet.
type SpendableOutput struct {
	Outpoint channel.Outpoint
	ValueSat int64
}

// SpendableOutputs reports outputs that matured and can be swept.
type SpendableOutputs struct {
	Outputs []SpendableOutput
}

// ChannelClosed reports that a channel stopped operating.
type ChannelClosed struct {
	Channel       channel.Outpoint
	UserChannelID uint64
	Reason        string
}

// DiscardFunding reports that a funding transaction will never be
// broadcast.
type DiscardFunding struct {
	TempChannelID Hash
	Tx            *wire.MsgTx
}

func (FundingGenerationReady) Kind() string  { return KindFundingGenerationReady }
func (PaymentReceived) Kind() string         { return KindPaymentReceived }
func (PaymentSent) Kind() string             { return KindPaymentSent }
func (PaymentFailed) Kind() string           { return KindPaymentFailed }
func (PendingHTLCsForwardable) Kind() string { return KindPendingHTLCsForwardable }
func (SpendableOutputs) Kind() string        { return KindSpendableOutputs }
func (ChannelClosed) Kind() string           { return KindChannelClosed }
func (DiscardFunding) Kind() string          { return KindDiscardFunding }

func (FundingGenerationReady) event()  {}
func (PaymentReceived) event()         {}
func (PaymentSent) event()             {}
func (PaymentFailed) event()           {}
func (PendingHTLCsForwardable) event() {}
func (SpendableOutputs) event()        {}
func (ChannelClosed) event()           {}
func (DiscardFunding) event()          {}

func hashHex(h Hash) string {
	return hex.EncodeToString(h[:])
}
