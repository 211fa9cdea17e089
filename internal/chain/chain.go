package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/channel"
)

// FeeFloor is the minimum fee rate in satoshis per 1000 weight units
// (1 sat/vbyte rounded up). It is returned whenever estimation fails or
// produces a lower value.
const FeeFloor uint32 = 253

// Priority is a confirmation urgency tier.
type Priority int

const (
	// Background targets confirmation within about a day.
	Background Priority = iota
	// Normal targets confirmation within about three hours.
	Normal
	// HighPriority targets confirmation within about an hour.
	HighPriority
)

func (p Priority) String() string {
	switch p {
	case Background:
		return "background"
	case Normal:
		return "normal"
	case HighPriority:
		return "high_priority"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Target returns the confirmation target in blocks.
func (p Priority) Target() int64 {
	switch p {
	case Background:
		return 144
	case HighPriority:
		return 6
	default:
		return 18
	}
}

// Header is a block header with its height.
type Header struct {
	Header wire.BlockHeader
	Height int32
}

// Ref returns the block reference for h.
func (h *Header) Ref() channel.BlockRef {
	return channel.BlockRef{Hash: h.Header.BlockHash(), Height: h.Height}
}

// BlockSource reads the best chain. Failures are TransientError.
type BlockSource interface {
	GetHeader(ctx context.Context, hash *chainhash.Hash) (*Header, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBestBlock(ctx context.Context) (channel.BlockRef, error)
}

// FeeEstimator returns fee rates in sat/kw. It never fails; estimation
// errors yield FeeFloor.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, p Priority) uint32
}

// Broadcaster publishes transactions. Benign rejections (already
// confirmed, conflicting with a settled spend) are swallowed; any other
// rejection is a BroadcastError.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// Wallet is the on-chain wallet that funds channel outputs.
type Wallet interface {
	// FundTx adds inputs and change to tx at feeRate sat/kw. changePos is
	// -1 if no change output was added.
	FundTx(ctx context.Context, tx *wire.MsgTx, feeRate uint32) (funded *wire.MsgTx, changePos int, err error)
	SignTx(ctx context.Context, tx *wire.MsgTx) (signed *wire.MsgTx, complete bool, err error)
	NewAddress(ctx context.Context) (btcutil.Address, error)
}

// Backend bundles every capability a node needs from its chain.
type Backend interface {
	BlockSource
	FeeEstimator
	Broadcaster
	Wallet
}

// CreateFundingTx builds, funds and signs a transaction paying value
// satoshis to script at the Normal fee rate.
func CreateFundingTx(ctx context.Context, w Wallet, fees FeeEstimator, script []byte, value int64) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(value, script))

	funded, _, err := w.FundTx(ctx, tx, fees.EstimateFee(ctx, Normal))
	if err != nil {
		return nil, fmt.Errorf("fund transaction: %w", err)
	}
	signed, complete, err := w.SignTx(ctx, funded)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if !complete {
		return nil, fmt.Errorf("sign transaction %s: wallet could not sign every input", funded.TxHash())
	}
	return signed, nil
}

// SatPerKW converts a BTC/kvB rate as reported by bitcoind to sat/kw,
// applying FeeFloor.
func SatPerKW(btcPerKvB float64) uint32 {
	satPerKvB := btcPerKvB * btcutil.SatoshiPerBitcoin
	satPerKW := uint32(satPerKvB / 4)
	if satPerKW < FeeFloor {
		return FeeFloor
	}
	return satPerKW
}

// BTCPerKvB converts a sat/kw rate to the BTC/kvB unit bitcoind expects.
func BTCPerKvB(satPerKW uint32) float64 {
	return float64(satPerKW) * 4 / btcutil.SatoshiPerBitcoin
}
