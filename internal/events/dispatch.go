package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/chain"
)

// ErrUnknownEvent is returned for an Event type Handle does not match.
var ErrUnknownEvent = errors.New("unknown event type")

// Channels is the set of protocol engine operations event handlers call
// back into.
type Channels interface {
	FundingTransactionGenerated(ctx context.Context, temp Hash, tx *wire.MsgTx) error
	ClaimFunds(ctx context.Context, preimage Hash) error
	ProcessPendingForwards(ctx context.Context) error
	SpendOutputs(ctx context.Context, outputs []SpendableOutput, script []byte, feeRate uint32) (*wire.MsgTx, error)
}

// Sweeper supplies the script swept outputs are paid to.
type Sweeper interface {
	SweepScript() ([]byte, error)
}

// Dispatcher handles events for one node.
type Dispatcher struct {
	Channels    Channels
	Wallet      chain.Wallet
	Fees        chain.FeeEstimator
	Broadcaster chain.Broadcaster
	Sweeper     Sweeper
	Payments    *PaymentLedger
	Logger      *slog.Logger
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Handle processes one event. It returns after every action the event
// requires has completed.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	log := d.logger()
	log.Debug("handling event", "kind", ev.Kind())

	switch e := ev.(type) {
	case FundingGenerationReady:
		tx, err := chain.CreateFundingTx(ctx, d.Wallet, d.Fees, e.OutputScript, e.ValueSat)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Kind(), err)
		}
		if err := d.Channels.FundingTransactionGenerated(ctx, e.TempChannelID, tx); err != nil {
			return fmt.Errorf("%s: %w", e.Kind(), err)
		}
		if err := d.Broadcaster.Broadcast(ctx, tx); err != nil {
			return fmt.Errorf("%s: %w", e.Kind(), err)
		}
		log.Info("funding transaction broadcast", "txid", tx.TxHash(), "value_sat", e.ValueSat)

	case PaymentReceived:
		if e.Preimage == nil {
			d.Payments.Record(Payment{Hash: e.PaymentHash, Direction: Inbound, Status: PaymentFailure, AmountMsat: e.AmountMsat, Reason: "unknown preimage"})
			log.Warn("cannot claim payment without preimage", "payment_hash", hashHex(e.PaymentHash))
			return nil
		}
		if err := d.Channels.ClaimFunds(ctx, *e.Preimage); err != nil {
			return fmt.Errorf("%s: %w", e.Kind(), err)
		}
		d.Payments.Record(Payment{Hash: e.PaymentHash, Direction: Inbound, Status: PaymentSucceeded, AmountMsat: e.AmountMsat, Preimage: e.Preimage})
		log.Info("claimed payment", "payment_hash", hashHex(e.PaymentHash), "amount_msat", e.AmountMsat)

	case PaymentSent:
		preimage := e.Preimage
		d.Payments.Record(Payment{Hash: e.PaymentHash, Direction: Outbound, Status: PaymentSucceeded, AmountMsat: e.AmountMsat, Preimage: &preimage})
		log.Info("payment sent", "payment_hash", hashHex(e.PaymentHash), "amount_msat", e.AmountMsat)

	case PaymentFailed:
		d.Payments.Record(Payment{Hash: e.PaymentHash, Direction: Outbound, Status: PaymentFailure, Reason: e.Reason})
		log.Warn("payment failed", "payment_hash", hashHex(e.PaymentHash), "reason", e.Reason)

	case PendingHTLCsForwardable:
		if err := d.Channels.ProcessPendingForwards(ctx); err != nil {
			return fmt.Errorf("%s: %w", e.Kind(), err)
		}

	case SpendableOutputs:
		script, err := d.Sweeper.SweepScript()
		if err != nil {
			return fmt.Errorf("%s: %w", e.Kind(), err)
		}
		tx, err := d.Channels.SpendOutputs(ctx, e.Outputs, script, d.Fees.EstimateFee(ctx, chain.Background))
		if err != nil {
			return fmt.Errorf("%s: %w", e.Kind(), err)
		}
		if err := d.Broadcaster.Broadcast(ctx, tx); err != nil {
			return fmt.Errorf("%s: %w", e.Kind(), err)
		}
		log.Info("swept outputs", "txid", tx.TxHash(), "count", len(e.Outputs))

	case ChannelClosed:
		log.Info("channel closed", "channel", e.Channel, "user_channel_id", e.UserChannelID, "reason", e.Reason)

	case DiscardFunding:
		txid := ""
		if e.Tx != nil {
			txid = e.Tx.TxHash().String()
		}
		log.Warn("discarding funding transaction", "temp_channel_id", hashHex(e.TempChannelID), "txid", txid)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return nil
}

// HandleAll handles queued events in order, stopping at the first error.
// The failed event is not requeued; later events stay queued. Returns the
// number of events handled successfully.
func (d *Dispatcher) HandleAll(ctx context.Context, q *Queue) (int, error) {
	n := 0
	for {
		ev, ok := q.TryDequeue()
		if !ok {
			return n, nil
		}
		if err := d.Handle(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
}
