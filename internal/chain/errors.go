package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrForked is returned by Walk when a listener's last-seen block is not an
// ancestor of the best chain tip.
var ErrForked = errors.New("block is not on the best chain")

// TransientError wraps a chain backend failure that may succeed on retry,
// such as an unreachable RPC endpoint.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BroadcastError is a non-benign transaction rejection. The caller built
// an invalid transaction; this is a defect, not a retryable condition.
type BroadcastError struct {
	Txid chainhash.Hash
	Err  error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast %s: %v", e.Txid, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// benignRejections are bitcoind rejection reasons meaning the transaction
// is already irrelevant: confirmed, double-spending a settled input, a
// replacement that lost, or not yet final.
var benignRejections = []string{
	"Transaction already in block chain",
	"Inputs missing or spent",
	"bad-txns-inputs-missingorspent",
	"txn-mempool-conflict",
	"non-BIP68-final",
	"insufficient fee, rejecting replacement ",
}

// IsBenignBroadcastError reports whether err matches a benign rejection.
func IsBenignBroadcastError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range benignRejections {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
