package ledger

import "errors"

var (
	ErrForeignState        = errors.New("state belongs to a different node or network")
	ErrMissingMonitor      = errors.New("manager references a channel with no monitor")
	ErrStaleMonitor        = errors.New("monitor is older than the manager")
	ErrAlreadyWatched      = errors.New("channel already watched")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrChannelClosed       = errors.New("channel is closed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownHTLC         = errors.New("no claimable HTLC for preimage")
	ErrPersistFailed       = errors.New("channel state could not be persisted")
	ErrInvalidUpdate       = errors.New("invalid channel update")
)
