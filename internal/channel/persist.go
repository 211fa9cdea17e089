package channel

import "context"

// PersistStatus is the two-valued outcome of a persistence call.
type PersistStatus int

const (
	// PersistCompleted means the state is durable.
	PersistCompleted PersistStatus = iota

	// PersistPermanentFailure means the state could not be made durable.
	// The engine must not continue operating the channel.
	PersistPermanentFailure
)

// String returns the status name.
func (s PersistStatus) String() string {
	switch s {
	case PersistCompleted:
		return "completed"
	case PersistPermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Persister makes channel state durable on behalf of the engine.
type Persister interface {
	// PersistNew registers a channel's first state.
	PersistNew(ctx context.Context, op Outpoint, m Monitor) PersistStatus

	// PersistFull replaces the stored state with the full monitor.
	PersistFull(ctx context.Context, op Outpoint, m Monitor) PersistStatus

	// PersistIncremental records u, already applied to m, as a delta.
	PersistIncremental(ctx context.Context, op Outpoint, u Update, m Monitor) PersistStatus
}
