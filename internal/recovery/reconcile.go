package recovery

import (
	"fmt"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/store"
)

// Reconcile applies deltas to m in ascending sequence order using the
// engine's own update routine. Each delta's sequence must equal the id of
// the update it encodes. Returns the number of deltas applied.
func Reconcile(engine channel.Engine, m channel.Monitor, deltas []store.Delta) (int, error) {
	for i := 1; i < len(deltas); i++ {
		if deltas[i].Sequence <= deltas[i-1].Sequence {
			return 0, fmt.Errorf("delta %d after %d: %w", deltas[i].Sequence, deltas[i-1].Sequence, channel.ErrUpdateOrder)
		}
	}
	for i, d := range deltas {
		u, err := engine.DecodeUpdate(d.Blob)
		if err != nil {
			return i, fmt.Errorf("decode delta %d: %w", d.Sequence, err)
		}
		if u.ID() != d.Sequence {
			return i, fmt.Errorf("delta %d encodes update %d", d.Sequence, u.ID())
		}
		if err := m.Apply(u); err != nil {
			return i, fmt.Errorf("apply delta %d: %w", d.Sequence, err)
		}
	}
	return len(deltas), nil
}
