package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/events"
)

// Watcher holds every live monitor for a node, applies updates to them and
// persists them through a channel.Persister.
type Watcher struct {
	persister channel.Persister
	queue     *events.Queue
	logger    *slog.Logger

	mu       sync.Mutex
	monitors map[channel.Outpoint]*Monitor
	best     channel.BlockRef
}

var (
	_ channel.Watcher = (*Watcher)(nil)
	_ events.Source   = (*Watcher)(nil)
)

func newWatcher(p channel.Persister, logger *slog.Logger) *Watcher {
	return &Watcher{
		persister: p,
		queue:     events.NewQueue(),
		logger:    logger,
		monitors:  make(map[channel.Outpoint]*Monitor),
	}
}

// Watch implements channel.Watcher. The monitor is persisted in full
// before it is tracked.
func (w *Watcher) Watch(ctx context.Context, m channel.Monitor) error {
	lm, ok := m.(*Monitor)
	if !ok {
		return fmt.Errorf("watch: unsupported monitor type %T", m)
	}
	op := lm.FundingOutpoint()

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.monitors[op]; exists {
		return fmt.Errorf("watch %s: %w", op, ErrAlreadyWatched)
	}
	// Blocks connected during catch-up may have matured the output.
	out, spendable := lm.takeSpendable()
	if status := w.persister.PersistNew(ctx, op, lm); status != channel.PersistCompleted {
		return fmt.Errorf("watch %s: %w", op, ErrPersistFailed)
	}
	w.monitors[op] = lm
	if b := lm.BestBlock(); b.Height > w.best.Height {
		w.best = b
	}
	if spendable {
		w.queue.Enqueue(events.SpendableOutputs{Outputs: []events.SpendableOutput{out}})
	}
	return nil
}

// UpdateChannel implements channel.Watcher.
func (w *Watcher) UpdateChannel(ctx context.Context, op channel.Outpoint, u channel.Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.monitors[op]
	if !ok {
		return fmt.Errorf("update %s: %w", op, ErrUnknownChannel)
	}
	if err := m.Apply(u); err != nil {
		return fmt.Errorf("update %s: %w", op, err)
	}
	if status := w.persister.PersistIncremental(ctx, op, u, m); status != channel.PersistCompleted {
		return fmt.Errorf("update %s: %w", op, ErrPersistFailed)
	}
	return nil
}

// BestBlock implements channel.Listener.
func (w *Watcher) BestBlock() channel.BlockRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.best
}

// BlockConnected implements channel.Listener. Every monitor sees the block
// and is persisted in full; matured outputs are reported as one
// SpendableOutputs event.
func (w *Watcher) BlockConnected(ctx context.Context, header *wire.BlockHeader, height int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		errs      []error
		spendable []events.SpendableOutput
	)
	for _, op := range w.sortedLocked() {
		m := w.monitors[op]
		if m.BestBlock().Height >= height {
			continue
		}
		if err := m.BlockConnected(ctx, header, height); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op, err))
			continue
		}
		if out, ok := m.takeSpendable(); ok {
			spendable = append(spendable, out)
		}
		if status := w.persister.PersistFull(ctx, op, m); status != channel.PersistCompleted {
			errs = append(errs, fmt.Errorf("%s: %w", op, ErrPersistFailed))
		}
	}
	w.best = channel.BlockRef{Hash: header.BlockHash(), Height: height}

	if len(spendable) > 0 {
		w.queue.Enqueue(events.SpendableOutputs{Outputs: spendable})
	}
	return errors.Join(errs...)
}

// Monitors implements channel.Watcher. Sorted by outpoint.
func (w *Watcher) Monitors() []channel.Monitor {
	w.mu.Lock()
	defer w.mu.Unlock()

	ops := w.sortedLocked()
	out := make([]channel.Monitor, len(ops))
	for i, op := range ops {
		out[i] = w.monitors[op]
	}
	return out
}

// Monitor returns the live monitor for op.
func (w *Watcher) Monitor(op channel.Outpoint) (*Monitor, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.monitors[op]
	return m, ok
}

// Events implements events.Source.
func (w *Watcher) Events() *events.Queue {
	return w.queue
}

func (w *Watcher) sortedLocked() []channel.Outpoint {
	ops := make([]channel.Outpoint, 0, len(w.monitors))
	for op := range w.monitors {
		ops = append(ops, op)
	}
	sortOutpoints(ops)
	return ops
}
