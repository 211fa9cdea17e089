package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/channel"
)

// DefaultPollInterval is how often Poller checks for a new tip.
const DefaultPollInterval = 10 * time.Second

// Poller delivers new blocks to registered listeners.
type Poller struct {
	src      BlockSource
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	tip       channel.BlockRef
	listeners []channel.Listener
	onTip     func(ctx context.Context, tip channel.BlockRef)
}

// NewPoller creates a Poller that considers tip already connected.
func NewPoller(src BlockSource, tip channel.BlockRef, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{src: src, tip: tip, interval: interval, logger: logger}
}

// Register adds a listener. Listeners see blocks in registration order.
func (p *Poller) Register(l channel.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// OnTip sets a hook called after each poll that advanced the tip.
func (p *Poller) OnTip(fn func(ctx context.Context, tip channel.BlockRef)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTip = fn
}

// Tip returns the last connected block.
func (p *Poller) Tip() channel.BlockRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tip
}

// Poll connects any blocks between the last seen tip and the current best
// block. Listener errors are logged and do not stop delivery to the other
// listeners. Returns the number of blocks connected.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best, err := p.src.GetBestBlock(ctx)
	if err != nil {
		return 0, err
	}
	if best.Hash == p.tip.Hash {
		return 0, nil
	}

	n, err := Walk(ctx, p.src, p.tip, best, p.connect)
	if errors.Is(err, ErrForked) {
		// Reorgs are not replayed; listeners resume from the new tip.
		p.logger.Warn("chain reorganized, skipping to new tip", "from", p.tip, "to", best)
		p.tip = best
		return 0, nil
	}
	if err != nil {
		return n, err
	}

	p.tip = best
	if p.onTip != nil {
		p.onTip(ctx, best)
	}
	return n, nil
}

func (p *Poller) connect(ctx context.Context, header *wire.BlockHeader, height int32) error {
	for _, l := range p.listeners {
		if err := l.BlockConnected(ctx, header, height); err != nil {
			p.logger.Error("listener failed to connect block", "height", height, "error", err)
		}
	}
	return nil
}

// Run polls until ctx is cancelled. Backend errors are logged and retried
// on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.Poll(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return nil
			case IsTransient(err):
				p.logger.Warn("chain poll failed", "error", err)
			case err != nil:
				p.logger.Error("chain poll failed", "error", err)
			case n > 0:
				p.logger.Debug("connected blocks", "count", n, "tip", p.Tip())
			}
		}
	}
}
