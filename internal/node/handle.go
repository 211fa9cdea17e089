package node

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/chanvault/internal/chain"
	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/events"
	"github.com/roach88/chanvault/internal/keys"
	"github.com/roach88/chanvault/internal/persist"
	"github.com/roach88/chanvault/internal/recovery"
	"github.com/roach88/chanvault/internal/store"
)

// DefaultRoutingInterval is how often the graph and scorer are persisted.
const DefaultRoutingInterval = 600 * time.Second

// Handle is a running node.
type Handle struct {
	ID     string
	PubKey string

	Signer     *keys.SigningMaterial
	Session    [32]byte
	Manager    channel.Manager
	Watcher    channel.Watcher
	Graph      channel.Graph
	Scorer     channel.Scorer
	Channels   *store.ChannelStore
	Aux        *store.AuxStore
	Backend    chain.Backend
	Poller     *chain.Poller
	Dispatcher *events.Dispatcher
	Payments   *events.PaymentLedger
	Report     recovery.Report

	queues []*events.Queue
	logger *slog.Logger
	cancel context.CancelFunc
	group  *errgroup.Group
}

func newHandle(res *recovery.Result, backend chain.Backend, pollInterval time.Duration, logger *slog.Logger) (*Handle, error) {
	channels, ok := res.Manager.(events.Channels)
	if !ok {
		return nil, errors.New("manager does not handle channel events")
	}

	h := &Handle{
		ID:       res.Node.ID,
		PubKey:   res.Node.PubKey,
		Signer:   res.Signer,
		Session:  res.Session,
		Manager:  res.Manager,
		Watcher:  res.Watcher,
		Graph:    res.Graph,
		Scorer:   res.Scorer,
		Channels: res.Channels,
		Aux:      res.Aux,
		Backend:  backend,
		Payments: events.NewPaymentLedger(),
		Report:   res.Report,
		logger:   logger,
	}
	h.Dispatcher = &events.Dispatcher{
		Channels:    channels,
		Wallet:      backend,
		Fees:        backend,
		Broadcaster: backend,
		Sweeper:     res.Signer,
		Payments:    h.Payments,
		Logger:      logger,
	}
	for _, c := range []any{res.Manager, res.Watcher} {
		if src, ok := c.(events.Source); ok {
			h.queues = append(h.queues, src.Events())
		}
	}

	h.Poller = chain.NewPoller(backend, res.Manager.BestBlock(), pollInterval, logger)
	h.Poller.Register(res.Watcher)
	h.Poller.Register(res.Manager)
	h.Poller.OnTip(func(ctx context.Context, _ channel.BlockRef) {
		h.saveManager(ctx)
	})
	return h, nil
}

// start launches the background loops.
func (h *Handle) start(graphEvery, scorerEvery time.Duration, pumpEvents bool) {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	h.group = g

	g.Go(func() error { return h.Poller.Run(ctx) })
	g.Go(func() error {
		h.every(ctx, graphEvery, func(ctx context.Context) error { return persist.SaveGraph(ctx, h.Aux, h.Graph) }, "network graph")
		return nil
	})
	g.Go(func() error {
		h.every(ctx, scorerEvery, func(ctx context.Context) error { return persist.SaveScorer(ctx, h.Aux, h.Scorer) }, "scorer")
		return nil
	})
	if pumpEvents {
		g.Go(func() error {
			h.pump(ctx)
			return nil
		})
	}
}

func (h *Handle) every(ctx context.Context, interval time.Duration, fn func(context.Context) error, what string) {
	if interval <= 0 {
		interval = DefaultRoutingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("persist "+what+" failed", "error", err)
			}
		}
	}
}

// pump handles engine events as they are queued.
func (h *Handle) pump(ctx context.Context) {
	for {
		if _, err := h.ProcessEvents(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("event handling failed", "error", err)
		}

		var mgrSignal, watchSignal <-chan struct{}
		if len(h.queues) > 0 {
			mgrSignal = h.queues[0].Wait()
		}
		if len(h.queues) > 1 {
			watchSignal = h.queues[1].Wait()
		}
		select {
		case <-ctx.Done():
			return
		case <-mgrSignal:
		case <-watchSignal:
		}
	}
}

// ProcessEvents handles every queued event until the queues are empty,
// then persists the manager. Events raised while handling are handled in
// the same call. A failed event is logged and dropped.
func (h *Handle) ProcessEvents(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for {
		handled := 0
		for _, q := range h.queues {
			for {
				n, err := h.Dispatcher.HandleAll(ctx, q)
				handled += n
				if err == nil {
					break
				}
				errs = append(errs, err)
				h.logger.Warn("dropping event after failure", "error", err)
			}
		}
		total += handled
		if handled == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if total > 0 || len(errs) > 0 {
		h.saveManager(ctx)
	}
	return total, errors.Join(errs...)
}

// PersistRouting writes the graph and scorer now.
func (h *Handle) PersistRouting(ctx context.Context) error {
	return errors.Join(
		persist.SaveGraph(ctx, h.Aux, h.Graph),
		persist.SaveScorer(ctx, h.Aux, h.Scorer),
	)
}

func (h *Handle) saveManager(ctx context.Context) {
	if err := persist.SaveManager(ctx, h.Aux, h.Manager); err != nil && ctx.Err() == nil {
		h.logger.Error("persist manager failed", "error", err)
	}
}

// Close stops the background loops and persists the manager and routing
// state one last time.
func (h *Handle) Close() error {
	if h.cancel != nil {
		h.cancel()
		_ = h.group.Wait()
		h.cancel = nil
	}
	ctx := context.Background()
	err := errors.Join(
		persist.SaveManager(ctx, h.Aux, h.Manager),
		h.PersistRouting(ctx),
	)
	h.logger.Info("node stopped")
	return err
}
