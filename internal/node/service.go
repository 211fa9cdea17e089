package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/chanvault/internal/chain"
	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/ids"
	"github.com/roach88/chanvault/internal/keys"
	"github.com/roach88/chanvault/internal/recovery"
	"github.com/roach88/chanvault/internal/store"
)

// BackendFactory returns the chain backend for a node.
type BackendFactory func(ctx context.Context, node store.Node) (chain.Backend, error)

// Status classifies the outcome of starting one node.
type Status string

const (
	StatusRunning     Status = "running"
	StatusFatal       Status = "fatal"
	StatusUnreachable Status = "unreachable"
	StatusFailed      Status = "failed"
)

// StartResult is the outcome of starting one node in StartAll.
type StartResult struct {
	Node   string
	Status Status
	Err    error
}

// Classify maps a Start error to a Status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusRunning
	case recovery.IsFatal(err):
		return StatusFatal
	case chain.IsTransient(err):
		return StatusUnreachable
	default:
		return StatusFailed
	}
}

// Service provisions nodes and starts them into a Registry.
type Service struct {
	store    *store.Store
	keys     *keys.Hierarchy
	engine   channel.Engine
	backends BackendFactory
	registry *Registry

	ids            ids.Generator
	now            func() time.Time
	logger         *slog.Logger
	catchUp        bool
	pumpEvents     bool
	pollInterval   time.Duration
	graphInterval  time.Duration
	scorerInterval time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIDs sets the node id generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Service) { s.ids = g }
}

// WithClock sets the wall clock read when a node starts. The start time
// seeds the node's session entropy.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCatchUp enables or disables chain catch-up on restart.
func WithCatchUp(enabled bool) Option {
	return func(s *Service) { s.catchUp = enabled }
}

// WithIntervals sets the chain poll and routing persistence intervals.
// Zero keeps the default.
func WithIntervals(poll, graph, scorer time.Duration) Option {
	return func(s *Service) {
		if poll > 0 {
			s.pollInterval = poll
		}
		if graph > 0 {
			s.graphInterval = graph
		}
		if scorer > 0 {
			s.scorerInterval = scorer
		}
	}
}

// WithEventPump controls whether started nodes handle events in the
// background. When disabled, callers drive Handle.ProcessEvents.
func WithEventPump(enabled bool) Option {
	return func(s *Service) { s.pumpEvents = enabled }
}

// NewService returns a Service over st.
func NewService(st *store.Store, h *keys.Hierarchy, engine channel.Engine, backends BackendFactory, reg *Registry, opts ...Option) *Service {
	s := &Service{
		store:          st,
		keys:           h,
		engine:         engine,
		backends:       backends,
		registry:       reg,
		ids:            ids.UUIDv7{},
		now:            time.Now,
		logger:         slog.Default(),
		catchUp:        true,
		pumpEvents:     true,
		pollInterval:   chain.DefaultPollInterval,
		graphInterval:  DefaultRoutingInterval,
		scorerInterval: DefaultRoutingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the running set.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Provision creates a node: it ensures the master seed exists, allocates
// the next key record and stores the derived public key.
func (s *Service) Provision(ctx context.Context) (store.Node, error) {
	if _, err := s.keys.EnsureMasterSeed(ctx); err != nil {
		return store.Node{}, fmt.Errorf("provision: %w", err)
	}
	rec, err := s.keys.AllocateNodeKey(ctx)
	if err != nil {
		return store.Node{}, fmt.Errorf("provision: %w", err)
	}
	m, err := s.keys.DeriveNodeKey(ctx, rec.ID)
	if err != nil {
		return store.Node{}, fmt.Errorf("provision: %w", err)
	}
	n := store.Node{ID: s.ids.NewID(), PubKey: m.PubKeyHex(), KeyID: rec.ID}
	if err := s.store.InsertNode(ctx, n); err != nil {
		return store.Node{}, fmt.Errorf("provision: %w", err)
	}
	s.logger.Info("node provisioned", "node", n.ID, "pubkey", n.PubKey, "child_index", rec.ChildIndex)
	return n, nil
}

// List returns every provisioned node.
func (s *Service) List(ctx context.Context) ([]store.Node, error) {
	return s.store.ListNodes(ctx)
}

// LookupByPubkey returns the node with the given hex public key.
func (s *Service) LookupByPubkey(ctx context.Context, pubkey string) (store.Node, error) {
	return s.store.NodeByPubkey(ctx, pubkey)
}

// Recover runs recovery for nodeID without registering it. With dryRun
// nothing is written.
func (s *Service) Recover(ctx context.Context, nodeID string, dryRun bool) (*recovery.Result, error) {
	node, err := s.store.Node(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", nodeID, err)
	}
	backend, err := s.backends(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", nodeID, err)
	}
	return recovery.Recover(ctx, s.deps(backend, dryRun), nodeID)
}

// Start recovers nodeID, starts its background loops and registers it.
// A node whose recovery fails is never registered.
func (s *Service) Start(ctx context.Context, nodeID string) (*Handle, error) {
	if _, running := s.registry.Get(nodeID); running {
		return nil, fmt.Errorf("start %s: %w", nodeID, ErrAlreadyRunning)
	}
	node, err := s.store.Node(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", nodeID, err)
	}
	backend, err := s.backends(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", nodeID, err)
	}

	res, err := recovery.Recover(ctx, s.deps(backend, false), nodeID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("node", nodeID)
	h, err := newHandle(res, backend, s.pollInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", nodeID, err)
	}
	if err := s.registry.Insert(h); err != nil {
		return nil, err
	}
	h.start(s.graphInterval, s.scorerInterval, s.pumpEvents)
	logger.Info("node started", "pubkey", h.PubKey, "channels", h.Report.Channels, "path", h.Report.Path)
	return h, nil
}

// StartAll starts every provisioned node that is not running. Failures
// are reported per node and do not stop the others.
func (s *Service) StartAll(ctx context.Context) ([]StartResult, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("start all: %w", err)
	}
	results := make([]StartResult, 0, len(nodes))
	for _, n := range nodes {
		if _, running := s.registry.Get(n.ID); running {
			continue
		}
		_, err := s.Start(ctx, n.ID)
		r := StartResult{Node: n.ID, Status: Classify(err), Err: err}
		switch r.Status {
		case StatusFatal:
			s.logger.Error("node refused to start", "node", n.ID, "error", err)
		case StatusUnreachable:
			s.logger.Warn("node chain backend unreachable", "node", n.ID, "error", err)
		case StatusFailed:
			s.logger.Error("node failed to start", "node", n.ID, "error", err)
		}
		results = append(results, r)
	}
	return results, nil
}

// Stop closes and unregisters nodeID.
func (s *Service) Stop(nodeID string) error {
	h, ok := s.registry.Remove(nodeID)
	if !ok {
		return fmt.Errorf("stop %s: %w", nodeID, ErrNotRunning)
	}
	return h.Close()
}

// Close stops every running node.
func (s *Service) Close() error {
	var errs []error
	s.registry.Each(func(h *Handle) {
		s.registry.Remove(h.ID)
		errs = append(errs, h.Close())
	})
	return errors.Join(errs...)
}

func (s *Service) deps(backend chain.Backend, dryRun bool) recovery.Deps {
	return recovery.Deps{
		Store:   s.store,
		Keys:    s.keys,
		Engine:  s.engine,
		Chain:   backend,
		CatchUp: s.catchUp,
		DryRun:  dryRun,
		Started: s.now(),
		Logger:  s.logger,
	}
}
