package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/chanvault/internal/chain"
	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/keys"
	"github.com/roach88/chanvault/internal/persist"
	"github.com/roach88/chanvault/internal/store"
)

// Path records whether the manager was decoded or created.
type Path string

const (
	PathRestart Path = "restart"
	PathFresh   Path = "fresh"
)

// Deps are the collaborators Recover needs.
type Deps struct {
	Store  *store.Store
	Keys   *keys.Hierarchy
	Engine channel.Engine
	Chain  chain.BlockSource

	// CatchUp connects missed blocks on the restart path. When false the
	// node starts with whatever chain view was persisted.
	CatchUp bool

	// DryRun stops after catch-up: nothing is written and no watcher
	// takes ownership of the monitors.
	DryRun bool

	// Started is when this run of the node began. Zero means now.
	Started time.Time

	Logger *slog.Logger
}

// Report summarizes one recovery.
type Report struct {
	Node            string           `json:"node"`
	PubKey          string           `json:"pubkey"`
	Path            Path             `json:"path"`
	Channels        int              `json:"channels"`
	DeltasReplayed  int              `json:"deltas_replayed"`
	OrphanDeltas    int              `json:"orphan_deltas"`
	BlocksConnected int              `json:"blocks_connected"`
	CatchUpSkipped  bool             `json:"catch_up_skipped"`
	Tip             channel.BlockRef `json:"-"`
}

// Result is everything a running node needs from recovery.
type Result struct {
	Node      store.Node
	Signer    *keys.SigningMaterial
	Session   [32]byte
	Channels  *store.ChannelStore
	Aux       *store.AuxStore
	Persister *persist.Persister
	Monitors  []channel.Monitor
	Manager   channel.Manager
	Watcher   channel.Watcher
	Graph     channel.Graph
	Scorer    channel.Scorer
	Report    Report
}

// Recover runs every recovery stage for nodeID.
func Recover(ctx context.Context, d Deps, nodeID string) (*Result, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node", nodeID)

	// 1. Identity.
	node, err := d.Store.Node(ctx, nodeID)
	if err != nil {
		return nil, fatal(nodeID, StageIdentity, err)
	}
	signer, err := d.Keys.DeriveNodeKey(ctx, node.KeyID)
	if err != nil {
		return nil, fatal(nodeID, StageIdentity, err)
	}
	if signer.PubKeyHex() != node.PubKey {
		return nil, fatal(nodeID, StageIdentity, fmt.Errorf("derived key %s does not match node key %s", signer.PubKeyHex(), node.PubKey))
	}

	started := d.Started
	if started.IsZero() {
		started = time.Now()
	}

	// 2. Adapters.
	res := &Result{
		Node:     node,
		Signer:   signer,
		Session:  keys.SessionEntropy(signer, started),
		Channels: d.Store.Channels(nodeID),
		Aux:      d.Store.Aux(nodeID),
		Report:   Report{Node: nodeID, PubKey: node.PubKey},
	}
	res.Persister = persist.NewPersister(res.Channels, logger)

	// 3. Channel state.
	if err := loadChannels(ctx, d.Engine, res, logger); err != nil {
		return nil, err
	}

	// 4. Manager.
	watcher := d.Engine.NewWatcher(res.Persister)
	res.Watcher = watcher
	cfg := channel.ManagerConfig{Network: d.Keys.Network(), Signer: signer, Watcher: watcher, Session: res.Session}

	blob, ok, err := res.Aux.Read(ctx, store.KeyManager)
	if err != nil {
		return nil, fatal(nodeID, StageManager, err)
	}
	if ok && len(blob) > 0 {
		mgr, err := d.Engine.DecodeManager(blob, cfg, res.Monitors)
		if err != nil {
			return nil, fatal(nodeID, StageManager, err)
		}
		res.Manager = mgr
		res.Report.Path = PathRestart
	} else {
		tip, err := d.Chain.GetBestBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("recover node %s: chain tip: %w", nodeID, err)
		}
		mgr, err := d.Engine.NewManager(cfg, tip)
		if err != nil {
			return nil, fatal(nodeID, StageManager, err)
		}
		if len(res.Monitors) > 0 {
			logger.Warn("no manager state stored for node with channels", "channels", len(res.Monitors))
		}
		res.Manager = mgr
		res.Report.Path = PathFresh
		res.Report.Tip = tip
	}

	// 5. Catch-up.
	if res.Report.Path == PathRestart {
		if d.CatchUp {
			if err := catchUp(ctx, d.Chain, res, logger); err != nil {
				return nil, err
			}
		} else {
			res.Report.CatchUpSkipped = true
			res.Report.Tip = res.Manager.BestBlock()
			logger.Warn("chain catch-up disabled, channel state is stale until new blocks arrive")
		}
	}

	if d.DryRun {
		return res, nil
	}

	// 6. Hand off.
	for _, m := range res.Monitors {
		if err := watcher.Watch(ctx, m); err != nil {
			return nil, fatal(nodeID, StageWatch, err)
		}
	}
	if err := persist.SaveManager(ctx, res.Aux, res.Manager); err != nil {
		return nil, fatal(nodeID, StageManager, err)
	}

	// 7. Routing state.
	res.Graph = persist.LoadOrInitGraph(ctx, res.Aux, d.Engine, d.Keys.Network(), logger)
	res.Scorer = persist.LoadOrInitScorer(ctx, res.Aux, d.Engine, res.Graph, logger)

	logger.Info("node recovered",
		"path", res.Report.Path,
		"channels", res.Report.Channels,
		"deltas", res.Report.DeltasReplayed,
		"blocks", res.Report.BlocksConnected,
		"tip", res.Report.Tip.Height)
	return res, nil
}

func loadChannels(ctx context.Context, engine channel.Engine, res *Result, logger *slog.Logger) error {
	nodeID := res.Node.ID
	snaps, err := res.Channels.LoadAllSnapshots(ctx)
	if err != nil {
		return fatal(nodeID, StageDecode, err)
	}

	monitors := make([]channel.Monitor, len(snaps))
	for i, s := range snaps {
		m, err := engine.DecodeMonitor(s.State, res.Signer)
		if err != nil {
			return fatal(nodeID, StageDecode, fmt.Errorf("channel %s: %w", s.Outpoint, err))
		}
		if got := m.FundingOutpoint(); got != s.Outpoint {
			return fatal(nodeID, StageIdentityMismatch, fmt.Errorf("snapshot stored at %s funds %s", s.Outpoint, got))
		}
		monitors[i] = m
	}

	deltas, err := res.Channels.LoadAllDeltas(ctx)
	if err != nil {
		return fatal(nodeID, StageReplay, err)
	}

	// Channels are independent; replay them in parallel.
	applied := make([]int, len(monitors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, m := range monitors {
		i, m := i, m
		ds := deltas[m.FundingOutpoint()]
		delete(deltas, m.FundingOutpoint())
		if len(ds) == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := Reconcile(engine, m, ds)
			applied[i] = n
			if err != nil {
				return fatal(nodeID, StageReplay, fmt.Errorf("channel %s: %w", m.FundingOutpoint(), err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for op, ds := range deltas {
		logger.Warn("deltas without snapshot ignored", "channel", op, "count", len(ds))
		res.Report.OrphanDeltas += len(ds)
	}
	for _, n := range applied {
		res.Report.DeltasReplayed += n
	}
	res.Monitors = monitors
	res.Report.Channels = len(monitors)
	return nil
}

// catchUp connects the blocks each listener missed. Listeners that last
// saw the same block are walked together.
func catchUp(ctx context.Context, src chain.BlockSource, res *Result, logger *slog.Logger) error {
	tip, err := src.GetBestBlock(ctx)
	if err != nil {
		return fmt.Errorf("recover node %s: chain tip: %w", res.Node.ID, err)
	}
	res.Report.Tip = tip

	type group struct {
		from      channel.BlockRef
		listeners []channel.Listener
	}
	groups := make(map[chainhash.Hash]*group)
	add := func(l channel.Listener) {
		b := l.BestBlock()
		g, ok := groups[b.Hash]
		if !ok {
			g = &group{from: b}
			groups[b.Hash] = g
		}
		g.listeners = append(g.listeners, l)
	}
	add(res.Manager)
	for _, m := range res.Monitors {
		add(m)
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].from.Height != ordered[j].from.Height {
			return ordered[i].from.Height < ordered[j].from.Height
		}
		return ordered[i].from.Hash.String() < ordered[j].from.Hash.String()
	})

	for _, g := range ordered {
		n, err := chain.Walk(ctx, src, g.from, tip, func(ctx context.Context, header *wire.BlockHeader, height int32) error {
			for _, l := range g.listeners {
				if err := l.BlockConnected(ctx, header, height); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if chain.IsTransient(err) {
				return fmt.Errorf("recover node %s: catch up: %w", res.Node.ID, err)
			}
			return fatal(res.Node.ID, StageCatchUp, err)
		}
		if n > res.Report.BlocksConnected {
			res.Report.BlocksConnected = n
		}
		logger.Debug("caught up listeners", "from", g.from.Height, "to", tip.Height, "listeners", len(g.listeners))
	}
	return nil
}
