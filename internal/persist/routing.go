package persist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/store"
)

// LoadOrInitGraph returns the stored routing graph, or a fresh one for net
// when nothing usable is stored. Read and decode failures are logged and
// fall back to the default.
func LoadOrInitGraph(ctx context.Context, aux *store.AuxStore, engine channel.Engine, net *chaincfg.Params, logger *slog.Logger) channel.Graph {
	blob, ok, err := aux.Read(ctx, store.KeyGraph)
	switch {
	case err != nil:
		logger.Warn("read network graph failed, rebuilding", "error", err)
	case ok && len(blob) > 0:
		g, err := engine.DecodeGraph(blob, net)
		if err == nil {
			return g
		}
		logger.Warn("decode network graph failed, rebuilding", "error", err)
	}
	return engine.NewGraph(net)
}

// LoadOrInitScorer is LoadOrInitGraph for the scorer over g.
func LoadOrInitScorer(ctx context.Context, aux *store.AuxStore, engine channel.Engine, g channel.Graph, logger *slog.Logger) channel.Scorer {
	blob, ok, err := aux.Read(ctx, store.KeyScorer)
	switch {
	case err != nil:
		logger.Warn("read scorer failed, rebuilding", "error", err)
	case ok && len(blob) > 0:
		s, err := engine.DecodeScorer(blob, g)
		if err == nil {
			return s
		}
		logger.Warn("decode scorer failed, rebuilding", "error", err)
	}
	return engine.NewScorer(g)
}

// SaveGraph writes g under store.KeyGraph.
func SaveGraph(ctx context.Context, aux *store.AuxStore, g channel.Graph) error {
	return save(ctx, aux, store.KeyGraph, g)
}

// SaveScorer writes s under store.KeyScorer.
func SaveScorer(ctx context.Context, aux *store.AuxStore, s channel.Scorer) error {
	return save(ctx, aux, store.KeyScorer, s)
}

// SaveManager writes m under store.KeyManager.
func SaveManager(ctx context.Context, aux *store.AuxStore, m channel.Manager) error {
	return save(ctx, aux, store.KeyManager, m)
}

func save(ctx context.Context, aux *store.AuxStore, key string, e channel.Encoder) error {
	blob, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := aux.Write(ctx, key, blob); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
