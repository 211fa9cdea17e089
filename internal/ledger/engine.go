package ledger

import (
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/roach88/chanvault/internal/channel"
)

// Engine is the reference channel.Engine. Its state is canonical JSON.
type Engine struct {
	logger *slog.Logger
}

var _ channel.Engine = (*Engine)(nil)

// New returns an Engine. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// DecodeMonitor implements channel.Engine.
func (e *Engine) DecodeMonitor(blob []byte, signer channel.Signer) (channel.Monitor, error) {
	return decodeMonitor(blob, signer)
}

// DecodeUpdate implements channel.Engine.
func (e *Engine) DecodeUpdate(blob []byte) (channel.Update, error) {
	return decodeUpdate(blob)
}

// DecodeManager implements channel.Engine.
func (e *Engine) DecodeManager(blob []byte, cfg channel.ManagerConfig, monitors []channel.Monitor) (channel.Manager, error) {
	return decodeManager(blob, cfg, monitors, e.logger)
}

// NewManager implements channel.Engine.
func (e *Engine) NewManager(cfg channel.ManagerConfig, tip channel.BlockRef) (channel.Manager, error) {
	if cfg.Network == nil || cfg.Signer == nil || cfg.Watcher == nil {
		return nil, fmt.Errorf("new manager: incomplete config")
	}
	return newManager(cfg, tip, e.logger), nil
}

// NewWatcher implements channel.Engine.
func (e *Engine) NewWatcher(p channel.Persister) channel.Watcher {
	return newWatcher(p, e.logger)
}

// DecodeGraph implements channel.Engine.
func (e *Engine) DecodeGraph(blob []byte, net *chaincfg.Params) (channel.Graph, error) {
	return decodeGraph(blob, net)
}

// NewGraph implements channel.Engine.
func (e *Engine) NewGraph(net *chaincfg.Params) channel.Graph {
	return newGraph(net)
}

// DecodeScorer implements channel.Engine.
func (e *Engine) DecodeScorer(blob []byte, g channel.Graph) (channel.Scorer, error) {
	lg, ok := g.(*Graph)
	if !ok {
		return nil, fmt.Errorf("decode scorer: unsupported graph type %T", g)
	}
	return decodeScorer(blob, lg)
}

// NewScorer implements channel.Engine.
func (e *Engine) NewScorer(g channel.Graph) channel.Scorer {
	lg, ok := g.(*Graph)
	if !ok {
		lg = newGraph(g.Network())
	}
	return newScorer(lg)
}
