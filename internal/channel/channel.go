package channel

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// ErrUpdateOrder is returned by Monitor.Apply when an update does not
// follow the monitor's latest update id.
var ErrUpdateOrder = errors.New("channel update out of order")

// Encoder is implemented by every engine object chanvault persists.
type Encoder interface {
	Encode() ([]byte, error)
}

// Listener consumes connected blocks. Monitors, managers and watchers are
// all listeners; chain catch-up and the chain poller drive them.
type Listener interface {
	// BestBlock returns the last block the listener has processed.
	BestBlock() BlockRef

	// BlockConnected processes the block at height on top of BestBlock.
	BlockConnected(ctx context.Context, header *wire.BlockHeader, height int32) error
}

// Update is an incremental change to one channel's monitoring state.
// IDs increase per channel but are not guaranteed contiguous.
type Update interface {
	Encoder
	ID() uint64
}

// Monitor is the engine's in-memory, enforceable state for one channel.
type Monitor interface {
	Listener
	Encoder

	// FundingOutpoint returns the outpoint embedded in the monitor state.
	FundingOutpoint() Outpoint

	// LatestUpdateID returns the id of the last applied update.
	LatestUpdateID() uint64

	// Apply applies u using the engine's own update routine.
	Apply(u Update) error
}

// Signer is the key material monitors and managers are bound to.
type Signer interface {
	// NodeID returns the compressed public key of the node.
	NodeID() [33]byte

	// ChannelKey derives the deterministic custody key for a channel.
	ChannelKey(op Outpoint) (*btcec.PrivateKey, error)
}

// ManagerConfig carries what an engine needs to build a Manager.
type ManagerConfig struct {
	Network *chaincfg.Params
	Signer  Signer
	Watcher Watcher

	// Session is per-start entropy for ephemeral identifiers. It is
	// never persisted.
	Session [32]byte
}

// Manager is the node-wide channel manager state.
type Manager interface {
	Listener
	Encoder

	// Channels returns the funding outpoints the manager knows about.
	Channels() []Outpoint
}

// Watcher is the long-lived chain watcher that owns live monitors.
type Watcher interface {
	Listener

	// Watch registers a reconciled or newly created monitor. The watcher
	// persists it through PersistNew before accepting it.
	Watch(ctx context.Context, m Monitor) error

	// UpdateChannel applies u to the monitor for op and persists it
	// incrementally.
	UpdateChannel(ctx context.Context, op Outpoint, u Update) error

	// Monitors returns every registered monitor.
	Monitors() []Monitor
}

// Graph is the routing graph.
type Graph interface {
	Encoder
	Network() *chaincfg.Params
}

// Scorer is the routing fee/probability scorer.
type Scorer interface {
	Encoder
}

// Engine is the protocol engine seen from chanvault: it decodes what
// chanvault stored and constructs fresh objects when nothing is stored.
type Engine interface {
	DecodeMonitor(blob []byte, signer Signer) (Monitor, error)
	DecodeUpdate(blob []byte) (Update, error)

	DecodeManager(blob []byte, cfg ManagerConfig, monitors []Monitor) (Manager, error)
	NewManager(cfg ManagerConfig, tip BlockRef) (Manager, error)

	NewWatcher(p Persister) Watcher

	DecodeGraph(blob []byte, net *chaincfg.Params) (Graph, error)
	NewGraph(net *chaincfg.Params) Graph

	DecodeScorer(blob []byte, g Graph) (Scorer, error)
	NewScorer(g Graph) Scorer
}
