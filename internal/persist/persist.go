// Package persist binds the protocol engine's write policy to the
// channel store and keeps the rebuildable routing state in the
// auxiliary store.
package persist

import (
	"context"
	"log/slog"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/store"
)

// Persister implements channel.Persister over a node's ChannelStore.
//
// New and full writes replace the snapshot and compact the delta log.
// Incremental writes append one delta keyed by the update id.
type Persister struct {
	cs     *store.ChannelStore
	logger *slog.Logger
}

var _ channel.Persister = (*Persister)(nil)

// NewPersister returns a Persister writing to cs. A nil logger uses
// slog.Default.
func NewPersister(cs *store.ChannelStore, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{cs: cs, logger: logger}
}

// PersistNew implements channel.Persister.
func (p *Persister) PersistNew(ctx context.Context, op channel.Outpoint, m channel.Monitor) channel.PersistStatus {
	return p.snapshot(ctx, "persist new", op, m)
}

// PersistFull implements channel.Persister.
func (p *Persister) PersistFull(ctx context.Context, op channel.Outpoint, m channel.Monitor) channel.PersistStatus {
	return p.snapshot(ctx, "persist full", op, m)
}

// PersistIncremental implements channel.Persister.
func (p *Persister) PersistIncremental(ctx context.Context, op channel.Outpoint, u channel.Update, _ channel.Monitor) channel.PersistStatus {
	blob, err := u.Encode()
	if err != nil {
		p.logger.Error("encode channel update failed", "node", p.cs.NodeID(), "channel", op, "update", u.ID(), "error", err)
		return channel.PersistPermanentFailure
	}
	if err := p.cs.PersistDelta(ctx, op, u.ID(), blob); err != nil {
		p.logger.Error("persist incremental failed", "node", p.cs.NodeID(), "channel", op, "update", u.ID(), "error", err)
		return channel.PersistPermanentFailure
	}
	p.logger.Debug("persisted channel delta", "node", p.cs.NodeID(), "channel", op, "update", u.ID())
	return channel.PersistCompleted
}

func (p *Persister) snapshot(ctx context.Context, op string, key channel.Outpoint, m channel.Monitor) channel.PersistStatus {
	blob, err := m.Encode()
	if err != nil {
		p.logger.Error("encode channel state failed", "node", p.cs.NodeID(), "channel", key, "error", err)
		return channel.PersistPermanentFailure
	}
	if err := p.cs.PersistSnapshot(ctx, key, blob); err != nil {
		p.logger.Error(op+" failed", "node", p.cs.NodeID(), "channel", key, "error", err)
		return channel.PersistPermanentFailure
	}
	p.logger.Debug("persisted channel snapshot", "node", p.cs.NodeID(), "channel", key, "update", m.LatestUpdateID())
	return channel.PersistCompleted
}
