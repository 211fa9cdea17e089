package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/roach88/chanvault/internal/channel"
)

// Snapshot is a stored channel state row.
type Snapshot struct {
	Outpoint channel.Outpoint
	State    []byte

	// Prior is the first state ever persisted for this channel. It is
	// written once on insert and never overwritten.
	Prior []byte
}

// Delta is one logged incremental update.
type Delta struct {
	Sequence uint64
	Blob     []byte
}

// ChannelStore is the snapshot+log store scoped to one node.
//
// Safe for concurrent use; writes to the same outpoint are serialized by
// SQLite and resolved by the natural-key upsert.
type ChannelStore struct {
	db     *sql.DB
	nodeID string
}

// NodeID returns the node this store is bound to.
func (c *ChannelStore) NodeID() string {
	return c.nodeID
}

// PersistSnapshot inserts or overwrites the snapshot for op and deletes
// every delta logged for op, atomically.
func (c *ChannelStore) PersistSnapshot(ctx context.Context, op channel.Outpoint, blob []byte) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return permanent("persist snapshot", err)
	}
	defer tx.Rollback()

	txid := op.Txid.String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO channel_snapshots (node_id, funding_txid, funding_index, state_blob, prior_state_blob)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id, funding_txid, funding_index) DO UPDATE SET
			state_blob = excluded.state_blob
	`, c.nodeID, txid, op.Index, blob, blob)
	if err != nil {
		return permanent("persist snapshot", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM channel_deltas
		WHERE node_id = ? AND funding_txid = ? AND funding_index = ?
	`, c.nodeID, txid, op.Index)
	if err != nil {
		return permanent("persist snapshot", fmt.Errorf("compact deltas: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return permanent("persist snapshot", err)
	}
	return nil
}

// PersistDelta appends a delta for op. Existing rows are never modified:
// re-persisting the same (op, seq, blob) is a no-op, while a different blob
// under an existing sequence id is reported as KindInconsistent.
func (c *ChannelStore) PersistDelta(ctx context.Context, op channel.Outpoint, seq uint64, blob []byte) error {
	txid := op.Txid.String()
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO channel_deltas (node_id, funding_txid, funding_index, sequence_id, delta_blob)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id, funding_txid, funding_index, sequence_id) DO NOTHING
	`, c.nodeID, txid, op.Index, int64(seq), blob)
	if err != nil {
		return permanent("persist delta", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return permanent("persist delta", err)
	}
	if n > 0 {
		return nil
	}

	var existing []byte
	err = c.db.QueryRowContext(ctx, `
		SELECT delta_blob FROM channel_deltas
		WHERE node_id = ? AND funding_txid = ? AND funding_index = ? AND sequence_id = ?
	`, c.nodeID, txid, op.Index, int64(seq)).Scan(&existing)
	if err != nil {
		return permanent("persist delta", err)
	}
	if !bytes.Equal(existing, blob) {
		return inconsistent("persist delta", "%s seq %d already logged with different content", op, seq)
	}
	return nil
}

// LoadAllSnapshots returns every snapshot for the node ordered by outpoint.
func (c *ChannelStore) LoadAllSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT funding_txid, funding_index, state_blob, prior_state_blob
		FROM channel_snapshots
		WHERE node_id = ?
		ORDER BY funding_txid ASC, funding_index ASC
	`, c.nodeID)
	if err != nil {
		return nil, permanent("load snapshots", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var (
			txid  string
			index int64
			s     Snapshot
		)
		if err := rows.Scan(&txid, &index, &s.State, &s.Prior); err != nil {
			return nil, permanent("load snapshots", fmt.Errorf("scan: %w", err))
		}
		op, err := outpointFromRow(txid, index)
		if err != nil {
			return nil, inconsistent("load snapshots", "%v", err)
		}
		s.Outpoint = op
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, permanent("load snapshots", err)
	}
	return snaps, nil
}

// LoadAllDeltas returns every delta for the node grouped by outpoint.
// Each group is sorted by sequence id ascending.
func (c *ChannelStore) LoadAllDeltas(ctx context.Context) (map[channel.Outpoint][]Delta, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT funding_txid, funding_index, sequence_id, delta_blob
		FROM channel_deltas
		WHERE node_id = ?
	`, c.nodeID)
	if err != nil {
		return nil, permanent("load deltas", err)
	}
	defer rows.Close()

	out := make(map[channel.Outpoint][]Delta)
	for rows.Next() {
		var (
			txid  string
			index int64
			seq   int64
			d     Delta
		)
		if err := rows.Scan(&txid, &index, &seq, &d.Blob); err != nil {
			return nil, permanent("load deltas", fmt.Errorf("scan: %w", err))
		}
		op, err := outpointFromRow(txid, index)
		if err != nil {
			return nil, inconsistent("load deltas", "%v", err)
		}
		d.Sequence = uint64(seq)
		out[op] = append(out[op], d)
	}
	if err := rows.Err(); err != nil {
		return nil, permanent("load deltas", err)
	}

	for op := range out {
		sort.Slice(out[op], func(i, j int) bool {
			return out[op][i].Sequence < out[op][j].Sequence
		})
	}
	return out, nil
}

// Snapshot returns the stored snapshot for op, or ErrNotFound.
func (c *ChannelStore) Snapshot(ctx context.Context, op channel.Outpoint) (Snapshot, error) {
	s := Snapshot{Outpoint: op}
	err := c.db.QueryRowContext(ctx, `
		SELECT state_blob, prior_state_blob FROM channel_snapshots
		WHERE node_id = ? AND funding_txid = ? AND funding_index = ?
	`, c.nodeID, op.Txid.String(), op.Index).Scan(&s.State, &s.Prior)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, permanent("snapshot", err)
	}
	return s, nil
}

func outpointFromRow(txid string, index int64) (channel.Outpoint, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return channel.Outpoint{}, fmt.Errorf("bad funding txid %q: %w", txid, err)
	}
	if index < 0 || index > 0xffff {
		return channel.Outpoint{}, fmt.Errorf("bad funding index %d", index)
	}
	return channel.Outpoint{Txid: *h, Index: uint16(index)}, nil
}
