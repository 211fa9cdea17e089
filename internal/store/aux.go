package store

import (
	"context"
	"database/sql"
)

// Logical auxiliary keys.
const (
	KeyManager = "manager"
	KeyGraph   = "network_graph"
	KeyScorer  = "scorer"
)

// AuxStore holds singleton blobs for one node. Absence of a key is a
// valid "not yet initialized" state.
type AuxStore struct {
	db     *sql.DB
	nodeID string
}

// Read returns the blob stored under key. ok is false if the key is absent.
func (a *AuxStore) Read(ctx context.Context, key string) (blob []byte, ok bool, err error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT value_blob FROM auxiliary WHERE node_id = ? AND key = ? LIMIT 2
	`, a.nodeID, key)
	if err != nil {
		return nil, false, permanent("aux read", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
		if n > 1 {
			return nil, false, inconsistent("aux read", "multiple rows for key %q", key)
		}
		if err := rows.Scan(&blob); err != nil {
			return nil, false, permanent("aux read", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, permanent("aux read", err)
	}
	return blob, n == 1, nil
}

// Write inserts or overwrites the blob stored under key.
func (a *AuxStore) Write(ctx context.Context, key string, blob []byte) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO auxiliary (node_id, key, value_blob) VALUES (?, ?, ?)
		ON CONFLICT(node_id, key) DO UPDATE SET value_blob = excluded.value_blob
	`, a.nodeID, key, blob)
	if err != nil {
		return permanent("aux write", err)
	}
	return nil
}
