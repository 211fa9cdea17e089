package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MasterSeed is the installation-wide root secret.
type MasterSeed struct {
	ID       string
	Seed     []byte
	Mnemonic string
}

// NodeKey records a child index allocated under a master seed.
type NodeKey struct {
	ID           string
	MasterSeedID string
	ChildIndex   uint32
}

// Node binds a public key to the key record it was derived from.
type Node struct {
	ID     string
	PubKey string
	KeyID  string
}

// InsertMasterSeed stores the singleton master seed. It fails with a
// PersistError of KindInconsistent if a seed already exists.
func (s *Store) InsertMasterSeed(ctx context.Context, seed MasterSeed) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO master_seeds (id, seed_bytes, mnemonic_text)
		VALUES (?, ?, ?)
		ON CONFLICT(singleton) DO NOTHING
	`, seed.ID, seed.Seed, seed.Mnemonic)
	if err != nil {
		return permanent("insert master seed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return permanent("insert master seed", err)
	}
	if n == 0 {
		return inconsistent("insert master seed", "master seed already exists")
	}
	return nil
}

// FirstMasterSeed returns the installation's master seed, or ErrNotFound.
func (s *Store) FirstMasterSeed(ctx context.Context) (MasterSeed, error) {
	return s.scanSeed(ctx, "first master seed", `
		SELECT id, seed_bytes, mnemonic_text FROM master_seeds ORDER BY id LIMIT 1
	`)
}

// MasterSeed returns the master seed with the given id, or ErrNotFound.
func (s *Store) MasterSeed(ctx context.Context, id string) (MasterSeed, error) {
	return s.scanSeed(ctx, "master seed", `
		SELECT id, seed_bytes, mnemonic_text FROM master_seeds WHERE id = ?
	`, id)
}

func (s *Store) scanSeed(ctx context.Context, op, query string, args ...any) (MasterSeed, error) {
	var m MasterSeed
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&m.ID, &m.Seed, &m.Mnemonic)
	if errors.Is(err, sql.ErrNoRows) {
		return MasterSeed{}, ErrNotFound
	}
	if err != nil {
		return MasterSeed{}, permanent(op, err)
	}
	return m, nil
}

// AllocateNodeKey creates a node key record under masterSeedID with the
// next unused child index. The index is computed and claimed in a single
// statement, so concurrent allocators cannot observe the same value.
func (s *Store) AllocateNodeKey(ctx context.Context, id, masterSeedID string) (NodeKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NodeKey{}, permanent("allocate node key", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_keys (id, master_seed_id, child_index)
		SELECT ?, ?, COALESCE(MAX(child_index) + 1, 0) FROM node_keys
	`, id, masterSeedID)
	if err != nil {
		return NodeKey{}, permanent("allocate node key", err)
	}

	k := NodeKey{ID: id, MasterSeedID: masterSeedID}
	var idx int64
	if err := tx.QueryRowContext(ctx, `SELECT child_index FROM node_keys WHERE id = ?`, id).Scan(&idx); err != nil {
		return NodeKey{}, permanent("allocate node key", err)
	}
	k.ChildIndex = uint32(idx)

	if err := tx.Commit(); err != nil {
		return NodeKey{}, permanent("allocate node key", err)
	}
	return k, nil
}

// NodeKey returns the key record with the given id, or ErrNotFound.
func (s *Store) NodeKey(ctx context.Context, id string) (NodeKey, error) {
	var (
		k   NodeKey
		idx int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, master_seed_id, child_index FROM node_keys WHERE id = ?
	`, id).Scan(&k.ID, &k.MasterSeedID, &idx)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeKey{}, ErrNotFound
	}
	if err != nil {
		return NodeKey{}, permanent("node key", err)
	}
	k.ChildIndex = uint32(idx)
	return k, nil
}

// InsertNode stores a node row. Public key and key id are both unique;
// a collision fails with a PersistError of KindPermanent.
func (s *Store) InsertNode(ctx context.Context, n Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, public_key, key_id) VALUES (?, ?, ?)
	`, n.ID, n.PubKey, n.KeyID)
	if err != nil {
		return permanent("insert node", err)
	}
	return nil
}

// Node returns the node with the given id, or ErrNotFound.
func (s *Store) Node(ctx context.Context, id string) (Node, error) {
	return s.scanNode(ctx, "node", `SELECT id, public_key, key_id FROM nodes WHERE id = ?`, id)
}

// NodeByPubkey returns the node with the given hex public key, or ErrNotFound.
func (s *Store) NodeByPubkey(ctx context.Context, pubkey string) (Node, error) {
	return s.scanNode(ctx, "node by pubkey", `SELECT id, public_key, key_id FROM nodes WHERE public_key = ?`, pubkey)
}

func (s *Store) scanNode(ctx context.Context, op, query string, args ...any) (Node, error) {
	var n Node
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n.ID, &n.PubKey, &n.KeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, permanent(op, err)
	}
	return n, nil
}

// ListNodes returns every node ordered by id.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, public_key, key_id FROM nodes ORDER BY id`)
	if err != nil {
		return nil, permanent("list nodes", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.PubKey, &n.KeyID); err != nil {
			return nil, permanent("list nodes", fmt.Errorf("scan: %w", err))
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, permanent("list nodes", err)
	}
	return nodes, nil
}
