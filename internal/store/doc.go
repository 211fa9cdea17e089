// Package store provides SQLite-backed durable storage for chanvault.
//
// The store holds, per node:
//   - Channel snapshots: one opaque monitor blob per funding outpoint
//   - Channel deltas: sequence-numbered updates logged between snapshots
//   - Auxiliary records: singleton blobs (manager, routing graph, scorer)
//
// and, per installation, the master seed, node key records and node rows.
//
// # Write discipline
//
// Snapshots and deltas form a write-ahead log. A delta is a cheap append.
// Writing a snapshot upserts the row keyed by (node_id, funding_txid,
// funding_index) and deletes every delta for that key in the same
// transaction, so a reader never observes a snapshot together with deltas
// it already subsumes.
//
// All upserts are single statements keyed by the natural unique key
// (INSERT ... ON CONFLICT DO UPDATE); no write depends on a preceding read.
// Child index allocation is likewise a single INSERT ... SELECT MAX.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: every committed write survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
