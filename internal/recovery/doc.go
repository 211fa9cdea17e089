// Package recovery brings a node's persisted channel state back to life.
//
// Recover runs a fixed sequence of stages for one node:
//
//  1. derive the node's signing material from its key record
//  2. bind the channel and auxiliary stores to the node
//  3. load every snapshot, check it belongs to its funding outpoint and
//     replay its deltas in sequence order
//  4. decode the stored manager against the reconciled monitors, or build
//     a fresh manager at the current chain tip
//  5. on restart, connect the blocks every listener missed
//  6. hand the monitors to a live watcher
//  7. load or rebuild the routing graph and scorer
//
// Any failure in stages 1 to 6 that means stored state cannot be trusted
// is a *StartupError and the node must not run. Chain backend failures
// are returned as chain.TransientError so callers can retry.
package recovery
