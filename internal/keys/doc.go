// Package keys implements the node key hierarchy.
//
// One master seed exists per installation. It is generated from a random
// BIP-39 mnemonic on first use and never changes. Each node owns a key
// record holding a child index; the node's identity key is the hardened
// BIP-32 child m/index' of the master key. Everything a node signs with
// descends from that child:
//
//	m/index'                 node identity key
//	m/index'/0'/c'           channel key, c derived from the funding outpoint
//	m/index'/1'/0            sweep destination (P2WPKH)
//
// These paths are fully deterministic and are all a backup needs.
// SessionEntropy is a separate path that mixes in process start time and
// is never persisted or needed for recovery.
package keys
