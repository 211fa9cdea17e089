// Package chain is the node's view of the blockchain: block headers and
// bodies, fee estimates, transaction broadcast, and the on-chain wallet
// used to fund channels and collect swept outputs.
//
// Bitcoind implements every capability over bitcoind's JSON-RPC interface.
// chaintest provides an in-memory chain with the same contract for tests.
//
// Walk and Poller feed blocks to channel.Listener values: Walk replays the
// blocks a listener missed while the node was down, and Poller delivers new
// blocks while it runs.
package chain
