// Package channel defines the contract between chanvault and the external
// payment-channel protocol engine.
//
// chanvault never interprets channel state. It stores the opaque blobs a
// Monitor and its Updates encode, hands them back to the Engine on restart,
// and feeds the resulting objects connected blocks. Everything a protocol
// engine must provide is expressed by the interfaces in this package:
//
//   - Monitor: the per-channel enforceable safety state, naturally keyed by
//     its funding Outpoint
//   - Update: an incremental, sequence-numbered change to a Monitor
//   - Manager: the node-wide channel manager state
//   - Watcher: the long-lived component that receives blocks and updates
//     for every registered Monitor
//   - Graph and Scorer: routing state that can always be rebuilt
//
// The Persister interface runs the other way: the engine calls it to make
// channel state durable.
package channel
