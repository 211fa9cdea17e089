// Package ledger is a deterministic reference implementation of the
// channel.Engine contract.
//
// It models each channel as a balance sheet: a monitor tracks the funding
// outpoint, commitment number, both balances, known preimages and close
// state; updates move the commitment forward. This is enough to exercise
// every persistence path (new, full and incremental writes, ordered replay,
// manager reconstruction, chain catch-up) without a real Lightning
// implementation. All state encodes as canonical JSON, so equal states have
// equal bytes and equal digests.
package ledger
