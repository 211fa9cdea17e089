// Package harness runs YAML scenarios against real nodes and records a
// deterministic trace.
//
// A scenario provisions nodes on one in-memory chain, drives channel
// operations through each node's manager, stops and restarts nodes and
// corrupts stored state. Every step appends a TraceEntry; the trace uses
// node and channel aliases from the scenario so it contains no keys or
// hashes and can be compared against golden files.
//
// Events are handled synchronously after every step, so traces do not
// depend on goroutine scheduling.
package harness
