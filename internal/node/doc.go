// Package node provisions nodes, recovers them into running Handles and
// tracks the running set in an explicit Registry.
//
// A Handle owns a node's background loops: chain polling, periodic
// routing graph and scorer persistence, and the event pump that feeds
// engine events to the dispatcher. Background failures are logged and
// never reach foreground callers.
package node
