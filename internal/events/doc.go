// Package events turns protocol engine events into chain and key actions.
//
// Event is a closed set: every kind is declared in this package and
// Dispatcher.Handle matches them exhaustively. Events are handled one at a
// time, synchronously, in the order the engine emitted them.
package events
