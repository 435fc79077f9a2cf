// Package relay implements the state synchronization relay.
//
// Clients connect over WebSocket and immediately receive the current snapshot.
// An "update" from any client replaces the snapshot and is broadcast as a
// "sync" to every connected client, the sender included. One goroutine owns the
// replace-then-broadcast step (actor pattern); per-connection read and write
// goroutines keep a slow client from stalling the others.
package relay
