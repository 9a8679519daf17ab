// Package feed maintains the single upstream websocket to the broker's
// tick stream and multiplexes it across all sessions.
//
// Components:
//   - Client: connection lifecycle, auth, heartbeat, reconnect backoff
//   - ledger: (exchange, token) -> subscriber sessions, drives the
//     effective upstream subscription set
//   - binary tick decoder (SnapQuote little-endian layout)
//
// Ticks are handed to a Dispatcher without blocking; slow consumers see
// only the newest price per token.
package feed
