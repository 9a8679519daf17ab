// Package paper simulates order execution against live ticks.
//
// Two pieces:
//
//   - Book: one session's positions and virtual wallet. Plain data, owned
//     and serialized by the session loop.
//   - Engine: the entry and exit policy. Maps alert triggers to trade
//     directions, sizes positions from the wallet, applies stop-and-reverse
//     on opposite signals, and closes positions on stop-loss, target, or
//     the square-off window.
//
// Neither type locks; the session command loop is the only writer.
package paper
