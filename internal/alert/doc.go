// Package alert computes price levels and evaluates alert rules.
//
// Components:
//   - classic floor pivots (P, R1..R6, S1..S6) plus literal HIGH/LOW
//     from previous-day OHLC
//   - auto-alert generation with per-level crossing conditions
//   - the edge-trigger evaluator run on every tick
package alert
