// Package model defines shared data types used across tickwatch.
//
// Conventions:
//   - Prices: float64 rupees, rounded to two decimals at the wire
//   - Timestamps: time.Time (UTC internally, market timezone at the edges)
//   - IDs: opaque strings backed by UUIDs
package model
