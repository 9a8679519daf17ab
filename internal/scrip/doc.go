// Package scrip resolves instrument identity and reference prices.
//
// Components:
//   - Directory: the broker's published instrument dump, cached on disk,
//     refreshed in the background, searched by symbol prefix
//   - Index table: the major NSE/BSE indices with their fixed tokens
//   - OHLCFetcher: previous-trading-day candles for alert seeding
package scrip
