// Package httpapi is the REST front of the server: session lifecycle,
// watchlist, alerts, paper trading, scrip search, health, metrics, and
// the websocket upgrade route.
//
// Every JSON response is {"success": bool, ...} shaped. Sentinel errors
// from the session and paper layers map onto stable HTTP statuses and
// machine-readable reason codes; see classify.
package httpapi
