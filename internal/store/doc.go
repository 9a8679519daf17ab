// Package store persists session snapshots keyed by stable user id.
//
// Components:
//   - SnapshotStore: save/load/delete of opaque snapshot blobs
//     (Postgres, Redis, and in-memory drivers)
//   - FlushWorker: write-behind coalescing of dirty sessions with a
//     bounded staleness window
//
// The snapshot format is owned by the session package; the store treats
// blobs as opaque and guarantees only last-writer-wins per user.
package store
