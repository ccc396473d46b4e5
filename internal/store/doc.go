// Package store provides the SQLite-backed Local State Cache.
//
// The cache holds, per app user id:
//   - Entitlement snapshot: opaque backend payload, its backend request date,
//     and a freshness timestamp
//   - Catalog snapshot: joined offering hierarchy and a freshness timestamp
//   - Sent tokens: hashes of purchase tokens the engine has confirmed
//   - Attribution fingerprints: last payload fingerprint sent per network
//   - Subscriber attributes: locally written values and their sync flag
//
// The store holds no business logic. It answers staleness questions through
// predicates on the cached wrappers and never decides what to post.
//
// # Invariants
//
//   - Snapshots are only replaced by strictly newer backend responses
//     (request_date comparison inside a transaction)
//   - Invalidation clears the freshness timestamp; the snapshot row stays
//   - Raw purchase tokens are never stored, only ir.TokenHash values
//   - Attribute sync is compare-and-mark: a row is only marked synced while
//     its value still equals the value that was sent
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// All timestamps are stored as unix milliseconds.
package store
