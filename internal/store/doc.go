// Package store provides persistent storage for sheetbridge using SQLite.
//
// # Architecture
//
// A single Store interface covers the three logical tables that back the
// resilience core:
//
//   - rows: the local cache of remote records, optionally keyed by a
//     configured key column for upsert-by-key semantics
//   - idempotency: client-supplied key -> cached response, with TTL expiry
//     applied on read and physical removal via an explicit purge
//   - dead_letters: records that failed validation or remote delivery,
//     drained by the retry worker after confirmed redelivery
//
// SQLiteStore implements the interface in one struct, split across files by
// table. Every call is atomic on its own; the core never requires cross-call
// transactions.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// Use NewSQLiteStore(":memory:") for tests with real SQLite.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist (or is TTL-expired)
//   - ErrMissingKey: strict upsert met a record without the key column
//
// All methods accept context.Context for cancellation support.
package store
