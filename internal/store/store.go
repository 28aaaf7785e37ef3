// ABOUTME: Store interface and data types for sheetbridge persistence
// ABOUTME: Defines Record, DeadLetter structs and the Store interface for cache operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrMissingKey is returned by UpsertByKey in strict mode when a record lacks
// the configured key column. The wrapped message carries the column name.
var ErrMissingKey = errors.New("missing key")

// Record is one cached row: column name -> scalar value. No fixed schema is
// imposed here; validation happens upstream against the active contract.
type Record map[string]any

// DeadLetter is a record that failed validation or remote delivery, held for retry.
type DeadLetter struct {
	ID        int64  `json:"id"`
	Reason    string `json:"reason"`
	Data      Record `json:"data"`
	CreatedAt int64  `json:"created_at"`
}

// Duplicate reports a key that appears on more than one cached row.
type Duplicate struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// QueryOptions narrow a row query. Zero values mean "no filter".
type QueryOptions struct {
	// Substring matches case-insensitively anywhere in the serialized row.
	Substring string
	// Columns projects the result rows down to the named columns.
	Columns []string
	// SinceUnix keeps rows created at or after this unix timestamp.
	SinceUnix int64
	Limit     int
	Offset    int
}

// Store defines the persistence operations for cached rows, the idempotency
// cache, and the dead-letter queue. Implementations must be safe for
// concurrent use by request handlers and background loops.
type Store interface {
	// InsertRows appends every record as a new row. When keyColumn is
	// non-empty the key value is captured on the row but no dedup happens.
	InsertRows(ctx context.Context, rows []Record, keyColumn string) (int, error)

	// UpsertByKey inserts or replaces rows matched by the key column value.
	// A record missing the key fails the whole call with ErrMissingKey when
	// strict, and is inserted without a key otherwise.
	UpsertByKey(ctx context.Context, rows []Record, keyColumn string, strict bool) (int, error)

	// QueryRows returns a page of cached rows plus the total match count.
	QueryRows(ctx context.Context, opts QueryOptions) ([]Record, int, error)

	// FindDuplicates returns keys held by more than one row.
	FindDuplicates(ctx context.Context, keyColumn string) ([]Duplicate, error)

	// SaveIdempotency inserts or replaces the cached response for a key.
	SaveIdempotency(ctx context.Context, key string, response []byte) error

	// GetIdempotency returns the cached response for a key, or ErrNotFound
	// when the entry is absent or older than ttl.
	GetIdempotency(ctx context.Context, key string, ttl time.Duration) ([]byte, error)

	// PurgeIdempotency deletes entries older than ttl and reports the count.
	PurgeIdempotency(ctx context.Context, ttl time.Duration) (int64, error)

	// DLQWrite appends a dead-letter entry.
	DLQWrite(ctx context.Context, reason string, data Record) error

	// DLQList returns a page of entries, newest first, for operator listing.
	DLQList(ctx context.Context, limit, offset int) ([]DeadLetter, error)

	// DLQFetch returns up to limit entries in insertion order for retry.
	DLQFetch(ctx context.Context, limit int) ([]DeadLetter, error)

	// DLQDelete removes the given entries in one statement.
	DLQDelete(ctx context.Context, ids []int64) error

	// DLQCount returns the number of queued entries.
	DLQCount(ctx context.Context) (int64, error)

	Close() error
}
