// ABOUTME: Idempotency cache persistence on the SQLite store
// ABOUTME: Stores client responses by key with TTL-based expiry on read

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveIdempotency inserts or replaces the cached response for a key.
func (s *SQLiteStore) SaveIdempotency(ctx context.Context, key string, response []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency (key, created_at, response) VALUES (?, ?, ?)`,
		key, time.Now().Unix(), string(response),
	)
	if err != nil {
		return fmt.Errorf("saving idempotency entry: %w", err)
	}
	return nil
}

// GetIdempotency returns the cached response for a key. Entries older than
// ttl are treated as absent without being deleted; PurgeIdempotency removes
// them physically.
func (s *SQLiteStore) GetIdempotency(ctx context.Context, key string, ttl time.Duration) ([]byte, error) {
	var (
		createdAt int64
		response  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, response FROM idempotency WHERE key = ?`, key,
	).Scan(&createdAt, &response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency entry: %w", err)
	}

	if time.Now().Unix()-createdAt > int64(ttl.Seconds()) {
		return nil, ErrNotFound
	}
	if !response.Valid {
		return nil, nil
	}
	return []byte(response.String), nil
}

// PurgeIdempotency deletes entries older than ttl and returns the count removed.
func (s *SQLiteStore) PurgeIdempotency(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Unix() - int64(ttl.Seconds())
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purging idempotency entries: %w", err)
	}
	return res.RowsAffected()
}
