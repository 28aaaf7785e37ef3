// ABOUTME: Dead-letter queue persistence on the SQLite store
// ABOUTME: Append-only capture of failed records with batched delete after redelivery

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DLQWrite appends a dead-letter entry with the failure reason.
func (s *SQLiteStore) DLQWrite(ctx context.Context, reason string, data Record) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (reason, data, created_at) VALUES (?, ?, ?)`,
		reason, string(encoded), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing dead letter: %w", err)
	}
	return nil
}

// DLQList returns a page of entries, newest first, for the admin listing.
func (s *SQLiteStore) DLQList(ctx context.Context, limit, offset int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.dlqSelect(ctx,
		`SELECT id, reason, data, created_at FROM dead_letters
		 ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
}

// DLQFetch returns up to limit entries in insertion order for the retry worker.
func (s *SQLiteStore) DLQFetch(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.dlqSelect(ctx,
		`SELECT id, reason, data, created_at FROM dead_letters
		 ORDER BY id LIMIT ?`, limit)
}

func (s *SQLiteStore) dlqSelect(ctx context.Context, query string, args ...any) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var entries []DeadLetter
	for rows.Next() {
		var (
			entry DeadLetter
			data  string
		)
		if err := rows.Scan(&entry.ID, &entry.Reason, &data, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &entry.Data); err != nil {
			return nil, fmt.Errorf("decoding dead letter %d: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DLQDelete removes the given entries in a single statement. Called by the
// retry worker only after confirmed redelivery of every id in the batch.
func (s *SQLiteStore) DLQDelete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM dead_letters WHERE id IN (%s)`, placeholders), args...,
	)
	if err != nil {
		return fmt.Errorf("deleting dead letters: %w", err)
	}
	return nil
}

// DLQCount returns the number of queued entries.
func (s *SQLiteStore) DLQCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters`,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return count, nil
}
