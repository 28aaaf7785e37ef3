package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotency_SaveAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdempotency(ctx, "k1", []byte(`{"inserted":1}`)))

	got, err := store.GetIdempotency(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inserted":1}`, string(got))
}

func TestIdempotency_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetIdempotency(context.Background(), "nope", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotency_SaveReplaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdempotency(ctx, "k1", []byte(`{"v":1}`)))
	require.NoError(t, store.SaveIdempotency(ctx, "k1", []byte(`{"v":2}`)))

	got, err := store.GetIdempotency(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))
}

func TestIdempotency_TTLExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdempotency(ctx, "k1", []byte(`{}`)))

	// Backdate the entry past the TTL; expired entries read as absent.
	_, err := store.db.ExecContext(ctx,
		`UPDATE idempotency SET created_at = ? WHERE key = ?`,
		time.Now().Add(-2*time.Hour).Unix(), "k1",
	)
	require.NoError(t, err)

	_, err = store.GetIdempotency(ctx, "k1", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdempotency_Purge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveIdempotency(ctx, "old", []byte(`{}`)))
	require.NoError(t, store.SaveIdempotency(ctx, "fresh", []byte(`{}`)))

	_, err := store.db.ExecContext(ctx,
		`UPDATE idempotency SET created_at = ? WHERE key = ?`,
		time.Now().Add(-2*time.Hour).Unix(), "old",
	)
	require.NoError(t, err)

	purged, err := store.PurgeIdempotency(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	// The fresh entry survives the purge.
	_, err = store.GetIdempotency(ctx, "fresh", time.Hour)
	assert.NoError(t, err)
	_, err = store.GetIdempotency(ctx, "old", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}
