package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetbridge/sheetbridge/internal/config"
	"github.com/sheetbridge/sheetbridge/internal/contract"
	"github.com/sheetbridge/sheetbridge/internal/sheets"
	"github.com/sheetbridge/sheetbridge/internal/store"
)

// fakeSource stands in for the Sheets client so handler tests control remote
// behavior without HTTP.
type fakeSource struct {
	mu         sync.Mutex
	configured bool
	pullRows   []store.Record
	pullErr    error
	pushErr    error
	pushed     [][]store.Record
	pushDelay  time.Duration
	onPush     func()
}

func (f *fakeSource) Configured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

func (f *fakeSource) Pull(ctx context.Context) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return f.pullRows, nil
}

func (f *fakeSource) Push(ctx context.Context, rows []store.Record) error {
	f.mu.Lock()
	delay, err := f.pushDelay, f.pushErr
	hook := f.onPush
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.pushed = append(f.pushed, rows)
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeSource) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Schema.Path = filepath.Join(dir, "schema.json")
	cfg.Upsert.KeyColumn = "id"
	cfg.Sheet.AllowWriteBack = true
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)

	contracts := contract.NewRegistry(cfg.Schema.Path)
	require.NoError(t, contracts.Load())

	src := &fakeSource{configured: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newWithDeps(cfg, logger, st, contracts, src)

	t.Cleanup(func() {
		s.limiter.Close()
		_ = st.Close()
	})
	return s, src
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func setContract(t *testing.T, s *Server, c *contract.Contract) {
	t.Helper()
	require.NoError(t, s.contracts.Replace(c))
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestReady(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAppend_StoresAndWritesBack(t *testing.T) {
	s, src := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/append",
		map[string]any{"id": "1", "name": "ada"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["inserted"])
	assert.Equal(t, true, body["wrote"])
	assert.Equal(t, 1, src.pushCount())

	rows, total, err := s.store.QueryRows(context.Background(), store.QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "ada", rows[0]["name"])
}

func TestAppend_UpsertReplacesByKey(t *testing.T) {
	s, _ := newTestServer(t, nil)

	doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "7", "v": "old"}, nil)
	doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "7", "v": "new"}, nil)

	rows, total, err := s.store.QueryRows(context.Background(), store.QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "new", rows[0]["v"])
}

func TestAppend_ValidationFailureDeadLetters(t *testing.T) {
	s, src := newTestServer(t, nil)
	setContract(t, s, &contract.Contract{Columns: map[string]contract.Column{
		"id":  {Type: contract.TypeString, Required: true},
		"qty": {Type: contract.TypeInteger},
	}})

	rec := doJSON(t, s, http.MethodPost, "/append", map[string]any{"qty": "3"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "missing_required:id", decodeBody(t, rec)["reason"])
	assert.Equal(t, 0, src.pushCount())

	n, err := s.store.DLQCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppend_StrictMissingKeyDeadLetters(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/append", map[string]any{"name": "no-key"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	n, err := s.store.DLQCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppend_LenientMissingKeyInserts(t *testing.T) {
	strict := false
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Upsert.Strict = &strict
	})

	rec := doJSON(t, s, http.MethodPost, "/append", map[string]any{"name": "no-key"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, total, err := s.store.QueryRows(context.Background(), store.QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAppend_WriteBackDisabledReturns403(t *testing.T) {
	s, src := newTestServer(t, func(cfg *config.Config) {
		cfg.Sheet.AllowWriteBack = false
	})

	rec := doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["inserted"])
	assert.Equal(t, false, body["wrote"])
	assert.Equal(t, 0, src.pushCount())
}

func TestAppend_RemoteFailureDeadLettersAndReportsLocal(t *testing.T) {
	s, src := newTestServer(t, nil)
	src.pushErr = errors.New("upstream 500")

	rec := doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["wrote"])
	assert.Equal(t, "stored locally, not yet written remotely", body["detail"])

	n, err := s.store.DLQCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppend_DLQCaptureSurvivesClientDisconnect(t *testing.T) {
	s, src := newTestServer(t, nil)

	// Simulate a caller that hangs up mid-push. The push fails with the
	// canceled context, and the compensating dead letter must still land.
	ctx, cancel := context.WithCancel(context.Background())
	src.onPush = cancel
	src.pushErr = context.Canceled

	body, err := json.Marshal(map[string]any{"id": "1"})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/append", bytes.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	n, err := s.store.DLQCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAppend_IdempotentReplay(t *testing.T) {
	s, src := newTestServer(t, nil)
	headers := map[string]string{"Idempotency-Key": "req-1"}

	first := doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"}, headers)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("Idempotency-Replayed"))

	replay := doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"}, headers)
	assert.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, "1", replay.Header().Get("Idempotency-Replayed"))
	// Replays must match the first response byte for byte.
	assert.Equal(t, first.Body.Bytes(), replay.Body.Bytes())

	// Side effects ran once.
	assert.Equal(t, 1, src.pushCount())
	_, total, err := s.store.QueryRows(context.Background(), store.QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestAppend_ExpiredIdempotencyKeyReexecutes(t *testing.T) {
	// A negative TTL makes every cached entry already expired.
	s, src := newTestServer(t, func(cfg *config.Config) {
		cfg.Idempotency.TTL = -time.Hour
	})
	headers := map[string]string{"Idempotency-Key": "req-1"}

	doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"}, headers)

	rec := doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"}, headers)
	assert.Empty(t, rec.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, 2, src.pushCount())
}

func TestBulkAppend_MixedAcceptReject(t *testing.T) {
	s, _ := newTestServer(t, nil)
	setContract(t, s, &contract.Contract{Columns: map[string]contract.Column{
		"id": {Type: contract.TypeString, Required: true},
	}})

	rec := doJSON(t, s, http.MethodPost, "/bulk/append", []map[string]any{
		{"id": "a"},
		{"name": "missing id"},
		{"id": "b"},
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, []any{float64(0), float64(2)}, body["accepted"])
	assert.Equal(t, float64(2), body["count"])

	rejected := body["rejected"].([]any)
	require.Len(t, rejected, 1)
	entry := rejected[0].(map[string]any)
	assert.Equal(t, float64(1), entry["index"])
	assert.Equal(t, "missing_required:id", entry["reason"])

	n, err := s.store.DLQCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBulkAppend_TooManyItems(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Bulk.MaxItems = 2
	})

	rec := doJSON(t, s, http.MethodPost, "/bulk/append", []map[string]any{
		{"id": "1"}, {"id": "2"}, {"id": "3"},
	}, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBulkAppend_FailedChunkDeadLettersItsRows(t *testing.T) {
	s, src := newTestServer(t, func(cfg *config.Config) {
		cfg.Sheet.BatchSize = 2
	})
	src.pushErr = errors.New("upstream down")

	rec := doJSON(t, s, http.MethodPost, "/bulk/append", []map[string]any{
		{"id": "1"}, {"id": "2"}, {"id": "3"},
	}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["wrote"])

	// All three accepted rows were dead-lettered for redelivery.
	n, err := s.store.DLQCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestBulkAppend_IdempotentReplay(t *testing.T) {
	s, _ := newTestServer(t, nil)
	headers := map[string]string{"Idempotency-Key": "bulk-1"}

	first := doJSON(t, s, http.MethodPost, "/bulk/append",
		[]map[string]any{{"id": "1"}}, headers)
	replay := doJSON(t, s, http.MethodPost, "/bulk/append",
		[]map[string]any{{"id": "1"}}, headers)

	assert.Equal(t, "1", replay.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, first.Body.Bytes(), replay.Body.Bytes())
}

func TestQueryRows_FiltersAndPaging(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for i := 0; i < 5; i++ {
		doJSON(t, s, http.MethodPost, "/append",
			map[string]any{"id": fmt.Sprintf("%d", i), "name": fmt.Sprintf("user-%d", i)}, nil)
	}

	rec := doJSON(t, s, http.MethodGet, "/rows?limit=2&offset=1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(5), body["total"])
	assert.Len(t, body["rows"], 2)

	rec = doJSON(t, s, http.MethodGet, "/rows?q=user-3", nil, nil)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])

	rec = doJSON(t, s, http.MethodGet, "/rows?columns=id", nil, nil)
	body = decodeBody(t, rec)
	row := body["rows"].([]any)[0].(map[string]any)
	assert.Contains(t, row, "id")
	assert.NotContains(t, row, "name")
}

func TestQueryRows_SinceAcceptsUnixAndISO(t *testing.T) {
	s, _ := newTestServer(t, nil)
	doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"}, nil)

	rec := doJSON(t, s, http.MethodGet, "/rows?since=0", nil, nil)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])

	rec = doJSON(t, s, http.MethodGet, "/rows?since=2000-01-01", nil, nil)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])

	rec = doJSON(t, s, http.MethodGet, "/rows?since=2999-01-01T00:00:00Z", nil, nil)
	assert.Equal(t, float64(0), decodeBody(t, rec)["total"])

	rec = doJSON(t, s, http.MethodGet, "/rows?since=not-a-time", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRows_RawInsertBypassesValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)
	setContract(t, s, &contract.Contract{Columns: map[string]contract.Column{
		"id": {Type: contract.TypeString, Required: true},
	}})

	// No id and no key column value, yet the raw insert still lands.
	rec := doJSON(t, s, http.MethodPost, "/rows", map[string]any{"free": "form"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, total, err := s.store.QueryRows(context.Background(), store.QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSync_PullsIntoCache(t *testing.T) {
	s, src := newTestServer(t, nil)
	src.pullRows = []store.Record{{"id": "r1"}, {"id": "r2"}}

	rec := doJSON(t, s, http.MethodGet, "/sync", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["synced"])

	_, total, err := s.store.QueryRows(context.Background(), store.QueryOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestSync_NotConfigured(t *testing.T) {
	s, src := newTestServer(t, nil)
	src.configured = false
	src.pullErr = sheets.ErrNotConfigured

	rec := doJSON(t, s, http.MethodPost, "/sync", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSync_PullFailure(t *testing.T) {
	s, src := newTestServer(t, nil)
	src.pullErr = errors.New("upstream 500")

	rec := doJSON(t, s, http.MethodGet, "/sync", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSyncStatus(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Sync.Enabled = true
		cfg.Sync.Interval = 2 * time.Minute
	})

	rec := doJSON(t, s, http.MethodGet, "/sync/status", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, float64(120), body["interval_seconds"])

	state := body["state"].(map[string]any)
	assert.Equal(t, false, state["running"])
	assert.Equal(t, float64(0), state["total_runs"])
}

func TestAppend_RequiresAuthWhenConfigured(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.APIToken = "hunter2"
	})

	rec := doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/append", map[string]any{"id": "1"},
		map[string]string{"Authorization": "Bearer hunter2"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
