// ABOUTME: Public HTTP handlers for health, row queries, appends, and sync control
// ABOUTME: Append handlers run the validate, upsert, write-back, and DLQ pipeline

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sheetbridge/sheetbridge/internal/sheets"
	"github.com/sheetbridge/sheetbridge/internal/store"
)

// idempotencyHeader carries the client's replay key on append requests.
const idempotencyHeader = "Idempotency-Key"

// writeJSON serializes v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error body in the shape clients expect.
func sendJSONError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness means the store answers queries, not that a sync has run.
	if _, err := s.store.DLQCount(r.Context()); err != nil {
		sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleRows serves GET for querying the cache and POST for a raw insert that
// bypasses validation and upsert.
func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleQueryRows(w, r)
	case http.MethodPost:
		if !s.gate.Authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		s.handleInsertRow(w, r)
	default:
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleQueryRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := store.QueryOptions{
		Substring: q.Get("q"),
		Limit:     100,
	}
	if cols := q.Get("columns"); cols != "" {
		for _, c := range strings.Split(cols, ",") {
			if c = strings.TrimSpace(c); c != "" {
				opts.Columns = append(opts.Columns, c)
			}
		}
	}
	if since := q.Get("since"); since != "" {
		ts, err := parseSince(since)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid since value")
			return
		}
		opts.SinceUnix = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			sendJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}

	rows, total, err := s.store.QueryRows(r.Context(), opts)
	if err != nil {
		s.logger.Error("querying rows", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rows":   rows,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// parseSince accepts a unix timestamp or an ISO date/datetime. Naive
// datetimes are read as UTC.
func parseSince(v string) (int64, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", v)
}

func (s *Server) handleInsertRow(w http.ResponseWriter, r *http.Request) {
	var rec store.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	n, err := s.store.InsertRows(r.Context(), []store.Record{rec}, s.cfg.Upsert.KeyColumn)
	if err != nil {
		s.logger.Error("inserting row", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "insert failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": n})
}

// replayCached serves the cached response for the request's idempotency key,
// if any. It returns the key and whether the request was already answered.
func (s *Server) replayCached(w http.ResponseWriter, r *http.Request) (string, bool) {
	idemKey := r.Header.Get(idempotencyHeader)
	if idemKey == "" {
		return "", false
	}
	cached, err := s.store.GetIdempotency(r.Context(), idemKey, s.cfg.Idempotency.TTL)
	if err != nil {
		return idemKey, false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotency-Replayed", "1")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cached)
	return idemKey, true
}

// handleAppend runs one record through the full pipeline: idempotent replay,
// validation, upsert, and optional remote write-back with DLQ capture.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()

	idemKey, replayed := s.replayCached(w, r)
	if replayed {
		return
	}

	var rec store.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ok, cleaned, reason := s.contracts.ValidateRecord(rec)
	if !ok {
		if err := s.store.DLQWrite(ctx, reason, rec); err != nil {
			s.logger.Error("dead-lettering invalid record", "error", err)
		}
		s.logger.Warn("record rejected", "reason", reason)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"detail": "invalid",
			"reason": reason,
		})
		return
	}

	inserted, err := s.upsertOne(r, cleaned)
	if err != nil {
		if errors.Is(err, store.ErrMissingKey) {
			if dlqErr := s.store.DLQWrite(ctx, err.Error(), rec); dlqErr != nil {
				s.logger.Error("dead-lettering keyless record", "error", dlqErr)
			}
			sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("storing record", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "store failed")
		return
	}

	out := map[string]any{
		"inserted": inserted,
		"wrote":    false,
	}
	if idemKey != "" {
		out["idempotency_key"] = idemKey
	}

	status := http.StatusOK
	switch {
	case !s.cfg.Sheet.AllowWriteBack:
		status = http.StatusForbidden
	case !s.source.Configured():
		// Stored locally; nothing remote to write to.
	default:
		if err := s.source.Push(ctx, []store.Record{cleaned}); err != nil {
			s.logger.Warn("remote write-back failed", "error", err)
			// The push may have failed because the client went away; the
			// compensating capture must still land.
			if dlqErr := s.store.DLQWrite(context.WithoutCancel(ctx), "write_failed", cleaned); dlqErr != nil {
				s.logger.Error("dead-lettering failed write", "error", dlqErr)
			}
			out["detail"] = "stored locally, not yet written remotely"
			status = http.StatusAccepted
		} else {
			out["wrote"] = true
		}
	}

	s.respondIdempotent(w, r, idemKey, status, out)
}

// upsertOne stores a validated record honoring the configured key column and
// strictness.
func (s *Server) upsertOne(r *http.Request, rec store.Record) (int, error) {
	keyColumn := s.cfg.Upsert.KeyColumn
	if keyColumn == "" {
		return s.store.InsertRows(r.Context(), []store.Record{rec}, "")
	}
	return s.store.UpsertByKey(r.Context(), []store.Record{rec}, keyColumn, s.cfg.Upsert.StrictEnabled())
}

// respondIdempotent marshals out exactly once, caches those bytes under
// idemKey when set, and writes the same bytes, so a replay and the first
// response are byte-identical.
func (s *Server) respondIdempotent(w http.ResponseWriter, r *http.Request, idemKey string, status int, out any) {
	body, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("encoding response", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "encoding failed")
		return
	}
	if idemKey != "" {
		if err := s.store.SaveIdempotency(r.Context(), idemKey, body); err != nil {
			s.logger.Error("caching idempotency response", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// handleBulkAppend applies the append pipeline per record, accepting and
// rejecting items independently, then writes accepted rows back in chunks.
func (s *Server) handleBulkAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()

	idemKey, replayed := s.replayCached(w, r)
	if replayed {
		return
	}

	var records []store.Record
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(records) > s.cfg.Bulk.MaxItems {
		sendJSONError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("too many items, max %d", s.cfg.Bulk.MaxItems))
		return
	}

	accepted := []int{}
	rejected := []map[string]any{}
	var acceptedRows []store.Record
	count := 0

	for i, rec := range records {
		ok, cleaned, reason := s.contracts.ValidateRecord(rec)
		if !ok {
			if err := s.store.DLQWrite(ctx, reason, rec); err != nil {
				s.logger.Error("dead-lettering invalid record", "error", err)
			}
			rejected = append(rejected, map[string]any{"index": i, "reason": reason})
			continue
		}
		n, err := s.upsertOne(r, cleaned)
		if err != nil {
			if errors.Is(err, store.ErrMissingKey) {
				if dlqErr := s.store.DLQWrite(ctx, err.Error(), rec); dlqErr != nil {
					s.logger.Error("dead-lettering keyless record", "error", dlqErr)
				}
				rejected = append(rejected, map[string]any{"index": i, "reason": err.Error()})
				continue
			}
			s.logger.Error("storing record", "index", i, "error", err)
			sendJSONError(w, http.StatusInternalServerError, "store failed")
			return
		}
		count += n
		accepted = append(accepted, i)
		acceptedRows = append(acceptedRows, cleaned)
	}

	wrote := false
	if s.cfg.Sheet.AllowWriteBack && s.source.Configured() && len(acceptedRows) > 0 {
		wrote = s.writeBackChunks(r, acceptedRows)
	}

	out := map[string]any{
		"accepted": accepted,
		"rejected": rejected,
		"count":    count,
		"wrote":    wrote,
	}
	if idemKey != "" {
		out["idempotency_key"] = idemKey
	}
	s.respondIdempotent(w, r, idemKey, http.StatusOK, out)
}

// writeBackChunks pushes rows remotely in batch-size chunks. A failed chunk
// dead-letters its own rows only; later chunks still go out. Returns true
// only when every chunk succeeded.
func (s *Server) writeBackChunks(r *http.Request, rows []store.Record) bool {
	size := s.cfg.Sheet.BatchSize
	if size <= 0 {
		size = len(rows)
	}
	ok := true
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunk := rows[start:end]
		if err := s.source.Push(r.Context(), chunk); err != nil {
			s.logger.Warn("bulk write-back chunk failed",
				"start", start, "size", len(chunk), "error", err)
			for _, rec := range chunk {
				if dlqErr := s.store.DLQWrite(context.WithoutCancel(r.Context()), "write_failed", rec); dlqErr != nil {
					s.logger.Error("dead-lettering failed write", "error", dlqErr)
				}
			}
			ok = false
		}
	}
	return ok
}

// handleSync triggers an immediate pull from the remote source.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, err := s.pullOnce(r.Context())
	if err != nil {
		if errors.Is(err, sheets.ErrNotConfigured) {
			sendJSONError(w, http.StatusServiceUnavailable, "remote source not configured")
			return
		}
		s.logger.Error("manual sync failed", "error", err)
		sendJSONError(w, http.StatusBadGateway, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": n})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.syncState.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":             s.cfg.Sync.Enabled,
		"interval_seconds":    int(s.cfg.Sync.Interval.Seconds()),
		"jitter_seconds":      int(s.cfg.Sync.Jitter.Seconds()),
		"backoff_max_seconds": int(s.cfg.Sync.BackoffMax.Seconds()),
		"state":               snap,
	})
}
