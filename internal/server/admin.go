// ABOUTME: Operator endpoints for schema swaps, DLQ inspection and retry,
// ABOUTME: idempotency purging, and duplicate-key reporting

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sheetbridge/sheetbridge/internal/contract"
	"github.com/sheetbridge/sheetbridge/internal/store"
)

// handleSchema serves the active contract on GET and hot-swaps it on POST.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		active := s.contracts.Get()
		if active == nil {
			writeJSON(w, http.StatusOK, map[string]any{"columns": map[string]contract.Column{}})
			return
		}
		writeJSON(w, http.StatusOK, active)
	case http.MethodPost:
		var c contract.Contract
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := s.contracts.Replace(&c); err != nil {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Info("schema contract replaced", "columns", len(c.Columns))
		writeJSON(w, http.StatusOK, map[string]any{
			"saved":   s.contracts.Path(),
			"columns": len(c.Columns),
		})
	default:
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	items, err := s.store.DLQList(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("listing dead letters", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "dlq list failed")
		return
	}
	if items == nil {
		items = []store.DeadLetter{}
	}
	total, err := s.store.DLQCount(r.Context())
	if err != nil {
		s.logger.Error("counting dead letters", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "dlq count failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	})
}

// handleDLQRetry runs one retry cycle on demand, independent of the
// background worker's schedule.
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.source.Configured() {
		sendJSONError(w, http.StatusServiceUnavailable, "remote source not configured")
		return
	}
	attempted, delivered, err := s.worker.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("manual dlq retry failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"attempted": attempted,
		"delivered": delivered,
	})
}

func (s *Server) handlePurgeIdempotency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, err := s.store.PurgeIdempotency(r.Context(), s.cfg.Idempotency.TTL)
	if err != nil {
		s.logger.Error("purging idempotency cache", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// handleDupes reports key values held by multiple cached rows. This is an
// operator signal; the cache itself is never mutated here.
func (s *Server) handleDupes(w http.ResponseWriter, r *http.Request) {
	keyColumn := s.cfg.Upsert.KeyColumn
	if keyColumn == "" {
		sendJSONError(w, http.StatusBadRequest, "no key column configured")
		return
	}
	dupes, err := s.store.FindDuplicates(r.Context(), keyColumn)
	if err != nil {
		s.logger.Error("finding duplicates", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "dupe scan failed")
		return
	}
	if dupes == nil {
		dupes = []store.Duplicate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_column": keyColumn,
		"duplicates": dupes,
	})
}
