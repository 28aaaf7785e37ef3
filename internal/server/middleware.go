// ABOUTME: HTTP middleware for access logging, CORS, and per-client rate limiting
// ABOUTME: Each request carries a generated X-Request-ID through the log line

package server

import (
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sheetbridge/sheetbridge/internal/metrics"
)

// clientKey identifies the caller for rate limiting. The remote host is
// enough; a proxy-aware deployment would swap in a forwarded header here.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		sw := metrics.NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sw, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.Status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client", clientKey(r),
			"request_id", requestID,
		)
	})
}

// rateLimitMiddleware rejects callers that exhausted their token bucket.
// Health and metrics stay reachable for probes and scrapers.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if !s.cfg.RateLimit.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/ready", s.cfg.Metrics.Path:
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow(clientKey(r), s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst) {
			sendJSONError(w, http.StatusTooManyRequests, "rate limit")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := s.cfg.Server.CORSAllowOrigins
	if len(origins) == 0 {
		return next
	}
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-API-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
