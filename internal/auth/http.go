// ABOUTME: HTTP middleware gating write and admin endpoints
// ABOUTME: Accepts the static bearer token, configured API keys, or a signed JWT

package auth

import (
	"net/http"
	"strings"
)

// Gate answers the single question the core consumes: is this request
// authorized to write or administer. Credentials are a static bearer token,
// a set of API keys (bearer or X-API-Key header), or an HS256 JWT when a
// secret is configured. A gate with no credentials configured at all is
// open, so a local deployment works without auth setup.
type Gate struct {
	token    string
	keys     map[string]struct{}
	verifier *JWTVerifier
	open     bool
}

// NewGate builds a gate from the configured credentials. An empty jwtSecret
// disables JWT verification.
func NewGate(token string, keys []string, jwtSecret string) *Gate {
	g := &Gate{
		token: strings.TrimSpace(token),
		keys:  make(map[string]struct{}, len(keys)),
	}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			g.keys[k] = struct{}{}
		}
	}
	if jwtSecret != "" {
		g.verifier = NewJWTVerifier([]byte(jwtSecret))
	}
	g.open = g.token == "" && len(g.keys) == 0 && g.verifier == nil
	return g
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authorized reports whether the request carries a valid credential.
func (g *Gate) Authorized(r *http.Request) bool {
	if g.open {
		return true
	}
	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		if g.token != "" && token == g.token {
			return true
		}
		if _, ok := g.keys[token]; ok {
			return true
		}
		if g.verifier != nil {
			if _, err := g.verifier.Verify(token); err == nil {
				return true
			}
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		if _, ok := g.keys[key]; ok {
			return true
		}
	}
	return false
}

// Require wraps a handler, rejecting unauthorized requests with 401 JSON.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Authorized(r) {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
