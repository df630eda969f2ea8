package api

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

type contextKey string

const sessionKey contextKey = "sessionId"

// sessionRe accepts UUIDv4 only; the session identifier is client-generated.
var sessionRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// requireSession validates the X-Session-Id header and stores it in the
// request context.
func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := r.Header.Get("X-Session-Id")
		if !sessionRe.MatchString(sid) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Missing or invalid X-Session-Id header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sid)))
	})
}

func sessionFrom(r *http.Request) string {
	sid, _ := r.Context().Value(sessionKey).(string)
	return sid
}

// requireOIDC verifies the bearer token of worker callbacks against the
// configured audience. In emulation mode the check is bypassed for local
// development.
func requireOIDC(verifier TokenVerifier, audience string, emulate bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if emulate {
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token == r.Header.Get("Authorization") {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Missing bearer token"})
				return
			}
			if err := verifier.Verify(r.Context(), token, audience); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Invalid token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware applies the configured allowed origins.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := map[string]bool{}
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Session-Id")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the caller's address for the per-IP backstop, preferring
// the left-most X-Forwarded-For entry.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
