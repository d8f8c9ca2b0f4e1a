// Package auth provides the admin authentication gate and request rate
// limiting for the controller API.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
)

// AdminTokenHeader is the header carrying the admin secret.
const AdminTokenHeader = "X-Admin-Token"

// AdminToken returns a middleware that rejects requests whose
// X-Admin-Token header does not match the configured secret.
func AdminToken(secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(AdminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				logger.Warn("admin request rejected",
					"path", r.URL.Path,
					"remote", r.RemoteAddr,
				)
				respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// respondErr writes a JSON error without importing httpserver (which
// imports this package).
func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
