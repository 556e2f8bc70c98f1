package server

import (
	"crypto/subtle"
	"net/http"
)

// SharedSecretMiddleware rejects requests whose header does not carry
// secret. An empty secret disables the check.
func SharedSecretMiddleware(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				AddLogField(r.Context(), "auth", "invalid shared secret")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing " + header})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
