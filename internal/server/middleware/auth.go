// Package middleware holds the HTTP middleware chain for the control API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth gates the API behind a static key, accepted either as a Bearer token
// or in the X-API-Key header. An empty key disables the gate, which is the
// expected setup for paper trading on a loopback bind.
func Auth(apiKey string) func(http.Handler) http.Handler {
	secret := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := credential(r)
			if presented == "" {
				deny(w, "missing credentials")
				return
			}
			// Constant-time so response timing leaks nothing about the key.
			if subtle.ConstantTimeCompare([]byte(presented), secret) != 1 {
				deny(w, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// credential pulls the presented key out of the request, preferring the
// Authorization header over X-API-Key.
func credential(r *http.Request) string {
	const scheme = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(scheme) &&
		strings.EqualFold(auth[:len(scheme)], scheme) {
		return strings.TrimSpace(auth[len(scheme):])
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
