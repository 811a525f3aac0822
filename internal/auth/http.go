// ABOUTME: HTTP middleware for shared-secret API key authentication
// ABOUTME: Looks the key up in header priority order and compares in constant time

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrNoKeys indicates no API keys are configured and anonymous access is off.
var ErrNoKeys = errors.New("no api keys configured")

// Key sources in lookup priority order.
const (
	SourceGoogHeader = "x-goog-api-key"
	SourceBearer     = "authorization"
	SourceAPIKey     = "x-api-key"
	SourceQuery      = "key"
)

// KeySet holds the configured API keys.
type KeySet struct {
	keys      [][]byte
	anonymous bool
}

// NewKeySet builds a KeySet. With no keys it fails unless allowAnonymous is set,
// in which case every request is admitted.
func NewKeySet(keys []string, allowAnonymous bool) (*KeySet, error) {
	ks := &KeySet{anonymous: allowAnonymous}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			ks.keys = append(ks.keys, []byte(k))
		}
	}
	if len(ks.keys) == 0 && !allowAnonymous {
		return nil, ErrNoKeys
	}
	return ks, nil
}

// Anonymous reports whether requests are admitted without a key.
func (ks *KeySet) Anonymous() bool {
	return len(ks.keys) == 0 && ks.anonymous
}

// Match reports whether key equals any configured key. Every configured key
// is compared so timing does not reveal which one matched.
func (ks *KeySet) Match(key string) bool {
	candidate := []byte(key)
	matched := 0
	for _, k := range ks.keys {
		matched |= subtle.ConstantTimeCompare(k, candidate)
	}
	return matched == 1
}

// extractAPIKey finds the client key. Returns the key and where it came from.
func extractAPIKey(r *http.Request) (string, string) {
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key, SourceGoogHeader
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		if key := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")); key != "" {
			return key, SourceBearer
		}
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key, SourceAPIKey
	}
	if key := r.URL.Query().Get("key"); key != "" {
		return key, SourceQuery
	}
	return "", ""
}

// fingerprint returns a short, non-reversible id for a key.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

// writeUnauthorized writes the standard error body with status 401.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    http.StatusUnauthorized,
			"message": message,
			"status":  "UNAUTHENTICATED",
		},
	})
}

// HTTPAuthMiddleware admits requests carrying a configured API key and attaches
// an AuthContext to the request context.
func HTTPAuthMiddleware(keys *KeySet, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys.Anonymous() {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{Anonymous: true})))
				return
			}

			key, source := extractAPIKey(r)
			if key == "" {
				writeUnauthorized(w, "missing api key")
				return
			}
			if !keys.Match(key) {
				logger.Warn("rejected request with invalid api key",
					"source", source,
					"remote", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeUnauthorized(w, "invalid api key")
				return
			}

			authCtx := &AuthContext{KeyID: fingerprint(key), Source: source}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
