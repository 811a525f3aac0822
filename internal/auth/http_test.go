// ABOUTME: Tests for HTTP API key authentication middleware
// ABOUTME: Covers key lookup priority, constant-time matching, anonymous mode, and context

package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T, ks *KeySet, req *http.Request) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(ks, testLogger())(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_KeySources(t *testing.T) {
	ks, err := NewKeySet([]string{"alpha", "beta"}, false)
	require.NoError(t, err)

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantStatus int
		wantSource string
	}{
		{
			name:       "goog header",
			setup:      func(r *http.Request) { r.Header.Set("x-goog-api-key", "alpha") },
			wantStatus: http.StatusOK,
			wantSource: SourceGoogHeader,
		},
		{
			name:       "bearer",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer beta") },
			wantStatus: http.StatusOK,
			wantSource: SourceBearer,
		},
		{
			name:       "x-api-key",
			setup:      func(r *http.Request) { r.Header.Set("x-api-key", "alpha") },
			wantStatus: http.StatusOK,
			wantSource: SourceAPIKey,
		},
		{
			name: "query",
			setup: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("key", "beta")
				r.URL.RawQuery = q.Encode()
			},
			wantStatus: http.StatusOK,
			wantSource: SourceQuery,
		},
		{
			name: "goog header wins over valid bearer",
			setup: func(r *http.Request) {
				r.Header.Set("x-goog-api-key", "wrong")
				r.Header.Set("Authorization", "Bearer alpha")
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "bearer wins over query",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer alpha")
				r.URL.RawQuery = "key=wrong"
			},
			wantStatus: http.StatusOK,
			wantSource: SourceBearer,
		},
		{
			name:       "non-bearer authorization is ignored",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Basic alpha") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			tt.setup(req)
			rec, authCtx := serve(t, ks, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				require.NotNil(t, authCtx)
				assert.Equal(t, tt.wantSource, authCtx.Source)
				assert.Len(t, authCtx.KeyID, 8)
				assert.False(t, authCtx.Anonymous)
			} else {
				assert.Nil(t, authCtx)
			}
		})
	}
}

func TestHTTPAuthMiddleware_ErrorBody(t *testing.T) {
	ks, err := NewKeySet([]string{"alpha"}, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "nope")
	rec, _ := serve(t, ks, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 401, body.Error.Code)
	assert.Equal(t, "invalid api key", body.Error.Message)
	assert.Equal(t, "UNAUTHENTICATED", body.Error.Status)
}

func TestHTTPAuthMiddleware_Anonymous(t *testing.T) {
	ks, err := NewKeySet(nil, true)
	require.NoError(t, err)
	assert.True(t, ks.Anonymous())

	rec, authCtx := serve(t, ks, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, authCtx)
	assert.True(t, authCtx.Anonymous)
}

func TestNewKeySet(t *testing.T) {
	_, err := NewKeySet(nil, false)
	assert.ErrorIs(t, err, ErrNoKeys)

	_, err = NewKeySet([]string{" ", ""}, false)
	assert.ErrorIs(t, err, ErrNoKeys)

	ks, err := NewKeySet([]string{" alpha "}, true)
	require.NoError(t, err)
	assert.False(t, ks.Anonymous(), "configured keys take precedence over anonymous mode")
	assert.True(t, ks.Match("alpha"))
	assert.False(t, ks.Match("alph"))
	assert.False(t, ks.Match(""))
}

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}
