package middlewarectx_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/middlewarectx"
)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func TestBearerMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		token          string
		authHeader     string
		wantStatusCode int
		wantCalled     bool
	}{
		{name: "missing header", token: "s3cret", wantStatusCode: http.StatusUnauthorized},
		{name: "wrong scheme", token: "s3cret", authHeader: "Basic s3cret", wantStatusCode: http.StatusUnauthorized},
		{name: "wrong token", token: "s3cret", authHeader: "Bearer nope", wantStatusCode: http.StatusUnauthorized},
		{name: "token prefix only", token: "s3cret", authHeader: "Bearer s3c", wantStatusCode: http.StatusUnauthorized},
		{name: "empty configured token", token: "", authHeader: "Bearer ", wantStatusCode: http.StatusUnauthorized},
		{name: "valid token", token: "s3cret", authHeader: "Bearer s3cret", wantStatusCode: http.StatusOK, wantCalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})
			h := middlewarectx.BearerMiddleware(tt.token, newNoopLogger())(next)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatusCode, rec.Code)
			assert.Equal(t, tt.wantCalled, called)
			if !tt.wantCalled {
				assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := middlewarectx.RateLimitMiddleware(0.001, 2, newNoopLogger())(next)

	codes := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
