package license

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func newTestClient(url string) *Client {
	return NewClient(config.License{URL: url, Key: "KEY-1", Timeout: 2 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClientCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    Status
		wantErr bool
	}{
		{"valid status", http.StatusOK, `{"status":"valid"}`, StatusValid, false},
		{"valid flag", http.StatusOK, `{"valid":true}`, StatusValid, false},
		{"invalid", http.StatusOK, `{"status":"invalid","reason":"expired"}`, StatusInvalid, false},
		{"invalid flag", http.StatusOK, `{"valid":false}`, StatusInvalid, false},
		{"forbidden is unknown", http.StatusForbidden, ``, StatusUnknown, true},
		{"garbage is unknown", http.StatusOK, `<html>`, StatusUnknown, true},
		{"empty is unknown", http.StatusOK, `{}`, StatusUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := newTestClient(srv.URL).Check(context.Background())
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientCheck_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"valid"}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusValid, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientCheck_Unreachable(t *testing.T) {
	c := NewClient(config.License{URL: "http://127.0.0.1:1/check", Timeout: 300 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	got, err := c.Check(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusUnknown, got)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestGuard_ImmediateWithoutGrace(t *testing.T) {
	g := NewGuard(0)
	require.NoError(t, g.Check())

	was, now := g.Observe(StatusInvalid)
	assert.False(t, was)
	assert.True(t, now)
	assert.ErrorIs(t, g.Check(), models.ErrServingDisabled)

	was, now = g.Observe(StatusValid)
	assert.True(t, was)
	assert.False(t, now)
	assert.NoError(t, g.Check())
}

func TestGuard_Grace(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGuard(2 * time.Hour).WithClock(c.now)

	g.Observe(StatusInvalid)
	assert.False(t, g.Disabled())

	c.t = c.t.Add(time.Hour)
	g.Observe(StatusInvalid)
	assert.False(t, g.Disabled(), "invalid_since is kept from the first invalid result")

	c.t = c.t.Add(time.Hour)
	assert.True(t, g.Disabled(), "grace elapses between checks")

	snap := g.Snapshot()
	assert.Equal(t, StatusInvalid, snap.Status)
	assert.True(t, snap.ServingDisabled)
	require.NotNil(t, snap.InvalidSince)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *snap.InvalidSince)
}

func TestGuard_UnknownChangesNothing(t *testing.T) {
	g := NewGuard(0)
	g.Observe(StatusUnknown)
	assert.False(t, g.Disabled())

	g.Observe(StatusInvalid)
	g.Observe(StatusUnknown)
	assert.True(t, g.Disabled())
	assert.Equal(t, StatusInvalid, g.Snapshot().Status)
}
