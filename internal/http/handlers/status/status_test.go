package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/vpn-entitlements/internal/license"
)

type MockLicense struct {
	mock.Mock
}

func (m *MockLicense) LicenseStatus() license.Snapshot {
	return m.Called().Get(0).(license.Snapshot)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestLicense(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	svc := new(MockLicense)
	svc.On("LicenseStatus").Return(license.Snapshot{
		Status:          license.StatusInvalid,
		InvalidSince:    &since,
		ServingDisabled: true,
	}).Once()

	w := httptest.NewRecorder()
	New(logger, svc, nil).License(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"invalid"`)
	assert.Contains(t, w.Body.String(), `"serving_disabled":true`)
	svc.AssertExpectations(t)
}

func TestHealth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	up := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name           string
		deps           map[string]Pinger
		expectedStatus int
		expectedBody   []string
	}{
		{
			name:           "all up",
			deps:           map[string]Pinger{"postgres": up, "redis": up},
			expectedStatus: http.StatusOK,
			expectedBody:   []string{`"postgres":"up"`, `"redis":"up"`},
		},
		{
			name:           "cache down",
			deps:           map[string]Pinger{"postgres": up, "redis": down},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   []string{`"redis":"down"`, `"status":"Error"`},
		},
		{
			name:           "optional dependency absent",
			deps:           map[string]Pinger{"postgres": up, "redis": nil},
			expectedStatus: http.StatusOK,
			expectedBody:   []string{`"checks":{"postgres":"up"}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicense)
			svc.On("LicenseStatus").Return(license.Snapshot{Status: license.StatusValid})

			w := httptest.NewRecorder()
			New(logger, svc, tt.deps).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			for _, body := range tt.expectedBody {
				assert.Contains(t, w.Body.String(), body)
			}
		})
	}
}
