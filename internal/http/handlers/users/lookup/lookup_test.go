package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) LookupUser(ctx context.Context, externalID int64) (*models.UserProfile, error) {
	args := m.Called(ctx, externalID)
	if p := args.Get(0); p != nil {
		return p.(*models.UserProfile), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestLookupHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name           string
		externalID     string
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:       "found",
			externalID: "9001",
			setupMock: func(m *MockService) {
				m.On("LookupUser", mock.Anything, int64(9001)).Return(&models.UserProfile{
					User:       models.User{ID: 4, ExternalID: 9001, ReferralCode: "ABC"},
					HasHistory: true,
				}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"has_history":true`,
		},
		{
			name:           "invalid id",
			externalID:     "0",
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "invalid external_id",
		},
		{
			name:       "not registered",
			externalID: "77",
			setupMock: func(m *MockService) {
				m.On("LookupUser", mock.Anything, int64(77)).
					Return(nil, fmt.Errorf("engine.LookupUser: %w", models.ErrNotFound)).Once()
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:       "storage failure",
			externalID: "78",
			setupMock: func(m *MockService) {
				m.On("LookupUser", mock.Anything, int64(78)).Return(nil, errors.New("db error")).Once()
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `"error":"internal error"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockService)
			tt.setupMock(mockService)
			handler := New(logger, mockService)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/users/by-external/"+tt.externalID, nil)
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("external_id", tt.externalID)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}
