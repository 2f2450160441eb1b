package bonus

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/services/engine"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) GetBonus(ctx context.Context, userID int64, limit int) (engine.Bonus, error) {
	args := m.Called(ctx, userID, limit)
	return args.Get(0).(engine.Bonus), args.Error(1)
}

func TestBonusHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name           string
		query          string
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name:  "default limit",
			query: "",
			setupMock: func(m *MockService) {
				m.On("GetBonus", mock.Anything, int64(3), defaultLimit).Return(engine.Bonus{
					UserID: 3, Balance: 5000,
					Entries: []models.BonusEntry{{SourceEventID: "referral:4", Amount: 5000, Reason: models.BonusReasonReferral}},
				}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"balance":5000`,
		},
		{
			name:  "capped limit",
			query: "?limit=1000",
			setupMock: func(m *MockService) {
				m.On("GetBonus", mock.Anything, int64(3), maxLimit).Return(engine.Bonus{UserID: 3, Entries: []models.BonusEntry{}}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"entries":[]`,
		},
		{
			name:  "unknown user",
			query: "",
			setupMock: func(m *MockService) {
				m.On("GetBonus", mock.Anything, int64(3), defaultLimit).Return(engine.Bonus{}, models.ErrNotFound).Once()
			},
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockService)
			tt.setupMock(mockService)
			handler := New(logger, mockService)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/users/3/bonus"+tt.query, nil)
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", "3")
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}
