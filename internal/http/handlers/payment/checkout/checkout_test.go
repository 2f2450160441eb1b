package checkout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) StartCheckout(ctx context.Context, userID, tariffID int64, providerID, providerTxID string) (*models.Transaction, error) {
	args := m.Called(ctx, userID, tariffID, providerID, providerTxID)
	if res := args.Get(0); res != nil {
		return res.(*models.Transaction), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestCheckoutHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	valid := `{"user_id":1,"tariff_id":2,"provider":"yookassa","provider_tx_id":"p-1"}`

	tests := []struct {
		name           string
		body           string
		setupMock      func(m *MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "created",
			body: valid,
			setupMock: func(m *MockService) {
				m.On("StartCheckout", mock.Anything, int64(1), int64(2), "yookassa", "p-1").
					Return(&models.Transaction{ID: 9, Provider: "yookassa", ProviderTxID: "p-1", Status: models.TxPending}, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			expectedBody:   `"status":"pending"`,
		},
		{
			name:           "invalid json",
			body:           `{`,
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `"error":"invalid request body"`,
		},
		{
			name:           "validation failed",
			body:           `{"user_id":0,"tariff_id":2,"provider":"yookassa"}`,
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   "field ProviderTxID is a required field",
		},
		{
			name: "already registered",
			body: valid,
			setupMock: func(m *MockService) {
				m.On("StartCheckout", mock.Anything, int64(1), int64(2), "yookassa", "p-1").Return(nil, models.ErrDuplicate).Once()
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "banned user",
			body: valid,
			setupMock: func(m *MockService) {
				m.On("StartCheckout", mock.Anything, int64(1), int64(2), "yookassa", "p-1").Return(nil, models.ErrUserBanned).Once()
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name: "storage failure",
			body: valid,
			setupMock: func(m *MockService) {
				m.On("StartCheckout", mock.Anything, int64(1), int64(2), "yookassa", "p-1").Return(nil, errors.New("db error")).Once()
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

			req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}
