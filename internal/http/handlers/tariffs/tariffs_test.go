package tariffs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) CreateTariff(ctx context.Context, t models.Tariff) (*models.Tariff, error) {
	args := m.Called(ctx, t)
	if r := args.Get(0); r != nil {
		return r.(*models.Tariff), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) ReviseTariff(ctx context.Context, id int64, t models.Tariff) (*models.Tariff, error) {
	args := m.Called(ctx, id, t)
	if r := args.Get(0); r != nil {
		return r.(*models.Tariff), args.Error(1)
	}
	return nil, args.Error(1)
}

const month = 30 * 24 * time.Hour

func TestCreateHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	week := 7 * 24 * time.Hour

	tests := []struct {
		name           string
		body           string
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "created",
			body: `{"name":"30-day","duration":"720h","price":19900,"currency":"RUB","node_pools":["DE"],"grace_period":"168h"}`,
			setupMock: func(m *MockService) {
				m.On("CreateTariff", mock.Anything, models.Tariff{
					Name: "30-day", Duration: month, Price: 19900, Currency: "RUB",
					NodePools: []string{"DE"}, GracePeriod: &week,
				}).Return(&models.Tariff{ID: 3, Name: "30-day", Duration: month, Price: 19900, Currency: "RUB", Version: 1}, nil).Once()
			},
			expectedStatus: http.StatusCreated,
			expectedBody:   `"version":1`,
		},
		{
			name:           "invalid json",
			body:           `{"name":`,
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `"error":"invalid request body"`,
		},
		{
			name:           "missing name",
			body:           `{"duration":"720h","currency":"RUB"}`,
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   "field Name is a required field",
		},
		{
			name:           "bad duration",
			body:           `{"name":"x","duration":"month","currency":"RUB"}`,
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusUnprocessableEntity,
			expectedBody:   "invalid duration",
		},
		{
			name: "rejected by engine",
			body: `{"name":"x","duration":"-1h","currency":"RUB"}`,
			setupMock: func(m *MockService) {
				m.On("CreateTariff", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("%w: tariff duration must be positive", models.ErrInvalidPayload)).Once()
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "duration must be positive",
		},
		{
			name: "storage failure",
			body: `{"name":"x","duration":"1h","currency":"RUB"}`,
			setupMock: func(m *MockService) {
				m.On("CreateTariff", mock.Anything, mock.Anything).Return(nil, errors.New("db error")).Once()
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

			req := httptest.NewRequest(http.MethodPost, "/api/v1/tariffs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			handler.Create(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}

func TestReviseHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	body := `{"name":"30-day","duration":"720h","price":25000,"currency":"RUB"}`
	terms := models.Tariff{Name: "30-day", Duration: month, Price: 25000, Currency: "RUB"}

	tests := []struct {
		name           string
		id             string
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "new version",
			id:   "3",
			setupMock: func(m *MockService) {
				prev := int64(3)
				m.On("ReviseTariff", mock.Anything, int64(3), terms).
					Return(&models.Tariff{ID: 4, Name: "30-day", Price: 25000, Version: 2, PreviousID: &prev}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"previous_id":3`,
		},
		{
			name:           "invalid id",
			id:             "abc",
			setupMock:      func(*MockService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "invalid id",
		},
		{
			name: "unknown tariff",
			id:   "9",
			setupMock: func(m *MockService) {
				m.On("ReviseTariff", mock.Anything, int64(9), terms).
					Return(nil, fmt.Errorf("engine.ReviseTariff: %w", models.ErrNotFound)).Once()
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name: "archived tariff",
			id:   "2",
			setupMock: func(m *MockService) {
				m.On("ReviseTariff", mock.Anything, int64(2), terms).
					Return(nil, fmt.Errorf("%w: tariff 2 is archived", models.ErrInvalidPayload)).Once()
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody:   "is archived",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockService)
			tt.setupMock(mockService)
			handler := New(logger, mockService)

			req := httptest.NewRequest(http.MethodPut, "/api/v1/tariffs/"+tt.id, bytes.NewBufferString(body))
			req.Header.Set("Content-Type", "application/json")
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tt.id)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
			w := httptest.NewRecorder()

			handler.Revise(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}
