package catalog

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

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) ListNodes(ctx context.Context) ([]models.Node, error) {
	args := m.Called(ctx)
	if n := args.Get(0); n != nil {
		return n.([]models.Node), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) ListTariffs(ctx context.Context) ([]models.Tariff, error) {
	args := m.Called(ctx)
	if t := args.Get(0); t != nil {
		return t.([]models.Tariff), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestCatalogHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name           string
		tariffs        bool
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "nodes",
			setupMock: func(m *MockService) {
				m.On("ListNodes", mock.Anything).Return([]models.Node{
					{ID: "n1", Name: "Frankfurt", Pool: "eu", Health: models.NodeHealthy},
				}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"name":"Frankfurt"`,
		},
		{
			name: "no nodes yet",
			setupMock: func(m *MockService) {
				m.On("ListNodes", mock.Anything).Return(nil, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"nodes":[]`,
		},
		{
			name: "nodes storage failure",
			setupMock: func(m *MockService) {
				m.On("ListNodes", mock.Anything).Return(nil, errors.New("db error")).Once()
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `"error":"internal error"`,
		},
		{
			name:    "tariffs",
			tariffs: true,
			setupMock: func(m *MockService) {
				m.On("ListTariffs", mock.Anything).Return([]models.Tariff{
					{ID: 1, Name: "30-day", Duration: 30 * 24 * time.Hour, Price: 19900, Currency: "RUB"},
				}, nil).Once()
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"price":19900`,
		},
		{
			name:    "tariffs storage failure",
			tariffs: true,
			setupMock: func(m *MockService) {
				m.On("ListTariffs", mock.Anything).Return(nil, errors.New("db error")).Once()
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockService)
			tt.setupMock(mockService)
			handler := New(logger, mockService)
			w := httptest.NewRecorder()

			if tt.tariffs {
				handler.Tariffs(w, httptest.NewRequest(http.MethodGet, "/api/v1/tariffs", nil))
			} else {
				handler.Nodes(w, httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil))
			}

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}
