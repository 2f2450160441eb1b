// Package webhook принимает уведомления платёжных провайдеров.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

const maxBodyBytes = 1 << 20

type Service interface {
	HandleIncomingPayment(ctx context.Context, providerID string, cb paymentprovider.Callback) error
}

type Handler struct {
	log     *slog.Logger
	service Service
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Уведомление платёжного провайдера
// @Description Проверяет подпись, записывает транзакцию и активирует подписку. Повтор уже обработанного уведомления возвращает 200.
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param provider path string true "Идентификатор провайдера"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Неверная подпись или формат"
// @Failure 500 {object} response.ErrorResponse "Временная ошибка, провайдер повторит доставку"
// @Failure 503 {object} response.ErrorResponse "Обслуживание отключено"
// @Router /payments/{provider}/webhook [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.webhook"
	provider := chi.URLParam(r, "provider")
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		sl.Provider(provider),
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	err = h.service.HandleIncomingPayment(r.Context(), provider, paymentprovider.NewCallback(body, r.Header))
	switch {
	case err == nil:
		render.JSON(w, r, response.StatusOKWithData(nil))
	case errors.Is(err, models.ErrInvalidPayload):
		log.Warn("webhook rejected", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid payload"))
	case errors.Is(err, models.ErrServingDisabled):
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error(models.ServingDisabledMessage))
	default:
		log.Error("failed to process webhook", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
	}
}
