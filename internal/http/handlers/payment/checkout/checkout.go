// Package checkout регистрирует начатую оплату, чтобы опрос провайдера
// мог довести её до подписки без уведомления.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// Request параметры начатой оплаты. ProviderTxID идентификатор счёта у провайдера.
type Request struct {
	UserID       int64  `json:"user_id" validate:"required,gt=0"`
	TariffID     int64  `json:"tariff_id" validate:"required,gt=0"`
	Provider     string `json:"provider" validate:"required"`
	ProviderTxID string `json:"provider_tx_id" validate:"required,max=128"`
}

type Service interface {
	StartCheckout(ctx context.Context, userID, tariffID int64, providerID, providerTxID string) (*models.Transaction, error)
}

type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Начать оплату
// @Description Записывает ожидающую транзакцию и подписку pending_payment
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param request body Request true "Параметры оплаты"
// @Success 201 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Некорректный запрос"
// @Failure 403 {object} response.ErrorResponse "Пользователь заблокирован"
// @Failure 409 {object} response.ErrorResponse "Оплата уже зарегистрирована"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /checkouts [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.checkout"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		errors.As(err, &verrs)
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(verrs))
		return
	}

	tx, err := h.service.StartCheckout(r.Context(), req.UserID, req.TariffID, req.Provider, req.ProviderTxID)
	if err != nil {
		status := response.StatusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("failed to start checkout", sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(response.Message(err)))
		return
	}

	log.Info("checkout started", sl.User(req.UserID), slog.String("tx", tx.Key()))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.StatusOKWithData(tx))
}
