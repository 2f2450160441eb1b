// Package autorenew переключает автопродление действующей подписки.
package autorenew

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/request"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

type Request struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type Service interface {
	SetAutoRenew(ctx context.Context, userID int64, enabled bool) (*models.Subscription, error)
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
// @Summary Автопродление
// @Description Продление списывает стоимость тарифа с бонусного баланса при истечении
// @Tags Users
// @Accept  json
// @Produce  json
// @Param id path int true "ID пользователя"
// @Param request body Request true "Флаг автопродления"
// @Success 200 {object} response.Response{data=models.Subscription}
// @Failure 404 {object} response.ErrorResponse "Нет действующей подписки"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /users/{id}/auto-renew [put]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.users.autorenew"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	id, err := request.ID(r, "id")
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error(err.Error()))
		return
	}

	var req Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		var validationErr validator.ValidationErrors
		errors.As(err, &validationErr)
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(validationErr))
		return
	}

	sub, err := h.service.SetAutoRenew(r.Context(), id, *req.Enabled)
	if err != nil {
		status := response.StatusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("failed to set auto-renew", sl.User(id), sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(response.Message(err)))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(sub))
}
