// Package bonus отдаёт бонусный баланс и журнал начислений.
package bonus

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/request"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/services/engine"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

type Service interface {
	GetBonus(ctx context.Context, userID int64, limit int) (engine.Bonus, error)
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
// @Summary Бонусный баланс
// @Tags Users
// @Produce  json
// @Param id path int true "ID пользователя"
// @Param limit query int false "Число записей журнала"
// @Success 200 {object} response.Response{data=engine.Bonus}
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /users/{id}/bonus [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.users.bonus"
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

	res, err := h.service.GetBonus(r.Context(), id, request.Limit(r, defaultLimit, maxLimit))
	if err != nil {
		status := response.StatusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("failed to read bonus ledger", sl.User(id), sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(response.Message(err)))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(res))
}
