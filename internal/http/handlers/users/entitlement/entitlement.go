// Package entitlement отдаёт текущее право пользователя на доступ.
//
// Запрос обслуживается и при отключённом по лицензии обслуживании.
package entitlement

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/request"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

type Service interface {
	GetEntitlement(ctx context.Context, userID int64) (models.Entitlement, error)
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
// @Summary Право на доступ
// @Tags Users
// @Produce  json
// @Param id path int true "ID пользователя"
// @Success 200 {object} response.Response{data=models.Entitlement}
// @Failure 400 {object} response.ErrorResponse "Некорректный ID"
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /users/{id}/entitlement [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.users.entitlement"
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

	ent, err := h.service.GetEntitlement(r.Context(), id)
	if err != nil {
		status := response.StatusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("failed to read entitlement", sl.User(id), sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(response.Message(err)))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(ent))
}
