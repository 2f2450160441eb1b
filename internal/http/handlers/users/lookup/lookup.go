// Package lookup ищет пользователя по идентификатору чат-платформы.
package lookup

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
	LookupUser(ctx context.Context, externalID int64) (*models.UserProfile, error)
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
// @Summary Пользователь по ID платформы
// @Description has_history показывает, была ли у пользователя оплаченная подписка
// @Tags Users
// @Produce  json
// @Param external_id path int true "ID пользователя на платформе"
// @Success 200 {object} response.Response{data=models.UserProfile}
// @Failure 400 {object} response.ErrorResponse "Некорректный ID"
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /users/by-external/{external_id} [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.users.lookup"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	externalID, err := request.ID(r, "external_id")
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error(err.Error()))
		return
	}

	profile, err := h.service.LookupUser(r.Context(), externalID)
	if err != nil {
		status := response.StatusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("failed to look up user", slog.Int64("external_id", externalID), sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(response.Message(err)))
		return
	}
	render.JSON(w, r, response.StatusOKWithData(profile))
}
