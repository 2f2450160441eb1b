// Package moderation блокирует и разблокирует пользователей.
package moderation

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/request"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
)

type Service interface {
	BanUser(ctx context.Context, userID int64) error
	UnbanUser(ctx context.Context, userID int64) error
}

type Handler struct {
	log     *slog.Logger
	service Service
	ban     bool
}

// NewBan обработчик блокировки.
func NewBan(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service, ban: true}
}

// NewUnban обработчик снятия блокировки.
func NewUnban(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP godoc
// @Summary Блокировка пользователя
// @Description POST /users/{id}/ban блокирует и отзывает доступ, POST /users/{id}/unban снимает блокировку
// @Tags Users
// @Produce  json
// @Param id path int true "ID пользователя"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /users/{id}/ban [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.users.moderation"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Bool("ban", h.ban),
	)

	id, err := request.ID(r, "id")
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error(err.Error()))
		return
	}

	if h.ban {
		err = h.service.BanUser(r.Context(), id)
	} else {
		err = h.service.UnbanUser(r.Context(), id)
	}
	if err != nil {
		status := response.StatusFor(err)
		if status == http.StatusInternalServerError {
			log.Error("failed to change user status", sl.User(id), sl.Err(err))
		}
		render.Status(r, status)
		render.JSON(w, r, response.Error(response.Message(err)))
		return
	}
	render.JSON(w, r, response.Response{Status: response.StatusOK})
}
