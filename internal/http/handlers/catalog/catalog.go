// Package catalog отдаёт справочники: узлы VPN и активные тарифы.
package catalog

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

type Service interface {
	ListNodes(ctx context.Context) ([]models.Node, error)
	ListTariffs(ctx context.Context) ([]models.Tariff, error)
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

// Nodes godoc
// @Summary Узлы VPN
// @Description Последний снимок узлов с панели
// @Tags Catalog
// @Produce  json
// @Success 200 {object} response.Response{data=[]models.Node}
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Router /nodes [get]
// @Security BearerAuth
func (h *Handler) Nodes(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.catalog.Nodes"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	nodes, err := h.service.ListNodes(r.Context())
	if err != nil {
		log.Error("failed to list nodes", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}
	if nodes == nil {
		nodes = []models.Node{}
	}
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"nodes": nodes,
	}))
}

// Tariffs godoc
// @Summary Тарифы
// @Tags Catalog
// @Produce  json
// @Success 200 {object} response.Response{data=[]models.Tariff}
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Router /tariffs [get]
// @Security BearerAuth
func (h *Handler) Tariffs(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.catalog.Tariffs"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	tariffs, err := h.service.ListTariffs(r.Context())
	if err != nil {
		log.Error("failed to list tariffs", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}
	if tariffs == nil {
		tariffs = []models.Tariff{}
	}
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"tariffs": tariffs,
	}))
}
