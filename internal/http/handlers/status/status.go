// Package status отдаёт состояние лицензии и проверку готовности сервиса.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/license"
)

const pingTimeout = 2 * time.Second

type LicenseService interface {
	LicenseStatus() license.Snapshot
}

// Pinger зависимость, проверяемая в /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	log     *slog.Logger
	service LicenseService
	deps    map[string]Pinger
}

// New deps проверяются в Health по имени. nil-значения пропускаются.
func New(log *slog.Logger, service LicenseService, deps map[string]Pinger) *Handler {
	checked := make(map[string]Pinger, len(deps))
	for name, p := range deps {
		if p != nil {
			checked[name] = p
		}
	}
	return &Handler{
		log:     log,
		service: service,
		deps:    checked,
	}
}

// License godoc
// @Summary Состояние лицензии
// @Tags Status
// @Produce  json
// @Success 200 {object} response.Response{data=license.Snapshot}
// @Router /status [get]
// @Security BearerAuth
func (h *Handler) License(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, response.StatusOKWithData(h.service.LicenseStatus()))
}

type healthReport struct {
	Checks          map[string]string `json:"checks"`
	ServingDisabled bool              `json:"serving_disabled"`
}

// Health godoc
// @Summary Проверка готовности
// @Description 503, если недоступна хотя бы одна зависимость
// @Tags Status
// @Produce  json
// @Success 200 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.status.Health"

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	report := healthReport{
		Checks:          make(map[string]string, len(h.deps)),
		ServingDisabled: h.service.LicenseStatus().ServingDisabled,
	}
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		if err := h.deps[name].Ping(ctx); err != nil {
			h.log.Warn("dependency unavailable", slog.String("op", op), slog.String("dependency", name), sl.Err(err))
			report.Checks[name] = "down"
			healthy = false
			continue
		}
		report.Checks[name] = "up"
	}

	if !healthy {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, response.Response{Status: response.StatusError, Data: report})
		return
	}
	render.JSON(w, r, response.StatusOKWithData(report))
}
