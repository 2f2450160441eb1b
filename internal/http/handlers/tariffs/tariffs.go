// Package tariffs административное управление тарифами.
package tariffs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/vpn-entitlements/internal/http/request"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/response"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// Request условия тарифа. Длительности в формате time.ParseDuration, например "720h".
type Request struct {
	Name        string   `json:"name" validate:"required,max=128"`
	Duration    string   `json:"duration" validate:"required"`
	Price       int64    `json:"price" validate:"gte=0"`
	Currency    string   `json:"currency" validate:"required,alpha,max=8"`
	NodePools   []string `json:"node_pools,omitempty" validate:"omitempty,dive,required,max=32"`
	GracePeriod string   `json:"grace_period,omitempty"`
}

func (r Request) tariff() (models.Tariff, error) {
	duration, err := time.ParseDuration(r.Duration)
	if err != nil {
		return models.Tariff{}, errors.New("invalid duration")
	}
	t := models.Tariff{Name: r.Name, Duration: duration, Price: r.Price, Currency: r.Currency, NodePools: r.NodePools}
	if r.GracePeriod != "" {
		grace, err := time.ParseDuration(r.GracePeriod)
		if err != nil {
			return models.Tariff{}, errors.New("invalid grace_period")
		}
		t.GracePeriod = &grace
	}
	return t, nil
}

type Service interface {
	CreateTariff(ctx context.Context, t models.Tariff) (*models.Tariff, error)
	ReviseTariff(ctx context.Context, id int64, t models.Tariff) (*models.Tariff, error)
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

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, log *slog.Logger) (models.Tariff, bool) {
	var req Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return models.Tariff{}, false
	}
	if err := h.validate.Struct(req); err != nil {
		var validationErr validator.ValidationErrors
		errors.As(err, &validationErr)
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(validationErr))
		return models.Tariff{}, false
	}
	t, err := req.tariff()
	if err != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error(err.Error()))
		return models.Tariff{}, false
	}
	return t, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status := response.StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("failed to save tariff", sl.Err(err))
	}
	render.Status(r, status)
	render.JSON(w, r, response.Error(response.Message(err)))
}

// Create godoc
// @Summary Новый тариф
// @Tags Tariffs
// @Accept  json
// @Produce  json
// @Param request body Request true "Условия тарифа"
// @Success 201 {object} response.Response{data=models.Tariff}
// @Failure 400 {object} response.ErrorResponse "Некорректный запрос"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 503 {object} response.ErrorResponse "Обслуживание приостановлено"
// @Router /tariffs [post]
// @Security BearerAuth
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.tariffs.Create"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	t, ok := h.decode(w, r, log)
	if !ok {
		return
	}
	created, err := h.service.CreateTariff(r.Context(), t)
	if err != nil {
		h.fail(w, r, log, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, response.StatusOKWithData(created))
}

// Revise godoc
// @Summary Изменение тарифа
// @Description Тариф с подписками или платежами архивируется, изменения получает новая версия
// @Tags Tariffs
// @Accept  json
// @Produce  json
// @Param id path int true "ID тарифа"
// @Param request body Request true "Новые условия тарифа"
// @Success 200 {object} response.Response{data=models.Tariff}
// @Failure 400 {object} response.ErrorResponse "Некорректный запрос или архивный тариф"
// @Failure 404 {object} response.ErrorResponse "Тариф не найден"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Router /tariffs/{id} [put]
// @Security BearerAuth
func (h *Handler) Revise(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.tariffs.Revise"
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
	t, ok := h.decode(w, r, log)
	if !ok {
		return
	}
	revised, err := h.service.ReviseTariff(r.Context(), id, t)
	if err != nil {
		h.fail(w, r, log, err)
		return
	}
	render.JSON(w, r, response.StatusOKWithData(revised))
}
