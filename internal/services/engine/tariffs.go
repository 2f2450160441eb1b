package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func checkTariff(t models.Tariff) error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return fmt.Errorf("%w: tariff name is empty", models.ErrInvalidPayload)
	case t.Duration <= 0:
		return fmt.Errorf("%w: tariff duration must be positive", models.ErrInvalidPayload)
	case t.Price < 0:
		return fmt.Errorf("%w: tariff price must not be negative", models.ErrInvalidPayload)
	case t.Currency == "":
		return fmt.Errorf("%w: tariff currency is empty", models.ErrInvalidPayload)
	case t.GracePeriod != nil && *t.GracePeriod < 0:
		return fmt.Errorf("%w: tariff grace period must not be negative", models.ErrInvalidPayload)
	}
	return nil
}

// CreateTariff добавляет тариф первой версии.
func (e *Engine) CreateTariff(ctx context.Context, t models.Tariff) (*models.Tariff, error) {
	const op = "engine.CreateTariff"

	if err := e.checkServing(); err != nil {
		return nil, err
	}
	if err := checkTariff(t); err != nil {
		return nil, err
	}
	created, err := e.ledger.CreateTariff(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.log.Info("tariff created", slog.String("op", op), slog.Int64("tariff_id", created.ID))
	return created, nil
}

// ReviseTariff изменяет тариф. Тариф, на который уже ссылаются подписки или платежи,
// архивируется, а изменения получает новая версия. Архивную версию править нельзя.
func (e *Engine) ReviseTariff(ctx context.Context, id int64, t models.Tariff) (*models.Tariff, error) {
	const op = "engine.ReviseTariff"

	if err := e.checkServing(); err != nil {
		return nil, err
	}
	if err := checkTariff(t); err != nil {
		return nil, err
	}
	revised, err := e.ledger.ReviseTariff(ctx, id, t)
	switch {
	case errors.Is(err, models.ErrStaleState):
		return nil, fmt.Errorf("%w: tariff %d is archived", models.ErrInvalidPayload, id)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.log.Info("tariff revised", slog.String("op", op), slog.Int64("tariff_id", id),
		slog.Int64("revision_id", revised.ID), slog.Int("version", revised.Version))
	return revised, nil
}
