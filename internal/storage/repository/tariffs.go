package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

const tariffColumns = `id, name, duration_seconds, price, currency, node_pools, grace_seconds,
	version, previous_id, archived, created_at`

func scanTariff(row rowScanner) (*models.Tariff, error) {
	t := &models.Tariff{}
	var durationSeconds int64
	var pools string
	var grace, previous sql.NullInt64
	if err := row.Scan(&t.ID, &t.Name, &durationSeconds, &t.Price, &t.Currency, &pools, &grace,
		&t.Version, &previous, &t.Archived, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Duration = time.Duration(durationSeconds) * time.Second
	t.NodePools = splitPools(pools)
	t.GracePeriod = durationPtr(grace)
	t.PreviousID = int64Ptr(previous)
	return t, nil
}

func splitPools(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// CreateTariff сохраняет новый тариф первой версии.
func (s *Storage) CreateTariff(ctx context.Context, t models.Tariff) (*models.Tariff, error) {
	const op = "storage.CreateTariff"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO tariffs (name, duration_seconds, price, currency, node_pools, grace_seconds)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  RETURNING ` + tariffColumns
	created, err := scanTariff(s.DB.QueryRowContext(ctx, query,
		t.Name, int64(t.Duration.Seconds()), t.Price, strings.ToUpper(t.Currency),
		strings.Join(t.NodePools, ","), nullDuration(t.GracePeriod)))
	if err != nil {
		if isCheckViolation(err) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrInvalidPayload)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// GetTariff возвращает тариф по идентификатору, в том числе архивный.
func (s *Storage) GetTariff(ctx context.Context, id int64) (*models.Tariff, error) {
	const op = "storage.GetTariff"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	t, err := scanTariff(s.DB.QueryRowContext(ctx, `SELECT `+tariffColumns+` FROM tariffs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

// ListTariffs возвращает тарифы, архивные только при includeArchived.
func (s *Storage) ListTariffs(ctx context.Context, includeArchived bool) ([]models.Tariff, error) {
	const op = "storage.ListTariffs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT `+tariffColumns+` FROM tariffs
		WHERE archived = FALSE OR $1 ORDER BY price, id`, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ReviseTariff изменяет тариф. Если на тариф уже ссылаются подписки или транзакции,
// старая версия архивируется и создаётся новая, иначе запись обновляется на месте.
func (s *Storage) ReviseTariff(ctx context.Context, id int64, t models.Tariff) (*models.Tariff, error) {
	const op = "storage.ReviseTariff"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var revised *models.Tariff
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var version int
		var archived, referenced bool
		err := tx.QueryRowContext(ctx, `SELECT version, archived FROM tariffs WHERE id = $1 FOR UPDATE`, id).
			Scan(&version, &archived)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return err
		}
		if archived {
			return models.ErrStaleState
		}
		err = tx.QueryRowContext(ctx, `SELECT
				EXISTS (SELECT 1 FROM subscriptions WHERE tariff_id = $1)
			 OR EXISTS (SELECT 1 FROM transactions WHERE tariff_id = $1)`, id).Scan(&referenced)
		if err != nil {
			return err
		}

		args := []any{t.Name, int64(t.Duration.Seconds()), t.Price, strings.ToUpper(t.Currency),
			strings.Join(t.NodePools, ","), nullDuration(t.GracePeriod), version + 1, id}
		if !referenced {
			revised, err = scanTariff(tx.QueryRowContext(ctx, `UPDATE tariffs
				SET name = $1, duration_seconds = $2, price = $3, currency = $4,
				    node_pools = $5, grace_seconds = $6, version = $7
				WHERE id = $8 RETURNING `+tariffColumns, args...))
			return err
		}
		if _, err = tx.ExecContext(ctx, `UPDATE tariffs SET archived = TRUE WHERE id = $1`, id); err != nil {
			return err
		}
		revised, err = scanTariff(tx.QueryRowContext(ctx, `INSERT INTO tariffs
				(name, duration_seconds, price, currency, node_pools, grace_seconds, version, previous_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+tariffColumns, args...))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return revised, nil
}
