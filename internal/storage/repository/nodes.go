package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// UpsertNodes сохраняет список узлов из панели. Узлы, которых нет в списке,
// помечаются недоступными.
func (s *Storage) UpsertNodes(ctx context.Context, nodes []models.Node, seenAt time.Time) error {
	const op = "storage.UpsertNodes"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, n := range nodes {
			_, err := tx.ExecContext(ctx, `INSERT INTO nodes (id, name, pool, load, capacity, health, last_seen_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO UPDATE
				    SET name = EXCLUDED.name, pool = EXCLUDED.pool, load = EXCLUDED.load,
				        capacity = EXCLUDED.capacity, health = EXCLUDED.health,
				        last_seen_at = EXCLUDED.last_seen_at`,
				n.ID, n.Name, n.Pool, n.Load, n.Capacity, string(n.Health), seenAt)
			if err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE nodes SET health = $2 WHERE last_seen_at < $1`,
			seenAt, string(models.NodeUnreachable))
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListNodes возвращает сохранённые узлы.
func (s *Storage) ListNodes(ctx context.Context) ([]models.Node, error) {
	const op = "storage.ListNodes"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, pool, load, capacity, health, last_seen_at
		FROM nodes ORDER BY pool, name`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.Node
	for rows.Next() {
		var n models.Node
		var health string
		if err := rows.Scan(&n.ID, &n.Name, &n.Pool, &n.Load, &n.Capacity, &health, &n.LastSeenAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		n.Health = models.NodeHealth(health)
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
