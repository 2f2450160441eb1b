package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

const subscriptionColumns = `id, user_id, tariff_id, state, activated_at, expires_at, auto_renew, node_id,
	access_url, needs_provision, needs_revoke, version, created_at, updated_at`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	sub := &models.Subscription{}
	var state string
	var activatedAt, expiresAt sql.NullTime
	var nodeID sql.NullString
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.TariffID, &state, &activatedAt, &expiresAt, &sub.AutoRenew,
		&nodeID, &sub.AccessURL, &sub.NeedsProvision, &sub.NeedsRevoke, &sub.Version,
		&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.State = models.SubscriptionState(state)
	sub.ActivatedAt = timePtr(activatedAt)
	sub.ExpiresAt = timePtr(expiresAt)
	if nodeID.Valid {
		sub.NodeID = &nodeID.String
	}
	return sub, nil
}

func (s *Storage) getSubscription(ctx context.Context, op, where string, args ...any) (*models.Subscription, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	sub, err := scanSubscription(s.DB.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions `+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// GetSubscription возвращает подписку по идентификатору.
func (s *Storage) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	return s.getSubscription(ctx, "storage.GetSubscription", `WHERE id = $1`, id)
}

// GetCurrentSubscription возвращает подписку пользователя в состоянии active или grace.
func (s *Storage) GetCurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	return s.getSubscription(ctx, "storage.GetCurrentSubscription",
		`WHERE user_id = $1 AND state IN ('active', 'grace')`, userID)
}

// GetPendingSubscription возвращает подписку пользователя, ожидающую оплаты.
func (s *Storage) GetPendingSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	return s.getSubscription(ctx, "storage.GetPendingSubscription",
		`WHERE user_id = $1 AND state = 'pending_payment'`, userID)
}

// GetLatestSubscription возвращает последнюю созданную подписку пользователя в любом состоянии.
func (s *Storage) GetLatestSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	return s.getSubscription(ctx, "storage.GetLatestSubscription",
		`WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
}

// HasSubscriptionHistory сообщает, была ли у пользователя оплаченная подписка.
func (s *Storage) HasSubscriptionHistory(ctx context.Context, userID int64) (bool, error) {
	const op = "storage.HasSubscriptionHistory"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	exists, err := hasSubscriptionHistory(ctx, s.DB, userID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

func hasSubscriptionHistory(ctx context.Context, q queryer, userID int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT
			EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1 AND state <> 'pending_payment')
		 OR EXISTS (SELECT 1 FROM transactions WHERE user_id = $1 AND status = 'confirmed')`, userID).Scan(&exists)
	return exists, err
}

// CreatePendingSubscription создаёт подписку в ожидании оплаты или переиспользует существующую.
func (s *Storage) CreatePendingSubscription(ctx context.Context, userID, tariffID int64) (*models.Subscription, error) {
	const op = "storage.CreatePendingSubscription"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, `
		INSERT INTO subscriptions (user_id, tariff_id, state) VALUES ($1, $2, 'pending_payment')
		ON CONFLICT (user_id) WHERE state = 'pending_payment' DO UPDATE
		    SET tariff_id = EXCLUDED.tariff_id,
		        version = subscriptions.version + 1,
		        updated_at = NOW()
		RETURNING `+subscriptionColumns, userID, tariffID))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// UpsertSubscription создаёт активную подписку и привязывает к ней транзакцию
// в одной транзакции БД. Если у пользователя уже есть подписка active/grace,
// либо запись pending_payment изменилась, возвращается models.ErrStaleState.
func (s *Storage) UpsertSubscription(ctx context.Context, ns models.NewSubscription) (*models.Subscription, error) {
	const op = "storage.UpsertSubscription"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var sub *models.Subscription
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var row *sql.Row
		if ns.PendingID != nil {
			row = tx.QueryRowContext(ctx, `UPDATE subscriptions
				SET state = 'active', tariff_id = $2, activated_at = $3, expires_at = $4, auto_renew = $5,
				    needs_provision = TRUE, version = version + 1, updated_at = NOW()
				WHERE id = $1 AND state = 'pending_payment'
				RETURNING `+subscriptionColumns,
				*ns.PendingID, ns.TariffID, ns.ActivatedAt, ns.ExpiresAt, ns.AutoRenew)
		} else {
			row = tx.QueryRowContext(ctx, `INSERT INTO subscriptions
				(user_id, tariff_id, state, activated_at, expires_at, auto_renew, needs_provision)
				VALUES ($1, $2, 'active', $3, $4, $5, TRUE)
				RETURNING `+subscriptionColumns,
				ns.UserID, ns.TariffID, ns.ActivatedAt, ns.ExpiresAt, ns.AutoRenew)
		}
		var err error
		sub, err = scanSubscription(row)
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err, "subscriptions_one_live_per_user") {
			return models.ErrStaleState
		}
		if err != nil {
			return err
		}
		return linkTransaction(ctx, tx, ns.TransactionID, sub.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// TransitionSubscriptionState переводит подписку в новое состояние, если она
// всё ещё находится в ожидаемом состоянии и версии. Иначе models.ErrStaleState.
func (s *Storage) TransitionSubscriptionState(ctx context.Context, tr models.Transition) (*models.Subscription, error) {
	const op = "storage.TransitionSubscriptionState"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var needsRevoke sql.NullBool
	if tr.NeedsRevoke != nil {
		needsRevoke = sql.NullBool{Bool: *tr.NeedsRevoke, Valid: true}
	}
	var sub *models.Subscription
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		sub, err = scanSubscription(tx.QueryRowContext(ctx, `UPDATE subscriptions
			SET state = $4,
			    expires_at = COALESCE($5, expires_at),
			    needs_revoke = COALESCE($6, needs_revoke),
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1 AND state = $2 AND version = $3
			RETURNING `+subscriptionColumns,
			tr.ID, string(tr.From), tr.Version, string(tr.To), nullTime(tr.ExpiresAt), needsRevoke))
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err, "") {
			return models.ErrStaleState
		}
		if err != nil {
			return err
		}
		if tr.TransactionID != nil {
			return linkTransaction(ctx, tx, *tr.TransactionID, sub.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// UpdateProvisioning сохраняет результат выдачи или отзыва доступа.
func (s *Storage) UpdateProvisioning(ctx context.Context, u models.ProvisioningUpdate) (*models.Subscription, error) {
	const op = "storage.UpdateProvisioning"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var nodeID sql.NullString
	if u.NodeID != nil {
		nodeID = sql.NullString{String: *u.NodeID, Valid: true}
	}
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, `UPDATE subscriptions
		SET node_id = $3, access_url = $4, needs_provision = $5, needs_revoke = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+subscriptionColumns,
		u.ID, u.Version, nodeID, u.AccessURL, u.NeedsProvision, u.NeedsRevoke))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrStaleState)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// SetAutoRenew включает или выключает автопродление подписки.
func (s *Storage) SetAutoRenew(ctx context.Context, id int64, enabled bool) (*models.Subscription, error) {
	const op = "storage.SetAutoRenew"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, `UPDATE subscriptions
		SET auto_renew = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 RETURNING `+subscriptionColumns, id, enabled))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

func (s *Storage) listSubscriptions(ctx context.Context, op, query string, args ...any) ([]models.Subscription, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ListDueForGrace возвращает активные подписки с наступившим сроком окончания.
func (s *Storage) ListDueForGrace(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	return s.listSubscriptions(ctx, "storage.ListDueForGrace", `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE state = 'active' AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
}

// ListDueForExpiry возвращает подписки, у которых закончился льготный период.
// Льготный период берётся из тарифа, а при его отсутствии равен defaultGrace.
func (s *Storage) ListDueForExpiry(ctx context.Context, now time.Time, defaultGrace time.Duration, limit int) ([]models.Subscription, error) {
	return s.listSubscriptions(ctx, "storage.ListDueForExpiry", `
		SELECT `+prefixed("s", subscriptionColumns)+` FROM subscriptions s
		JOIN tariffs t ON t.id = s.tariff_id
		WHERE s.state = 'grace'
		  AND s.expires_at + COALESCE(t.grace_seconds, $2) * INTERVAL '1 second' <= $1
		ORDER BY s.expires_at LIMIT $3`, now, int64(defaultGrace.Seconds()), limit)
}

// ListNeedingProvision возвращает действующие подписки без здорового узла.
func (s *Storage) ListNeedingProvision(ctx context.Context, limit int) ([]models.Subscription, error) {
	return s.listSubscriptions(ctx, "storage.ListNeedingProvision", `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE state IN ('active', 'grace')
		  AND (needs_provision OR node_id IS NULL
		       OR node_id IN (SELECT id FROM nodes WHERE health <> 'healthy'))
		ORDER BY updated_at LIMIT $1`, limit)
}

// ListNeedingRevoke возвращает закончившиеся подписки, доступ по которым ещё не отозван.
func (s *Storage) ListNeedingRevoke(ctx context.Context, limit int) ([]models.Subscription, error) {
	return s.listSubscriptions(ctx, "storage.ListNeedingRevoke", `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE needs_revoke AND state IN ('expired', 'banned')
		ORDER BY updated_at LIMIT $1`, limit)
}
