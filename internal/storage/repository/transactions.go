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

const transactionColumns = `id, provider, provider_tx_id, user_id, tariff_id, amount, currency, status,
	subscription_id, duration_seconds, occurred_at, created_at, updated_at`

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	t := &models.Transaction{}
	var tariffID, subscriptionID, duration sql.NullInt64
	var status string
	if err := row.Scan(&t.ID, &t.Provider, &t.ProviderTxID, &t.UserID, &tariffID, &t.Amount, &t.Currency,
		&status, &subscriptionID, &duration, &t.OccurredAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = models.TransactionStatus(status)
	t.TariffID = int64Ptr(tariffID)
	t.SubscriptionID = int64Ptr(subscriptionID)
	t.Duration = durationPtr(duration)
	return t, nil
}

// recordTransactionQuery вставляет транзакцию или переводит её из pending или expired.
// Строка возвращается только при вставке или фактическом изменении статуса:
// повторная доставка того же события не возвращает ничего.
const recordTransactionQuery = `
INSERT INTO transactions (provider, provider_tx_id, user_id, tariff_id, amount, currency, status, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (provider, provider_tx_id) DO UPDATE
    SET status      = EXCLUDED.status,
        amount      = EXCLUDED.amount,
        currency    = EXCLUDED.currency,
        tariff_id   = COALESCE(transactions.tariff_id, EXCLUDED.tariff_id),
        occurred_at = EXCLUDED.occurred_at,
        updated_at  = NOW()
    WHERE (transactions.status IN ('pending', 'expired') AND EXCLUDED.status <> 'pending')
       OR (transactions.status = 'confirmed' AND EXCLUDED.status = 'refunded')
RETURNING ` + transactionColumns

// RecordTransaction идемпотентно записывает платёжное событие.
// applied=false означает повтор: событие уже записано, побочных эффектов нет.
func (s *Storage) RecordTransaction(ctx context.Context, ev models.PaymentEvent) (*models.Transaction, bool, error) {
	const op = "storage.RecordTransaction"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var tariffID sql.NullInt64
	if ev.TariffID > 0 {
		tariffID = sql.NullInt64{Int64: ev.TariffID, Valid: true}
	}
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	tx, err := scanTransaction(s.DB.QueryRowContext(ctx, recordTransactionQuery,
		ev.Provider, ev.ProviderTxID, ev.UserID, tariffID, ev.Amount,
		strings.ToUpper(ev.Currency), string(ev.Status), occurredAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		if isForeignKeyViolation(err) {
			return nil, false, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return tx, true, nil
}

func insertConfirmedTransaction(ctx context.Context, q queryer, provider, providerTxID string, userID int64,
	tariffID int64, amount int64, currency string, duration *time.Duration) (*models.Transaction, error) {
	tx, err := scanTransaction(q.QueryRowContext(ctx, `
		INSERT INTO transactions (provider, provider_tx_id, user_id, tariff_id, amount, currency, status,
		                          duration_seconds, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'confirmed', $7, NOW())
		ON CONFLICT (provider, provider_tx_id) DO NOTHING
		RETURNING `+transactionColumns,
		provider, providerTxID, userID, tariffID, amount, strings.ToUpper(currency), nullDuration(duration)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDuplicate
	}
	return tx, err
}

func (s *Storage) listTransactions(ctx context.Context, op, query string, args ...any) ([]models.Transaction, error) {
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

	var result []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ListPendingTransactions возвращает ожидающие оплаты транзакции, созданные не раньше since.
func (s *Storage) ListPendingTransactions(ctx context.Context, since time.Time, limit int) ([]models.Transaction, error) {
	return s.listTransactions(ctx, "storage.ListPendingTransactions", `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'pending' AND created_at >= $1
		ORDER BY created_at LIMIT $2`, since, limit)
}

// ListUnlinkedConfirmedTransactions возвращает подтверждённые транзакции, не применённые к подписке.
// Такие остаются после сбоя между записью платежа и активацией.
func (s *Storage) ListUnlinkedConfirmedTransactions(ctx context.Context, before time.Time, limit int) ([]models.Transaction, error) {
	return s.listTransactions(ctx, "storage.ListUnlinkedConfirmedTransactions", `
		SELECT `+prefixed("t", transactionColumns)+` FROM transactions t
		JOIN users u ON u.id = t.user_id
		WHERE t.status = 'confirmed' AND t.subscription_id IS NULL
		  AND t.tariff_id IS NOT NULL AND t.updated_at < $1 AND u.status <> 'banned'
		ORDER BY t.updated_at LIMIT $2`, before, limit)
}

// ListUserTransactions возвращает последние транзакции пользователя.
func (s *Storage) ListUserTransactions(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	return s.listTransactions(ctx, "storage.ListUserTransactions", `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
}

// ExpireStalePendingTransactions переводит в expired ожидающие транзакции старше before.
func (s *Storage) ExpireStalePendingTransactions(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.ExpireStalePendingTransactions"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	res, err := s.DB.ExecContext(ctx, `UPDATE transactions SET status = 'expired', updated_at = NOW()
		WHERE status = 'pending' AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// MarkTransactionFailed отклоняет подтверждённую, но не применённую транзакцию
// (недоплата, неизвестный тариф).
func (s *Storage) MarkTransactionFailed(ctx context.Context, id int64) error {
	const op = "storage.MarkTransactionFailed"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	_, err := s.DB.ExecContext(ctx, `UPDATE transactions SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND subscription_id IS NULL AND status = 'confirmed'`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// linkTransaction привязывает транзакцию к подписке. Если транзакция уже
// привязана, активация по ней уже была, и возвращается models.ErrDuplicate.
func linkTransaction(ctx context.Context, q queryer, txID, subscriptionID int64) error {
	res, err := q.ExecContext(ctx, `UPDATE transactions SET subscription_id = $2, updated_at = NOW()
		WHERE id = $1 AND subscription_id IS NULL AND status = 'confirmed'`, txID, subscriptionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrDuplicate
	}
	return nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
