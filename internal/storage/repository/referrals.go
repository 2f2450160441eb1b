package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

const referralColumns = `referrer_id, referral_id, created_at, credited_at, credit_source`

func scanReferral(row rowScanner) (*models.ReferralRelation, error) {
	r := &models.ReferralRelation{}
	var creditedAt sql.NullTime
	if err := row.Scan(&r.ReferrerID, &r.ReferralID, &r.CreatedAt, &creditedAt, &r.CreditSource); err != nil {
		return nil, err
	}
	r.CreditedAt = timePtr(creditedAt)
	return r, nil
}

// CreateReferral создаёт связь, только если у приглашённого ещё нет пригласившего
// и нет истории подписок. created=false означает, что связь не создана.
func (s *Storage) CreateReferral(ctx context.Context, referrerID, referralID int64) (bool, error) {
	const op = "storage.CreateReferral"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		history, err := hasSubscriptionHistory(ctx, tx, referralID)
		if err != nil || history {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO referral_relations (referrer_id, referral_id)
			VALUES ($1, $2)
			ON CONFLICT (referral_id) DO NOTHING`, referrerID, referralID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n == 1
		return err
	})
	if err != nil {
		if isCheckViolation(err) || isForeignKeyViolation(err) {
			return false, fmt.Errorf("%s: %w", op, models.ErrInvalidPayload)
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// GetReferral возвращает связь для приглашённого пользователя.
func (s *Storage) GetReferral(ctx context.Context, referralID int64) (*models.ReferralRelation, error) {
	const op = "storage.GetReferral"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	r, err := scanReferral(s.DB.QueryRowContext(ctx,
		`SELECT `+referralColumns+` FROM referral_relations WHERE referral_id = $1`, referralID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return r, nil
}

// CreditReferralIfFirst отмечает связь начисленной и добавляет бонус пригласившему
// в одной транзакции БД. Повторный вызов возвращает credited=false.
func (s *Storage) CreditReferralIfFirst(ctx context.Context, referralID int64, amount int64, source string) (*models.ReferralRelation, bool, error) {
	const op = "storage.CreditReferralIfFirst"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var relation *models.ReferralRelation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		relation, err = scanReferral(tx.QueryRowContext(ctx, `UPDATE referral_relations
			SET credited_at = NOW(), credit_source = $2
			WHERE referral_id = $1 AND credited_at IS NULL
			RETURNING `+referralColumns, referralID, source))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO bonus_ledger (user_id, source_event_id, amount, reason)
			VALUES ($1, $2, $3, $4) ON CONFLICT (source_event_id) DO NOTHING`,
			relation.ReferrerID, models.ReferralSourceID(referralID), amount, models.BonusReasonReferral)
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return relation, true, nil
}

// ListUncreditedReferrals возвращает связи, по которым приглашённый уже оплатил
// подписку, а бонус ещё не начислен.
func (s *Storage) ListUncreditedReferrals(ctx context.Context, limit int) ([]models.ReferralRelation, error) {
	const op = "storage.ListUncreditedReferrals"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT `+prefixed("r", referralColumns)+`
		FROM referral_relations r
		WHERE r.credited_at IS NULL AND EXISTS (
			SELECT 1 FROM transactions t
			WHERE t.user_id = r.referral_id AND t.status = 'confirmed'
			  AND t.subscription_id IS NOT NULL AND t.provider NOT IN ($1, $2))
		ORDER BY r.created_at LIMIT $3`, models.ProviderPromo, models.ProviderBonus, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.ReferralRelation
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// AppendBonusEntry добавляет запись в бонусный журнал.
// Повтор того же SourceEventID возвращает models.ErrDuplicate.
func (s *Storage) AppendBonusEntry(ctx context.Context, e models.BonusEntry) (*models.BonusEntry, error) {
	const op = "storage.AppendBonusEntry"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	entry := e
	err := s.DB.QueryRowContext(ctx, `INSERT INTO bonus_ledger (user_id, source_event_id, amount, reason)
		VALUES ($1, $2, $3, $4) ON CONFLICT (source_event_id) DO NOTHING
		RETURNING id, created_at`, e.UserID, e.SourceEventID, e.Amount, e.Reason).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, models.ErrDuplicate)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &entry, nil
}

// BonusBalance возвращает бонусный баланс пользователя как сумму записей журнала.
func (s *Storage) BonusBalance(ctx context.Context, userID int64) (int64, error) {
	const op = "storage.BonusBalance"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var balance int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM bonus_ledger WHERE user_id = $1`, userID).
		Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return balance, nil
}

// ListBonusEntries возвращает последние записи бонусного журнала пользователя.
func (s *Storage) ListBonusEntries(ctx context.Context, userID int64, limit int) ([]models.BonusEntry, error) {
	const op = "storage.ListBonusEntries"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, source_event_id, amount, reason, created_at
		FROM bonus_ledger WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.BonusEntry
	for rows.Next() {
		var e models.BonusEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.SourceEventID, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// SpendBonus списывает бонусы и записывает подтверждённую транзакцию провайдера bonus
// в одной транзакции БД. Строка пользователя блокируется, чтобы баланс не ушёл в минус
// при параллельных списаниях.
func (s *Storage) SpendBonus(ctx context.Context, spend models.BonusSpend) (*models.Transaction, error) {
	const op = "storage.SpendBonus"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var created *models.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, spend.UserID).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return models.ErrNotFound
			}
			return err
		}
		var balance int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM bonus_ledger WHERE user_id = $1`,
			spend.UserID).Scan(&balance); err != nil {
			return err
		}
		if balance < spend.Amount {
			return models.ErrInsufficientBalance
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO bonus_ledger (user_id, source_event_id, amount, reason)
			VALUES ($1, $2, $3, $4) ON CONFLICT (source_event_id) DO NOTHING`,
			spend.UserID, spend.SourceEventID, -spend.Amount, models.BonusReasonAutoRenew)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return models.ErrDuplicate
		}
		var duration *time.Duration
		if spend.Duration > 0 {
			duration = &spend.Duration
		}
		created, err = insertConfirmedTransaction(ctx, tx, models.ProviderBonus, spend.ProviderTxID,
			spend.UserID, spend.TariffID, spend.Amount, spend.Currency, duration)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}
