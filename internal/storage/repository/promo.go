package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

const promoColumns = `code, kind, tariff_id, bonus_days, bonus_amount, max_uses, used_count, expires_at, created_at`

func scanPromo(row rowScanner) (*models.PromoCode, error) {
	p := &models.PromoCode{}
	var kind string
	var tariffID sql.NullInt64
	var expiresAt sql.NullTime
	if err := row.Scan(&p.Code, &kind, &tariffID, &p.BonusDays, &p.BonusAmount, &p.MaxUses, &p.UsedCount,
		&expiresAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Kind = models.PromoKind(kind)
	p.TariffID = int64Ptr(tariffID)
	p.ExpiresAt = timePtr(expiresAt)
	return p, nil
}

// CreatePromoCode сохраняет промокод или подарочный код.
func (s *Storage) CreatePromoCode(ctx context.Context, p models.PromoCode) (*models.PromoCode, error) {
	const op = "storage.CreatePromoCode"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	maxUses := p.MaxUses
	if p.Kind == models.PromoKindGift || maxUses <= 0 {
		maxUses = 1
	}
	created, err := scanPromo(s.DB.QueryRowContext(ctx, `INSERT INTO promo_codes
		(code, kind, tariff_id, bonus_days, bonus_amount, max_uses, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+promoColumns,
		p.Code, string(p.Kind), nullInt64(p.TariffID), p.BonusDays, p.BonusAmount, maxUses, nullTime(p.ExpiresAt)))
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, fmt.Errorf("%s: %w", op, models.ErrDuplicate)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// RedeemPromoCode погашает код для пользователя в одной транзакции БД:
// проверяет срок и лимит, записывает погашение, начисляет бонус и, если код
// даёт подписку, записывает подтверждённую транзакцию провайдера promo.
func (s *Storage) RedeemPromoCode(ctx context.Context, code string, userID int64, now time.Time) (*models.PromoRedemption, error) {
	const op = "storage.RedeemPromoCode"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var result models.PromoRedemption
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanPromo(tx.QueryRowContext(ctx,
			`SELECT `+promoColumns+` FROM promo_codes WHERE code = $1 FOR UPDATE`, code))
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return err
		}
		if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
			return models.ErrCodeExpired
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO promo_redemptions (code, user_id, redeemed_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, code, userID, now)
		if err != nil {
			if isForeignKeyViolation(err) {
				return models.ErrNotFound
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return models.ErrAlreadyRedeemed
		}
		if p.UsedCount >= p.MaxUses {
			if p.Kind == models.PromoKindGift {
				return models.ErrAlreadyRedeemed
			}
			return models.ErrCodeExpired
		}
		if _, err = tx.ExecContext(ctx, `UPDATE promo_codes SET used_count = used_count + 1 WHERE code = $1`, code); err != nil {
			return err
		}
		p.UsedCount++
		result.Code = *p

		sourceID := code + ":" + strconv.FormatInt(userID, 10)
		if p.BonusAmount > 0 {
			if _, err = tx.ExecContext(ctx, `INSERT INTO bonus_ledger (user_id, source_event_id, amount, reason)
				VALUES ($1, $2, $3, $4)`, userID, "promo:"+sourceID, p.BonusAmount, models.BonusReasonPromo); err != nil {
				return err
			}
		}
		if p.TariffID == nil {
			return nil
		}
		var currency string
		err = tx.QueryRowContext(ctx, `SELECT currency FROM tariffs WHERE id = $1`, *p.TariffID).Scan(&currency)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrUnknownTariff
		}
		if err != nil {
			return err
		}
		var duration *time.Duration
		if d := p.Duration(); d > 0 {
			duration = &d
		}
		result.Transaction, err = insertConfirmedTransaction(ctx, tx, models.ProviderPromo, sourceID,
			userID, *p.TariffID, 0, currency, duration)
		if errors.Is(err, models.ErrDuplicate) {
			return models.ErrAlreadyRedeemed
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &result, nil
}
