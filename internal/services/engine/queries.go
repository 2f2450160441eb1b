package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/license"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// Методы чтения работают и при отключённом обслуживании.

// GetEntitlement возвращает текущее право пользователя на доступ. Ответ кешируется
// до изменения подписки. Пользователь без подписок получает состояние none.
func (e *Engine) GetEntitlement(ctx context.Context, userID int64) (models.Entitlement, error) {
	const op = "engine.GetEntitlement"
	log := e.log.With(slog.String("op", op), sl.User(userID))

	key := entitlementKey(userID)
	if e.cache != nil {
		var cached models.Entitlement
		found, err := e.cache.Get(ctx, key, &cached)
		if err != nil {
			log.Warn("entitlement cache unavailable", sl.Err(err))
		}
		if found {
			return cached, nil
		}
	}

	if _, err := e.ledger.GetUser(ctx, userID); err != nil {
		return models.Entitlement{}, fmt.Errorf("%s: %w", op, err)
	}
	ent := models.Entitlement{UserID: userID, State: models.StateNone}

	sub, err := e.ledger.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		sub, err = e.ledger.GetLatestSubscription(ctx, userID)
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return models.Entitlement{}, fmt.Errorf("%s: %w", op, err)
	default:
		ent.State = sub.State
		ent.TariffID = sub.TariffID
		ent.ExpiresAt = sub.ExpiresAt
		ent.AutoRenew = sub.AutoRenew
		if sub.State.Live() {
			var tariff *models.Tariff
			if t, err := e.ledger.GetTariff(ctx, sub.TariffID); err == nil {
				tariff = t
			}
			ent.GraceUntil = graceUntil(*sub, e.grace(tariff))
			ent.AccessURL = sub.AccessURL
			if sub.NodeID != nil {
				ent.NodeID = *sub.NodeID
			}
		}
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, ent, e.ttl); err != nil {
			log.Warn("failed to cache entitlement", sl.Err(err))
		}
	}
	return ent, nil
}

// Bonus бонусный баланс и последние записи журнала.
type Bonus struct {
	UserID  int64               `json:"user_id"`
	Balance int64               `json:"balance"`
	Entries []models.BonusEntry `json:"entries"`
}

func (e *Engine) GetBonus(ctx context.Context, userID int64, limit int) (Bonus, error) {
	const op = "engine.GetBonus"

	if _, err := e.ledger.GetUser(ctx, userID); err != nil {
		return Bonus{}, fmt.Errorf("%s: %w", op, err)
	}
	balance, err := e.ledger.BonusBalance(ctx, userID)
	if err != nil {
		return Bonus{}, fmt.Errorf("%s: %w", op, err)
	}
	entries, err := e.ledger.ListBonusEntries(ctx, userID, limit)
	if err != nil {
		return Bonus{}, fmt.Errorf("%s: %w", op, err)
	}
	if entries == nil {
		entries = []models.BonusEntry{}
	}
	return Bonus{UserID: userID, Balance: balance, Entries: entries}, nil
}

func (e *Engine) ListTransactions(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	const op = "engine.ListTransactions"

	if _, err := e.ledger.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	txs, err := e.ledger.ListUserTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return txs, nil
}

func (e *Engine) ListNodes(ctx context.Context) ([]models.Node, error) {
	return e.ledger.ListNodes(ctx)
}

func (e *Engine) ListTariffs(ctx context.Context) ([]models.Tariff, error) {
	return e.ledger.ListTariffs(ctx, false)
}

// LookupUser находит пользователя по идентификатору на платформе.
func (e *Engine) LookupUser(ctx context.Context, externalID int64) (*models.UserProfile, error) {
	const op = "engine.LookupUser"

	user, err := e.ledger.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	history, err := e.ledger.HasSubscriptionHistory(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &models.UserProfile{User: *user, HasHistory: history}, nil
}

// LicenseStatus состояние проверки лицензии для административного запроса.
func (e *Engine) LicenseStatus() license.Snapshot {
	return e.guard.Snapshot()
}
