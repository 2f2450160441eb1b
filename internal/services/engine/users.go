package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/metrics"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// RegisterUser регистрирует пользователя при первом обращении. Реферальная связь
// создаётся только для нового пользователя, при включённой программе и не на себя.
func (e *Engine) RegisterUser(ctx context.Context, externalID int64, displayName, refCode string) (*models.User, error) {
	const op = "engine.RegisterUser"
	log := e.log.With(slog.String("op", op), slog.Int64("external_id", externalID))

	if err := e.checkServing(); err != nil {
		return nil, err
	}
	user, created, err := e.ledger.EnsureUser(ctx, externalID, displayName, newReferralCode())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !created || refCode == "" || !e.referral.Enabled {
		return user, nil
	}

	referrer, err := e.ledger.GetUserByReferralCode(ctx, refCode)
	if errors.Is(err, models.ErrNotFound) {
		log.Info("unknown referral code", slog.String("code", refCode))
		return user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if referrer.ID == user.ID {
		return user, nil
	}
	ok, err := e.ledger.CreateReferral(ctx, referrer.ID, user.ID)
	switch {
	case errors.Is(err, models.ErrInvalidPayload):
		log.Warn("referral rejected", sl.Err(err))
	case err != nil:
		return nil, fmt.Errorf("%s: %w", op, err)
	case ok:
		log.Info("referral created", slog.Int64("referrer_id", referrer.ID), sl.User(user.ID))
	}
	return user, nil
}

// BanUser блокирует пользователя: действующая подписка переходит в banned и доступ отзывается.
func (e *Engine) BanUser(ctx context.Context, userID int64) error {
	const op = "engine.BanUser"

	if err := e.ledger.SetUserStatus(ctx, userID, models.UserStatusBanned); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	sub, err := e.transitionCurrent(ctx, userID, func(cur *models.Subscription) *models.Transition {
		revoke := true
		return &models.Transition{ID: cur.ID, From: cur.State, Version: cur.Version, To: models.StateBanned, NeedsRevoke: &revoke}
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	e.invalidate(ctx, userID)
	e.log.Info("user banned", slog.String("op", op), sl.User(userID))
	if sub != nil {
		e.revoke(ctx, sub)
	}
	return nil
}

// UnbanUser снимает блокировку. Заблокированная подписка остаётся в истории,
// отложенные платежи пользователя применяет проход восстановления.
func (e *Engine) UnbanUser(ctx context.Context, userID int64) error {
	const op = "engine.UnbanUser"

	if err := e.ledger.SetUserStatus(ctx, userID, models.UserStatusActive); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	e.invalidate(ctx, userID)
	e.log.Info("user unbanned", slog.String("op", op), sl.User(userID))
	return nil
}

// SetAutoRenew включает или выключает автопродление действующей подписки.
func (e *Engine) SetAutoRenew(ctx context.Context, userID int64, enabled bool) (*models.Subscription, error) {
	const op = "engine.SetAutoRenew"

	if err := e.checkServing(); err != nil {
		return nil, err
	}
	cur, err := e.ledger.GetCurrentSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sub, err := e.ledger.SetAutoRenew(ctx, cur.ID, enabled)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.invalidate(ctx, userID)
	return sub, nil
}

// RedeemCode погашает промокод или подарочный код. Код с подпиской проходит
// через тот же путь активации, что и платёж провайдера promo.
func (e *Engine) RedeemCode(ctx context.Context, userID int64, code string) error {
	const op = "engine.RedeemCode"

	if err := e.checkServing(); err != nil {
		return err
	}
	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if user.Banned() {
		return models.ErrUserBanned
	}
	red, err := e.ledger.RedeemPromoCode(ctx, strings.TrimSpace(code), userID, e.now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	e.log.Info("code redeemed", slog.String("op", op), sl.User(userID), slog.String("kind", string(red.Code.Kind)))
	if red.Transaction == nil {
		return nil
	}
	outcome, err := e.reconcile(ctx, *red.Transaction)
	metrics.PaymentEventsTotal.WithLabelValues(models.ProviderPromo, string(outcome)).Inc()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
