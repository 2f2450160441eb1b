package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/license"
	"github.com/magabrotheeeer/vpn-entitlements/internal/metrics"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

// pollConcurrency число одновременных опросов провайдеров за один тик.
const pollConcurrency = 4

// decideFunc возвращает переход для текущего состояния подписки или nil, если переход уже не нужен.
type decideFunc func(cur *models.Subscription) *models.Transition

// transition применяет переход, перечитывая подписку при конфликте версий.
func (e *Engine) transition(ctx context.Context, load func() (*models.Subscription, error), decide decideFunc) (*models.Subscription, error) {
	var err error
	for attempt := 0; attempt <= e.cfg.MaxStaleRetries; attempt++ {
		if attempt > 0 {
			metrics.StaleRetriesTotal.Inc()
		}
		cur, lerr := load()
		if errors.Is(lerr, models.ErrNotFound) {
			return nil, nil
		}
		if lerr != nil {
			return nil, lerr
		}
		tr := decide(cur)
		if tr == nil {
			return nil, nil
		}
		if !CanTransition(tr.From, tr.To) {
			return nil, fmt.Errorf("engine.transition: %s -> %s not allowed", tr.From, tr.To)
		}
		var next *models.Subscription
		next, err = e.ledger.TransitionSubscriptionState(ctx, *tr)
		if err == nil {
			metrics.TransitionsTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()
			return next, nil
		}
		if !errors.Is(err, models.ErrStaleState) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("engine.transition: retries exhausted: %w", err)
}

func (e *Engine) transitionByID(ctx context.Context, id int64, decide decideFunc) (*models.Subscription, error) {
	return e.transition(ctx, func() (*models.Subscription, error) { return e.ledger.GetSubscription(ctx, id) }, decide)
}

func (e *Engine) transitionCurrent(ctx context.Context, userID int64, decide decideFunc) (*models.Subscription, error) {
	return e.transition(ctx, func() (*models.Subscription, error) { return e.ledger.GetCurrentSubscription(ctx, userID) }, decide)
}

type SweepReport struct {
	Renewed int
	Grace   int
	Expired int
}

// SweepExpiries переводит истёкшие подписки active → grace и grace → expired.
// Перед переходом в grace пробует автопродление с бонусного баланса.
// Истечение и отзыв доступа работают и при отключённом обслуживании.
func (e *Engine) SweepExpiries(ctx context.Context) (SweepReport, error) {
	const op = "engine.SweepExpiries"
	log := e.log.With(slog.String("op", op))

	var report SweepReport
	now := e.now()

	due, err := e.ledger.ListDueForGrace(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("%s: %w", op, err)
	}
	for i := range due {
		sub := due[i]
		if sub.AutoRenew && !e.guard.Disabled() {
			renewed, err := e.autoRenew(ctx, sub)
			if err != nil {
				log.Warn("auto-renew failed", slog.Int64("subscription_id", sub.ID), sl.Err(err))
			}
			if renewed {
				report.Renewed++
				continue
			}
		}
		next, err := e.transitionByID(ctx, sub.ID, func(cur *models.Subscription) *models.Transition {
			if cur.State != models.StateActive || cur.ExpiresAt == nil || cur.ExpiresAt.After(now) {
				return nil
			}
			return &models.Transition{ID: cur.ID, From: cur.State, Version: cur.Version, To: models.StateGrace}
		})
		if err != nil {
			log.Error("failed to move subscription to grace", slog.Int64("subscription_id", sub.ID), sl.Err(err))
			continue
		}
		if next == nil {
			continue
		}
		report.Grace++
		e.invalidate(ctx, next.UserID)
		e.notify(ctx, models.Event{
			Type: models.EventSubscriptionGrace, UserID: next.UserID, SubscriptionID: next.ID,
			State: models.StateGrace, ExpiresAt: next.ExpiresAt,
		})
	}

	expiring, err := e.ledger.ListDueForExpiry(ctx, now, e.cfg.GracePeriod, e.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("%s: %w", op, err)
	}
	for i := range expiring {
		sub := expiring[i]
		grace := e.cfg.GracePeriod
		if t, err := e.ledger.GetTariff(ctx, sub.TariffID); err == nil {
			grace = e.grace(t)
		}
		next, err := e.transitionByID(ctx, sub.ID, func(cur *models.Subscription) *models.Transition {
			if cur.State != models.StateGrace || cur.ExpiresAt == nil || cur.ExpiresAt.Add(grace).After(now) {
				return nil
			}
			revoke := true
			return &models.Transition{ID: cur.ID, From: cur.State, Version: cur.Version, To: models.StateExpired, NeedsRevoke: &revoke}
		})
		if err != nil {
			log.Error("failed to expire subscription", slog.Int64("subscription_id", sub.ID), sl.Err(err))
			continue
		}
		if next == nil {
			continue
		}
		report.Expired++
		e.invalidate(ctx, next.UserID)
		e.notify(ctx, models.Event{
			Type: models.EventSubscriptionExpired, UserID: next.UserID, SubscriptionID: next.ID,
			State: models.StateExpired, ExpiresAt: next.ExpiresAt,
		})
		e.revoke(ctx, next)
	}

	if report != (SweepReport{}) {
		log.Info("expiry sweep finished",
			slog.Int("renewed", report.Renewed), slog.Int("grace", report.Grace), slog.Int("expired", report.Expired))
	}
	return report, nil
}

func autoRenewSource(sub models.Subscription) string {
	return fmt.Sprintf("autorenew:%d:%d", sub.ID, sub.ExpiresAt.Unix())
}

// autoRenew продлевает подписку за счёт бонусов, если баланс покрывает цену тарифа
// в валюте бонусного журнала. Источник списания стабилен для одного срока,
// поэтому повторный тик не спишет бонусы второй раз.
func (e *Engine) autoRenew(ctx context.Context, sub models.Subscription) (bool, error) {
	tariff, err := e.tariffFor(ctx, sub.TariffID)
	if err != nil {
		return false, err
	}
	if tariff.Price <= 0 || tariff.Currency != e.referral.Currency {
		return false, nil
	}
	balance, err := e.ledger.BonusBalance(ctx, sub.UserID)
	if err != nil {
		return false, err
	}
	if balance < tariff.Price {
		return false, nil
	}

	source := autoRenewSource(sub)
	tx, err := e.ledger.SpendBonus(ctx, models.BonusSpend{
		UserID: sub.UserID, TariffID: tariff.ID, Amount: tariff.Price, Currency: tariff.Currency,
		SourceEventID: source, ProviderTxID: source, Duration: tariff.Duration,
	})
	switch {
	case errors.Is(err, models.ErrInsufficientBalance):
		return false, nil
	case errors.Is(err, models.ErrDuplicate):
		// Списание за этот срок уже есть, транзакцию привяжет проход восстановления.
		return true, nil
	case err != nil:
		return false, err
	}
	outcome, err := e.reconcile(ctx, *tx)
	metrics.PaymentEventsTotal.WithLabelValues(models.ProviderBonus, string(outcome)).Inc()
	return outcome == OutcomeActivated || outcome == OutcomeDuplicate, err
}

type RepairReport struct {
	Applied     int
	Provisioned int
	Revoked     int
	Credited    int
}

// Repair доводит до конца то, что не удалось при активации: применяет
// подтверждённые, но не привязанные платежи, повторяет выдачу и отзыв доступа
// и начисляет пропущенные реферальные бонусы.
func (e *Engine) Repair(ctx context.Context) (RepairReport, error) {
	const op = "engine.Repair"
	log := e.log.With(slog.String("op", op))

	var report RepairReport
	disabled := e.guard.Disabled()

	if !disabled {
		txs, err := e.ledger.ListUnlinkedConfirmedTransactions(ctx, e.now().Add(-e.cfg.RepairMinAge), e.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("%s: %w", op, err)
		}
		for _, tx := range txs {
			outcome, err := e.reconcile(ctx, tx)
			if err != nil {
				log.Error("failed to apply payment", slog.String("tx", tx.Key()), sl.Err(err))
				continue
			}
			if outcome == OutcomeActivated {
				report.Applied++
			}
		}

		subs, err := e.ledger.ListNeedingProvision(ctx, e.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("%s: %w", op, err)
		}
		for i := range subs {
			if e.repairProvision(ctx, &subs[i]) {
				report.Provisioned++
			}
		}
	}

	revokes, err := e.ledger.ListNeedingRevoke(ctx, e.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("%s: %w", op, err)
	}
	for i := range revokes {
		if e.revoke(ctx, &revokes[i]) {
			report.Revoked++
		}
	}

	if !disabled {
		refs, err := e.ledger.ListUncreditedReferrals(ctx, e.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("%s: %w", op, err)
		}
		for _, r := range refs {
			if e.creditReferral(ctx, r.ReferralID, "repair") {
				report.Credited++
			}
		}
	}

	if report != (RepairReport{}) {
		log.Info("repair pass finished",
			slog.Int("applied", report.Applied), slog.Int("provisioned", report.Provisioned),
			slog.Int("revoked", report.Revoked), slog.Int("credited", report.Credited))
	}
	return report, nil
}

func (e *Engine) repairProvision(ctx context.Context, sub *models.Subscription) bool {
	user, err := e.ledger.GetUser(ctx, sub.UserID)
	if err != nil {
		e.log.Error("failed to load user", sl.User(sub.UserID), sl.Err(err))
		return false
	}
	tariff, err := e.ledger.GetTariff(ctx, sub.TariffID)
	if err != nil {
		e.log.Error("failed to load tariff", slog.Int64("tariff_id", sub.TariffID), sl.Err(err))
		return false
	}
	preferred := ""
	if sub.NodeID != nil {
		preferred = *sub.NodeID
	}
	if !e.provision(ctx, sub, *user, *tariff, preferred) {
		return false
	}
	e.invalidate(ctx, sub.UserID)
	return true
}

type PollReport struct {
	Polled  int64
	Applied int64
	Expired int64
}

// PollPending опрашивает провайдеров по ожидающим платежам и применяет
// изменившиеся статусы. Ожидающие платежи старше pending_poll_max_age переводятся в expired.
func (e *Engine) PollPending(ctx context.Context) (PollReport, error) {
	const op = "engine.PollPending"
	log := e.log.With(slog.String("op", op))

	var report PollReport
	if e.guard.Disabled() {
		log.Debug("serving disabled, poll skipped")
		return report, nil
	}
	since := e.now().Add(-e.cfg.PendingPollMaxAge)
	txs, err := e.ledger.ListPendingTransactions(ctx, since, e.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("%s: %w", op, err)
	}

	var polled, applied atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for _, tx := range txs {
		if models.Internal(tx.Provider) {
			continue
		}
		adapter, err := e.providers.Get(tx.Provider)
		if err != nil {
			continue
		}
		g.Go(func() error {
			ev, err := paymentprovider.PollWithBackoff(gctx, adapter, tx)
			switch {
			case errors.Is(err, models.ErrNotFound):
				metrics.ProviderPollsTotal.WithLabelValues(tx.Provider, metrics.ResultIgnored).Inc()
				return nil
			case err != nil:
				metrics.ProviderPollsTotal.WithLabelValues(tx.Provider, metrics.ResultError).Inc()
				log.Warn("poll failed", slog.String("tx", tx.Key()), sl.Err(err))
				return nil
			}
			metrics.ProviderPollsTotal.WithLabelValues(tx.Provider, metrics.ResultOK).Inc()
			if ev.Status == models.TxPending {
				return nil
			}
			polled.Add(1)
			outcome, err := e.ApplyPaymentEvent(gctx, ev)
			if err != nil {
				log.Error("failed to apply polled payment", slog.String("tx", tx.Key()), sl.Err(err))
				return nil
			}
			if outcome == OutcomeActivated {
				applied.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Polled, report.Applied = polled.Load(), applied.Load()

	expired, err := e.ledger.ExpireStalePendingTransactions(ctx, since)
	if err != nil {
		return report, fmt.Errorf("%s: %w", op, err)
	}
	report.Expired = expired
	if expired > 0 {
		log.Info("stale pending payments expired", slog.Int64("count", expired))
	}
	return report, nil
}

// ObserveLicense учитывает результат проверки лицензии. При переходе в отключённое
// состояние публикуется serving.disabled. Возвращает текущее состояние флага.
func (e *Engine) ObserveLicense(ctx context.Context, st license.Status) bool {
	const op = "engine.ObserveLicense"
	log := e.log.With(slog.String("op", op), slog.String("status", string(st)))

	wasDisabled, disabled := e.guard.Observe(st)
	switch {
	case !wasDisabled && disabled:
		log.Error("license invalid, serving disabled")
		e.notify(ctx, models.Event{Type: models.EventServingDisabled, Message: models.ServingDisabledMessage})
	case wasDisabled && !disabled:
		log.Info("license valid again, serving restored")
	case st == license.StatusInvalid && !disabled:
		log.Warn("license invalid, grace window running")
	}
	return disabled
}
