package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/metrics"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

// HandleIncomingPayment разбирает уведомление провайдера и применяет его.
// Повтор уже обработанного события не является ошибкой.
func (e *Engine) HandleIncomingPayment(ctx context.Context, providerID string, cb paymentprovider.Callback) error {
	const op = "engine.HandleIncomingPayment"
	log := e.log.With(slog.String("op", op), sl.Provider(providerID))

	if err := e.checkServing(); err != nil {
		return err
	}
	adapter, err := e.providers.Get(providerID)
	if err != nil {
		log.Warn("unknown provider", sl.Err(err))
		metrics.PaymentEventsTotal.WithLabelValues(metrics.UnknownProvider, metrics.ResultInvalid).Inc()
		return err
	}
	ev, err := adapter.ParseCallback(ctx, cb)
	if err != nil {
		if errors.Is(err, models.ErrInvalidPayload) {
			log.Warn("callback rejected", sl.Err(err))
			metrics.PaymentEventsTotal.WithLabelValues(providerID, metrics.ResultInvalid).Inc()
		} else {
			log.Error("failed to parse callback", sl.Err(err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := e.ApplyPaymentEvent(ctx, ev); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ApplyPaymentEvent записывает событие и, если платёж впервые подтверждён, активирует подписку.
func (e *Engine) ApplyPaymentEvent(ctx context.Context, ev models.PaymentEvent) (Outcome, error) {
	const op = "engine.ApplyPaymentEvent"
	log := e.log.With(slog.String("op", op), sl.Provider(ev.Provider),
		slog.String("provider_tx_id", ev.ProviderTxID), sl.User(ev.UserID))

	if err := e.checkServing(); err != nil {
		return OutcomeIgnored, err
	}
	valid, err := paymentprovider.Validate(ev)
	if err != nil {
		metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, metrics.ResultInvalid).Inc()
		return OutcomeRejected, err
	}
	ev = valid

	tx, created, err := e.ledger.RecordTransaction(ctx, ev)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("payment for unknown user")
		metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, metrics.ResultInvalid).Inc()
		return OutcomeRejected, fmt.Errorf("%w: unknown user %d", models.ErrInvalidPayload, ev.UserID)
	}
	if err != nil {
		log.Error("failed to record transaction", sl.Err(err))
		return OutcomeIgnored, fmt.Errorf("%s: %w", op, err)
	}
	if !created {
		log.Debug("duplicate payment event")
		metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}

	var outcome Outcome
	switch tx.Status {
	case models.TxConfirmed:
		outcome, err = e.reconcile(ctx, *tx)
	case models.TxRefunded:
		log.Warn("payment refunded", slog.Int64("amount", tx.Amount), slog.String("currency", tx.Currency))
		outcome = OutcomeRecorded
	default:
		log.Info("payment recorded", slog.String("status", string(tx.Status)))
		outcome = OutcomeRecorded
	}
	metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, string(outcome)).Inc()
	if err != nil {
		return outcome, fmt.Errorf("%s: %w", op, err)
	}
	return outcome, nil
}

// reconcile применяет подтверждённую, ещё не привязанную транзакцию.
// Используется и при приёме платежа, и проходом восстановления.
func (e *Engine) reconcile(ctx context.Context, tx models.Transaction) (Outcome, error) {
	log := e.log.With(slog.String("op", "engine.reconcile"), slog.String("tx", tx.Key()), sl.User(tx.UserID))

	if tx.TariffID == nil {
		log.Error("confirmed payment without tariff")
		return OutcomeIgnored, nil
	}
	user, err := e.ledger.GetUser(ctx, tx.UserID)
	if err != nil {
		return OutcomeIgnored, err
	}
	if user.Banned() {
		log.Warn("payment from banned user kept unapplied")
		return OutcomeIgnored, nil
	}
	tariff, err := e.tariffFor(ctx, *tx.TariffID)
	if errors.Is(err, models.ErrUnknownTariff) {
		log.Error("payment for unknown tariff", sl.Err(err))
		return OutcomeRejected, nil
	}
	if err != nil {
		return OutcomeIgnored, err
	}
	if reason := paymentMismatch(tx, *tariff); reason != "" {
		log.Warn(reason, slog.Int64("amount", tx.Amount), slog.String("currency", tx.Currency),
			slog.Int64("price", tariff.Price), slog.String("tariff_currency", tariff.Currency))
		if err := e.ledger.MarkTransactionFailed(ctx, tx.ID); err != nil {
			return OutcomeRejected, err
		}
		return OutcomeRejected, nil
	}

	sub, prev, err := e.activate(ctx, tx, *tariff)
	if errors.Is(err, models.ErrDuplicate) {
		log.Debug("transaction already linked")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		log.Error("failed to activate subscription", sl.Err(err))
		return OutcomeIgnored, err
	}
	e.afterActivation(ctx, sub, prev, *user, *tariff, tx)
	return OutcomeActivated, nil
}

// paymentMismatch возвращает причину отказа для внешнего платежа, не покрывающего тариф.
// Сумма в другой валюте с ценой не сравнивается.
func paymentMismatch(tx models.Transaction, tariff models.Tariff) string {
	switch {
	case models.Internal(tx.Provider):
		return ""
	case tx.Currency != tariff.Currency:
		return "currency mismatch"
	case tx.Amount < tariff.Price:
		return "underpayment"
	}
	return ""
}

// activate продлевает действующую подписку или создаёт новую активную запись.
// При конфликте версий состояние перечитывается и решение принимается заново.
func (e *Engine) activate(ctx context.Context, tx models.Transaction, tariff models.Tariff) (*models.Subscription, *models.Subscription, error) {
	duration := tariff.Duration
	if tx.Duration != nil && *tx.Duration > 0 {
		duration = *tx.Duration
	}
	var err error
	for attempt := 0; attempt <= e.cfg.MaxStaleRetries; attempt++ {
		if attempt > 0 {
			metrics.StaleRetriesTotal.Inc()
		}
		var sub, prev *models.Subscription
		sub, prev, err = e.applyActivation(ctx, tx, tariff, duration)
		if !errors.Is(err, models.ErrStaleState) {
			return sub, prev, err
		}
	}
	return nil, nil, fmt.Errorf("engine.activate: retries exhausted: %w", err)
}

func (e *Engine) applyActivation(ctx context.Context, tx models.Transaction, tariff models.Tariff, duration time.Duration) (*models.Subscription, *models.Subscription, error) {
	now := e.now()
	txID := tx.ID

	cur, err := e.ledger.GetCurrentSubscription(ctx, tx.UserID)
	if err == nil {
		next := NextActivation(now, cur, duration)
		sub, err := e.ledger.TransitionSubscriptionState(ctx, models.Transition{
			ID: cur.ID, From: cur.State, Version: cur.Version, To: models.StateActive,
			ExpiresAt: &next.ExpiresAt, TransactionID: &txID,
		})
		return sub, cur, err
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, nil, err
	}

	next := NextActivation(now, nil, duration)
	ns := models.NewSubscription{
		UserID: tx.UserID, TariffID: tariff.ID,
		ActivatedAt: next.ActivatedAt, ExpiresAt: next.ExpiresAt, TransactionID: txID,
	}
	pending, err := e.ledger.GetPendingSubscription(ctx, tx.UserID)
	switch {
	case err == nil:
		ns.PendingID = &pending.ID
	case !errors.Is(err, models.ErrNotFound):
		return nil, nil, err
	}
	if latest, err := e.ledger.GetLatestSubscription(ctx, tx.UserID); err == nil && latest.State != models.StateBanned {
		ns.AutoRenew = latest.AutoRenew
	}
	sub, err := e.ledger.UpsertSubscription(ctx, ns)
	return sub, pending, err
}

// afterActivation побочные действия активации: выдача доступа на узле и реферальное начисление.
// Ошибки на этом шаге не отменяют активацию: их подбирает проход восстановления.
func (e *Engine) afterActivation(ctx context.Context, sub, prev *models.Subscription, user models.User, tariff models.Tariff, tx models.Transaction) {
	from := models.StateNone
	preferred := ""
	if prev != nil {
		from = prev.State
		if prev.NodeID != nil && e.keepsNode(prev.State) {
			preferred = *prev.NodeID
		}
	}
	metrics.TransitionsTotal.WithLabelValues(string(from), string(models.StateActive)).Inc()
	e.log.Info("subscription activated",
		slog.Int64("subscription_id", sub.ID), sl.User(user.ID),
		slog.String("from", string(from)), slog.Time("expires_at", *sub.ExpiresAt))

	e.provision(ctx, sub, user, tariff, preferred)
	e.invalidate(ctx, user.ID)
	e.notify(ctx, models.Event{
		Type: models.EventSubscriptionActivated, UserID: user.ID, SubscriptionID: sub.ID,
		State: models.StateActive, ExpiresAt: sub.ExpiresAt,
	})
	if !models.Internal(tx.Provider) {
		e.creditReferral(ctx, user.ID, tx.Key())
	}
}

// keepsNode при оплате в льготный период узел сохраняется при любой политике.
func (e *Engine) keepsNode(from models.SubscriptionState) bool {
	return from == models.StateGrace || e.cfg.NodePolicy != config.NodePolicyRebalance
}

// creditReferral начисляет бонус пригласившему. Повторный вызов ничего не делает.
func (e *Engine) creditReferral(ctx context.Context, referralID int64, source string) bool {
	rel, credited, err := e.ledger.CreditReferralIfFirst(ctx, referralID, e.referral.BonusAmount, source)
	if err != nil {
		e.log.Error("failed to credit referral", sl.User(referralID), sl.Err(err))
		return false
	}
	if !credited {
		return false
	}
	metrics.ReferralCreditsTotal.Inc()
	e.log.Info("referral credited", slog.Int64("referrer_id", rel.ReferrerID), sl.User(referralID),
		slog.Int64("amount", e.referral.BonusAmount))
	e.notify(ctx, models.Event{
		Type: models.EventReferralCredited, UserID: rel.ReferrerID, Amount: e.referral.BonusAmount,
	})
	return true
}

// StartCheckout записывает ожидающую транзакцию и подписку pending_payment,
// чтобы опрос провайдера мог довести платёж до конца без уведомления.
func (e *Engine) StartCheckout(ctx context.Context, userID, tariffID int64, providerID, providerTxID string) (*models.Transaction, error) {
	const op = "engine.StartCheckout"

	if err := e.checkServing(); err != nil {
		return nil, err
	}
	if _, err := e.providers.Get(providerID); err != nil {
		return nil, err
	}
	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if user.Banned() {
		return nil, models.ErrUserBanned
	}
	tariff, err := e.tariffFor(ctx, tariffID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tariff.Archived {
		return nil, fmt.Errorf("%s: %w: %d archived", op, models.ErrUnknownTariff, tariffID)
	}

	tx, created, err := e.ledger.RecordTransaction(ctx, models.PaymentEvent{
		Provider: providerID, ProviderTxID: providerTxID, UserID: userID, TariffID: tariffID,
		Amount: tariff.Price, Currency: tariff.Currency, Status: models.TxPending, OccurredAt: e.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !created {
		return nil, models.ErrDuplicate
	}
	if _, err := e.ledger.GetCurrentSubscription(ctx, userID); errors.Is(err, models.ErrNotFound) {
		if _, err := e.ledger.CreatePendingSubscription(ctx, userID, tariffID); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	e.log.Info("checkout started", slog.String("op", op), sl.Provider(providerID),
		slog.String("provider_tx_id", providerTxID), sl.User(userID))
	return tx, nil
}
