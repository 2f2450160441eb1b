package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func (e *Engine) provisionBackOff(ctx context.Context) backoff.BackOff {
	attempts := e.cfg.ProvisionAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.ProvisionRetryWait), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// provision выдаёт доступ на узле и сохраняет назначение. Ошибка выдачи оставляет
// needs_provision, подписка остаётся активной. Панель получает срок с учётом льготного периода.
func (e *Engine) provision(ctx context.Context, sub *models.Subscription, user models.User, tariff models.Tariff, preferred string) bool {
	log := e.log.With(slog.String("op", "engine.provision"), slog.Int64("subscription_id", sub.ID), sl.User(user.ID))

	req := models.AccessRequest{
		User:            user,
		Tariff:          tariff,
		ExpiresAt:       sub.ExpiresAt.Add(e.grace(&tariff)),
		PreferredNodeID: preferred,
	}
	assignment, err := backoff.RetryWithData(func() (models.NodeAssignment, error) {
		a, err := e.provisioner.GrantAccess(ctx, req)
		if err != nil && !errors.Is(err, models.ErrTransport) {
			return a, backoff.Permanent(err)
		}
		return a, err
	}, e.provisionBackOff(ctx))

	update := models.ProvisioningUpdate{ID: sub.ID, Version: sub.Version, NodeID: sub.NodeID, AccessURL: sub.AccessURL}
	if err != nil {
		log.Warn("provisioning deferred", sl.Err(err))
		if sub.NeedsProvision {
			return false
		}
		update.NeedsProvision = true
	} else {
		node := assignment.NodeID
		update.NodeID = &node
		update.AccessURL = assignment.AccessURL
	}
	updated, uerr := e.ledger.UpdateProvisioning(ctx, update)
	if uerr != nil {
		log.Warn("failed to store provisioning result", sl.Err(uerr))
		return err == nil
	}
	*sub = *updated
	if err == nil {
		log.Info("access granted", slog.String("node_id", assignment.NodeID))
	}
	return err == nil
}

// revoke отзывает доступ пользователя. Если у пользователя уже есть новая
// действующая подписка, панель не трогается и снимается только флаг.
func (e *Engine) revoke(ctx context.Context, sub *models.Subscription) bool {
	log := e.log.With(slog.String("op", "engine.revoke"), slog.Int64("subscription_id", sub.ID), sl.User(sub.UserID))

	user, err := e.ledger.GetUser(ctx, sub.UserID)
	if err != nil {
		log.Error("failed to load user", sl.Err(err))
		return false
	}
	if live, err := e.ledger.GetCurrentSubscription(ctx, sub.UserID); err == nil && live.ID != sub.ID && !user.Banned() {
		log.Info("user resubscribed, revocation skipped", slog.Int64("live_subscription_id", live.ID))
	} else if err := e.provisioner.RevokeAccess(ctx, *user); err != nil {
		log.Warn("revocation deferred", sl.Err(err))
		return false
	}

	updated, err := e.ledger.UpdateProvisioning(ctx, models.ProvisioningUpdate{ID: sub.ID, Version: sub.Version})
	if err != nil {
		log.Warn("failed to clear revoke flag", sl.Err(err))
		return false
	}
	*sub = *updated
	log.Info("access revoked")
	return true
}
