package engine

import (
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// transitions допустимые переходы. Переход в banned разрешён из любого состояния
// и проверяется отдельно.
var transitions = map[models.SubscriptionState][]models.SubscriptionState{
	models.StateNone:           {models.StatePendingPayment, models.StateActive},
	models.StatePendingPayment: {models.StatePendingPayment, models.StateActive},
	models.StateActive:         {models.StateActive, models.StateGrace},
	models.StateGrace:          {models.StateActive, models.StateExpired},
	models.StateExpired:        {models.StatePendingPayment, models.StateActive},
}

// CanTransition сообщает, допустим ли переход from → to.
// expired → active означает повторную подписку новой записью.
func CanTransition(from, to models.SubscriptionState) bool {
	if to == models.StateBanned {
		return from != models.StateBanned
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Activation результат расчёта активации или продления.
type Activation struct {
	ActivatedAt time.Time
	ExpiresAt   time.Time
	// Extend продление действующей подписки, а не новая запись.
	Extend bool
}

// NextActivation считает сроки после подтверждённого платежа на duration.
// Действующая подписка продлевается от max(now, expires_at), иначе начинается новая с now.
func NextActivation(now time.Time, current *models.Subscription, duration time.Duration) Activation {
	if current == nil || !current.State.Live() || current.ExpiresAt == nil {
		return Activation{ActivatedAt: now, ExpiresAt: now.Add(duration)}
	}
	base := *current.ExpiresAt
	if now.After(base) {
		base = now
	}
	activated := now
	if current.ActivatedAt != nil {
		activated = *current.ActivatedAt
	}
	return Activation{ActivatedAt: activated, ExpiresAt: base.Add(duration), Extend: true}
}

// graceUntil конец льготного периода подписки.
func graceUntil(sub models.Subscription, grace time.Duration) *time.Time {
	if sub.ExpiresAt == nil || !sub.State.Live() {
		return nil
	}
	until := sub.ExpiresAt.Add(grace)
	return &until
}
