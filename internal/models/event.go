package models

import "time"

// Ключи маршрутизации доменных событий.
const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionGrace     = "subscription.grace"
	EventSubscriptionExpired   = "subscription.expired"
	EventReferralCredited      = "referral.credited"
	EventServingDisabled       = "serving.disabled"
)

// Event доменное событие для чат-слоя и уведомлений.
type Event struct {
	Type           string            `json:"type"`
	UserID         int64             `json:"user_id,omitempty"`
	SubscriptionID int64             `json:"subscription_id,omitempty"`
	State          SubscriptionState `json:"state,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Amount         int64             `json:"amount,omitempty"`
	Message        string            `json:"message,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}
