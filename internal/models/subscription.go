package models

import "time"

// SubscriptionState состояние подписки в жизненном цикле.
type SubscriptionState string

const (
	StateNone           SubscriptionState = "none"
	StatePendingPayment SubscriptionState = "pending_payment"
	StateActive         SubscriptionState = "active"
	StateGrace          SubscriptionState = "grace"
	StateExpired        SubscriptionState = "expired"
	StateBanned         SubscriptionState = "banned"
)

// Live сообщает, даёт ли состояние доступ к VPN.
func (s SubscriptionState) Live() bool {
	return s == StateActive || s == StateGrace
}

// Subscription запись о праве пользователя на доступ.
// У пользователя не больше одной подписки в состояниях active или grace.
// Version увеличивается при каждом изменении и защищает от потерянных обновлений.
type Subscription struct {
	ID             int64             `json:"id"`
	UserID         int64             `json:"user_id"`
	TariffID       int64             `json:"tariff_id"`
	State          SubscriptionState `json:"state"`
	ActivatedAt    *time.Time        `json:"activated_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	AutoRenew      bool              `json:"auto_renew"`
	NodeID         *string           `json:"node_id,omitempty"`
	AccessURL      string            `json:"access_url,omitempty"`
	NeedsProvision bool              `json:"needs_provision"`
	NeedsRevoke    bool              `json:"needs_revoke"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewSubscription параметры создания активной подписки.
// Если PendingID задан, активируется существующая запись pending_payment.
type NewSubscription struct {
	UserID        int64
	TariffID      int64
	ActivatedAt   time.Time
	ExpiresAt     time.Time
	AutoRenew     bool
	PendingID     *int64
	TransactionID int64
}

// Transition переход подписки между состояниями. Применяется только если
// подписка всё ещё находится в From с версией Version.
// TransactionID, если задан, привязывается к подписке в той же транзакции БД.
type Transition struct {
	ID            int64
	From          SubscriptionState
	Version       int64
	To            SubscriptionState
	ExpiresAt     *time.Time
	NeedsRevoke   *bool
	TransactionID *int64
}

// ProvisioningUpdate результат выдачи или отзыва доступа на узле.
type ProvisioningUpdate struct {
	ID             int64
	Version        int64
	NodeID         *string
	AccessURL      string
	NeedsProvision bool
	NeedsRevoke    bool
}

// Entitlement текущее право пользователя на доступ, отдаваемое наружу.
type Entitlement struct {
	UserID     int64             `json:"user_id"`
	State      SubscriptionState `json:"state"`
	TariffID   int64             `json:"tariff_id,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	GraceUntil *time.Time        `json:"grace_until,omitempty"`
	NodeID     string            `json:"node_id,omitempty"`
	AccessURL  string            `json:"access_url,omitempty"`
	AutoRenew  bool              `json:"auto_renew"`
}
