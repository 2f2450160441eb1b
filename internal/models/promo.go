package models

import "time"

// PromoKind тип кода.
type PromoKind string

const (
	PromoKindPromo PromoKind = "promo"
	PromoKindGift  PromoKind = "gift" // Одноразовый подарочный код
)

// PromoCode промокод или подарочный код. Код даёт либо подписку
// по тарифу TariffID (на BonusDays дней, если задано), либо бонус BonusAmount.
type PromoCode struct {
	Code        string     `json:"code"`
	Kind        PromoKind  `json:"kind"`
	TariffID    *int64     `json:"tariff_id,omitempty"`
	BonusDays   int        `json:"bonus_days"`
	BonusAmount int64      `json:"bonus_amount"`
	MaxUses     int        `json:"max_uses"`
	UsedCount   int        `json:"used_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Duration длительность подписки, которую даёт код. Ноль означает длительность тарифа.
func (p PromoCode) Duration() time.Duration {
	return time.Duration(p.BonusDays) * 24 * time.Hour
}

// PromoRedemption результат погашения кода. Transaction заполнен, если код даёт подписку.
type PromoRedemption struct {
	Code        PromoCode
	Transaction *Transaction
}
