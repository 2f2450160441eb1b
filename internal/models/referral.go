package models

import (
	"strconv"
	"time"
)

// ReferralRelation связь "пригласивший → приглашённый". У приглашённого
// не больше одного пригласившего, начисление происходит не более одного раза.
type ReferralRelation struct {
	ReferrerID   int64      `json:"referrer_id"`
	ReferralID   int64      `json:"referral_id"`
	CreatedAt    time.Time  `json:"created_at"`
	CreditedAt   *time.Time `json:"credited_at,omitempty"`
	CreditSource string     `json:"credit_source,omitempty"`
}

// BonusEntry запись бонусного журнала. Сумма знаковая, баланс равен сумме записей.
// SourceEventID уникален, поэтому одно событие не может начислить бонус дважды.
type BonusEntry struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	SourceEventID string    `json:"source_event_id"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	BonusReasonReferral  = "referral"
	BonusReasonPromo     = "promo"
	BonusReasonAutoRenew = "autorenew"
)

// ReferralSourceID идентификатор события начисления за приглашённого пользователя.
func ReferralSourceID(referralID int64) string {
	return "referral:" + strconv.FormatInt(referralID, 10)
}

// BonusSpend списание бонусов в оплату тарифа. Списание и транзакция
// с провайдером bonus записываются атомарно.
type BonusSpend struct {
	UserID        int64
	TariffID      int64
	Amount        int64
	Currency      string
	SourceEventID string
	ProviderTxID  string
	Duration      time.Duration
}
