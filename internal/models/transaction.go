package models

import (
	"fmt"
	"time"
)

// TransactionStatus нормализованный статус платежа.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
	TxRefunded  TransactionStatus = "refunded"
	// TxExpired ставится локально, когда провайдер так и не ответил за pending_poll_max_age.
	// Провайдеры такой статус не присылают, позднее подтверждение из него принимается.
	TxExpired TransactionStatus = "expired"
)

// Terminal статус, из которого транзакция выходит только в refunded.
func (s TransactionStatus) Terminal() bool {
	return s != TxPending && s != TxExpired
}

// Внутренние источники транзакций, не связанные с платёжными провайдерами.
const (
	ProviderPromo = "promo"
	ProviderBonus = "bonus"
)

// Internal сообщает, что транзакция создана самой системой (промокод, бонусы).
func Internal(provider string) bool {
	return provider == ProviderPromo || provider == ProviderBonus
}

// Transaction запись о платеже. Пара (Provider, ProviderTxID) уникальна
// и служит ключом идемпотентности.
type Transaction struct {
	ID             int64             `json:"id"`
	Provider       string            `json:"provider"`
	ProviderTxID   string            `json:"provider_tx_id"`
	UserID         int64             `json:"user_id"`
	TariffID       *int64            `json:"tariff_id,omitempty"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	SubscriptionID *int64            `json:"subscription_id,omitempty"`
	Duration       *time.Duration    `json:"duration,omitempty"` // Переопределяет длительность тарифа
	OccurredAt     time.Time         `json:"occurred_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Key ключ идемпотентности транзакции.
func (t Transaction) Key() string {
	return t.Provider + "/" + t.ProviderTxID
}

// PaymentEvent нормализованное событие от платёжного провайдера.
type PaymentEvent struct {
	Provider     string            `json:"provider" validate:"required"`
	ProviderTxID string            `json:"provider_tx_id" validate:"required"`
	UserID       int64             `json:"user_id" validate:"required,gt=0"`
	TariffID     int64             `json:"tariff_id"`
	Amount       int64             `json:"amount" validate:"gte=0"`
	Currency     string            `json:"currency" validate:"required"`
	Status       TransactionStatus `json:"status" validate:"required,oneof=pending confirmed failed refunded"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

func (e PaymentEvent) String() string {
	return fmt.Sprintf("%s/%s user=%d status=%s", e.Provider, e.ProviderTxID, e.UserID, e.Status)
}
