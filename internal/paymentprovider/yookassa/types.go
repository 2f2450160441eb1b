package yookassa

import "time"

// Amount денежная сумма в формате API: "199.00" и "RUB".
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Payment объект платежа ЮKassa.
type Payment struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Paid       bool              `json:"paid"`
	Amount     Amount            `json:"amount"`
	Metadata   map[string]string `json:"metadata,omitempty"` // user_id, tariff_id
	CreatedAt  time.Time         `json:"created_at"`
	CapturedAt *time.Time        `json:"captured_at,omitempty"`
}

// Refund объект возврата. PaymentID указывает на исходный платёж.
type Refund struct {
	ID        string    `json:"id"`
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	Amount    Amount    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	EventPaymentSucceeded         = "payment.succeeded"
	EventPaymentWaitingForCapture = "payment.waiting_for_capture"
	EventPaymentCanceled          = "payment.canceled"
	EventRefundSucceeded          = "refund.succeeded"
)
