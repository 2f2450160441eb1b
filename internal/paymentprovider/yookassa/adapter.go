// Package yookassa адаптер ЮKassa: HTTP-уведомления о платежах и возвратах,
// опрос GET /payments/{id} с Basic-авторизацией.
package yookassa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

const ProviderID = "yookassa"

const SignatureHeader = "X-Api-Signature"

type Adapter struct {
	cfg        config.YooKassa
	httpClient *http.Client
}

func New(cfg config.YooKassa) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) PollCeiling() time.Duration { return a.cfg.PollCeiling }

func (a *Adapter) ReleaseResources() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

// ParseCallback разбирает уведомление. При заданном webhook_secret проверяется подпись,
// без него статус платежа перечитывается из API, а тело уведомления используется только как ссылка.
func (a *Adapter) ParseCallback(ctx context.Context, cb paymentprovider.Callback) (models.PaymentEvent, error) {
	var envelope struct {
		Type   string          `json:"type"`
		Event  string          `json:"event"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(cb.Body, &envelope); err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	verified := false
	if a.cfg.WebhookSecret != "" {
		if !a.validSignature(cb.Body, cb.Header(SignatureHeader)) {
			return models.PaymentEvent{}, fmt.Errorf("%w: bad signature", models.ErrInvalidPayload)
		}
		verified = true
	}

	switch envelope.Event {
	case EventRefundSucceeded:
		var refund Refund
		if err := json.Unmarshal(envelope.Object, &refund); err != nil || refund.PaymentID == "" {
			return models.PaymentEvent{}, fmt.Errorf("%w: refund object", models.ErrInvalidPayload)
		}
		// У возврата нет metadata, пользователь берётся из исходного платежа.
		payment, err := a.getPayment(ctx, refund.PaymentID)
		if err != nil {
			return models.PaymentEvent{}, err
		}
		ev, err := a.toEvent(*payment, models.Transaction{})
		if err != nil {
			return models.PaymentEvent{}, err
		}
		ev.Status = models.TxRefunded
		ev.OccurredAt = refund.CreatedAt
		return paymentprovider.Validate(ev)
	case EventPaymentSucceeded, EventPaymentWaitingForCapture, EventPaymentCanceled:
		var payment Payment
		if err := json.Unmarshal(envelope.Object, &payment); err != nil || payment.ID == "" {
			return models.PaymentEvent{}, fmt.Errorf("%w: payment object", models.ErrInvalidPayload)
		}
		if !verified {
			fresh, err := a.getPayment(ctx, payment.ID)
			if err != nil {
				return models.PaymentEvent{}, err
			}
			payment = *fresh
		}
		ev, err := a.toEvent(payment, models.Transaction{})
		if err != nil {
			return models.PaymentEvent{}, err
		}
		return paymentprovider.Validate(ev)
	default:
		return models.PaymentEvent{}, fmt.Errorf("%w: unsupported event %q", models.ErrInvalidPayload, envelope.Event)
	}
}

func (a *Adapter) PollStatus(ctx context.Context, ref models.Transaction) (models.PaymentEvent, error) {
	payment, err := a.getPayment(ctx, ref.ProviderTxID)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	ev, err := a.toEvent(*payment, ref)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	return paymentprovider.Validate(ev)
}

func (a *Adapter) validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (a *Adapter) getPayment(ctx context.Context, id string) (*Payment, error) {
	req, err := http.NewRequest(http.MethodGet, a.cfg.APIURL+"/payments/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	auth := base64.StdEncoding.EncodeToString([]byte(a.cfg.ShopID + ":" + a.cfg.SecretKey))
	req.Header.Set("Authorization", "Basic "+auth)

	var payment Payment
	if err := paymentprovider.DoJSON(ctx, a.httpClient, req, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (a *Adapter) toEvent(p Payment, ref models.Transaction) (models.PaymentEvent, error) {
	amount, err := paymentprovider.ParseAmount(p.Amount.Value, paymentprovider.CurrencyScale(p.Amount.Currency))
	if err != nil {
		return models.PaymentEvent{}, err
	}
	ev := models.PaymentEvent{
		Provider:     ProviderID,
		ProviderTxID: p.ID,
		UserID:       ref.UserID,
		Amount:       amount,
		Currency:     p.Amount.Currency,
		Status:       normalizeStatus(p.Status),
		OccurredAt:   p.CreatedAt,
	}
	if ref.TariffID != nil {
		ev.TariffID = *ref.TariffID
	}
	if p.CapturedAt != nil {
		ev.OccurredAt = *p.CapturedAt
	}
	if v, ok := p.Metadata["user_id"]; ok {
		if ev.UserID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return models.PaymentEvent{}, fmt.Errorf("%w: metadata user_id %q", models.ErrInvalidPayload, v)
		}
	}
	if v, ok := p.Metadata["tariff_id"]; ok {
		if ev.TariffID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return models.PaymentEvent{}, fmt.Errorf("%w: metadata tariff_id %q", models.ErrInvalidPayload, v)
		}
	}
	return ev, nil
}

func normalizeStatus(status string) models.TransactionStatus {
	switch status {
	case "succeeded":
		return models.TxConfirmed
	case "canceled":
		return models.TxFailed
	default:
		return models.TxPending
	}
}
