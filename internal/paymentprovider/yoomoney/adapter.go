// Package yoomoney адаптер кошелька ЮMoney: HTTP-уведомления в form-urlencoded
// с подписью SHA-1 и опрос истории операций по метке платежа.
package yoomoney

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

const ProviderID = "yoomoney"

// Код валюты ISO 4217, который присылает ЮMoney.
const currencyRUB = "643"

type Adapter struct {
	cfg        config.YooMoney
	httpClient *http.Client
}

func New(cfg config.YooMoney) *Adapter {
	return &Adapter{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) PollCeiling() time.Duration { return a.cfg.PollCeiling }

func (a *Adapter) ReleaseResources() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

func (a *Adapter) ParseCallback(_ context.Context, cb paymentprovider.Callback) (models.PaymentEvent, error) {
	if a.cfg.NotificationSecret == "" {
		return models.PaymentEvent{}, fmt.Errorf("%w: notification secret is not configured", models.ErrInvalidPayload)
	}
	form, err := url.ParseQuery(string(cb.Body))
	if err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if !a.validHash(form) {
		return models.PaymentEvent{}, fmt.Errorf("%w: bad sha1_hash", models.ErrInvalidPayload)
	}

	ref, err := paymentprovider.ParseReference(form.Get("label"))
	if err != nil {
		return models.PaymentEvent{}, err
	}
	value := form.Get("withdraw_amount")
	if value == "" {
		value = form.Get("amount")
	}
	amount, err := paymentprovider.ParseAmount(value, 2)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	occurredAt, _ := time.Parse(time.RFC3339, form.Get("datetime"))

	status := models.TxConfirmed
	if form.Get("codepro") == "true" || form.Get("unaccepted") == "true" {
		status = models.TxPending
	}
	return paymentprovider.Validate(models.PaymentEvent{
		Provider:     ProviderID,
		ProviderTxID: form.Get("label"),
		UserID:       ref.UserID,
		TariffID:     ref.TariffID,
		Amount:       amount,
		Currency:     currencyCode(form.Get("currency")),
		Status:       status,
		OccurredAt:   occurredAt,
	})
}

// Sign строка подписи уведомления: поля через "&" в фиксированном порядке.
func Sign(form url.Values, secret string) string {
	payload := strings.Join([]string{
		form.Get("notification_type"),
		form.Get("operation_id"),
		form.Get("amount"),
		form.Get("currency"),
		form.Get("datetime"),
		form.Get("sender"),
		form.Get("codepro"),
		secret,
		form.Get("label"),
	}, "&")
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func (a *Adapter) validHash(form url.Values) bool {
	expected := Sign(form, a.cfg.NotificationSecret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(form.Get("sha1_hash")))) == 1
}

type operation struct {
	OperationID string    `json:"operation_id"`
	Status      string    `json:"status"`
	Datetime    time.Time `json:"datetime"`
	Amount      float64   `json:"amount"`
	Label       string    `json:"label"`
	Direction   string    `json:"direction"`
}

// PollStatus ищет входящую операцию с меткой платежа. Отсутствие операции
// означает, что оплата ещё не поступила.
func (a *Adapter) PollStatus(ctx context.Context, ref models.Transaction) (models.PaymentEvent, error) {
	parsed, err := paymentprovider.ParseReference(ref.ProviderTxID)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	form := url.Values{"label": {ref.ProviderTxID}, "type": {"deposition"}, "records": {"10"}}
	req, err := http.NewRequest(http.MethodPost, a.cfg.APIURL+"/api/operation-history", strings.NewReader(form.Encode()))
	if err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	var history struct {
		Error      string      `json:"error"`
		Operations []operation `json:"operations"`
	}
	if err := paymentprovider.DoJSON(ctx, a.httpClient, req, &history); err != nil {
		return models.PaymentEvent{}, err
	}
	if history.Error != "" {
		return models.PaymentEvent{}, fmt.Errorf("%w: %s", models.ErrInvalidPayload, history.Error)
	}

	ev := models.PaymentEvent{
		Provider:     ProviderID,
		ProviderTxID: ref.ProviderTxID,
		UserID:       parsed.UserID,
		TariffID:     parsed.TariffID,
		Amount:       ref.Amount,
		Currency:     ref.Currency,
		Status:       models.TxPending,
	}
	if ev.Currency == "" {
		ev.Currency = "RUB"
	}
	for _, op := range history.Operations {
		if op.Label != ref.ProviderTxID || op.Direction != "in" {
			continue
		}
		ev.OccurredAt = op.Datetime
		ev.Amount, err = paymentprovider.ParseAmount(fmt.Sprintf("%.2f", op.Amount), 2)
		if err != nil {
			return models.PaymentEvent{}, err
		}
		switch op.Status {
		case "success":
			ev.Status = models.TxConfirmed
		case "refused":
			ev.Status = models.TxFailed
		}
		break
	}
	return paymentprovider.Validate(ev)
}

func currencyCode(code string) string {
	if code == currencyRUB || code == "" {
		return "RUB"
	}
	return code
}
