// Package pally адаптер Pally (pal24): postback в form-urlencoded с подписью
// MD5 и опрос статуса счёта. Использует собственный пул соединений.
package pally

import (
	"context"
	"crypto/md5"
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

const ProviderID = "pally"

type Adapter struct {
	cfg        config.Pally
	httpClient *http.Client
}

func New(cfg config.Pally) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: paymentprovider.NewPooledClient(cfg.Timeout, cfg.MaxIdleConns, cfg.IdleConnTimeout),
	}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) PollCeiling() time.Duration { return a.cfg.PollCeiling }

// ReleaseResources закрывает простаивающие соединения пула.
func (a *Adapter) ReleaseResources() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

// Sign подпись postback: MD5 от "OutSum:InvId:token" в верхнем регистре.
func Sign(outSum, invID, token string) string {
	sum := md5.Sum([]byte(outSum + ":" + invID + ":" + token))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (a *Adapter) ParseCallback(_ context.Context, cb paymentprovider.Callback) (models.PaymentEvent, error) {
	if a.cfg.Token == "" {
		return models.PaymentEvent{}, fmt.Errorf("%w: token is not configured", models.ErrInvalidPayload)
	}
	form, err := url.ParseQuery(string(cb.Body))
	if err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	outSum, invID := form.Get("OutSum"), form.Get("InvId")
	expected := Sign(outSum, invID, a.cfg.Token)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToUpper(form.Get("SignatureValue")))) != 1 {
		return models.PaymentEvent{}, fmt.Errorf("%w: bad SignatureValue", models.ErrInvalidPayload)
	}

	currency := form.Get("CurrencyIn")
	if currency == "" {
		currency = "RUB"
	}
	return toEvent(invID, outSum, currency, form.Get("Status"))
}

func (a *Adapter) PollStatus(ctx context.Context, ref models.Transaction) (models.PaymentEvent, error) {
	query := url.Values{"id": {ref.ProviderTxID}}
	req, err := http.NewRequest(http.MethodGet, a.cfg.APIURL+"/api/v1/bill/status?"+query.Encode(), nil)
	if err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	var bill struct {
		Success  any    `json:"success"`
		ID       string `json:"id"`
		OrderID  string `json:"order_id"`
		Status   string `json:"status"`
		Amount   string `json:"amount"`
		Currency string `json:"currency_in"`
	}
	if err := paymentprovider.DoJSON(ctx, a.httpClient, req, &bill); err != nil {
		return models.PaymentEvent{}, err
	}
	orderID := bill.OrderID
	if orderID == "" {
		orderID = ref.ProviderTxID
	}
	if bill.Currency == "" {
		bill.Currency = ref.Currency
	}
	return toEvent(orderID, bill.Amount, bill.Currency, bill.Status)
}

func toEvent(invID, outSum, currency, status string) (models.PaymentEvent, error) {
	ref, err := paymentprovider.ParseReference(invID)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	amount, err := paymentprovider.ParseAmount(outSum, paymentprovider.CurrencyScale(currency))
	if err != nil {
		return models.PaymentEvent{}, err
	}
	return paymentprovider.Validate(models.PaymentEvent{
		Provider:     ProviderID,
		ProviderTxID: invID,
		UserID:       ref.UserID,
		TariffID:     ref.TariffID,
		Amount:       amount,
		Currency:     currency,
		Status:       normalizeStatus(status),
		OccurredAt:   time.Now().UTC(),
	})
}

func normalizeStatus(status string) models.TransactionStatus {
	switch strings.ToUpper(status) {
	case "SUCCESS", "OVERPAID":
		return models.TxConfirmed
	case "FAIL", "FAILED":
		return models.TxFailed
	default:
		return models.TxPending
	}
}
