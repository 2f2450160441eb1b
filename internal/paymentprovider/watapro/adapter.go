// Package watapro адаптер WATA (H2H API). Сессия держит собственный пул
// соединений, который закрывается в ReleaseResources.
package watapro

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

const (
	ProviderID      = "watapro"
	SignatureHeader = "X-Signature"
)

// Transaction транзакция WATA. OrderID совпадает со ссылкой на заказ.
type Transaction struct {
	TransactionID     string      `json:"transactionId"`
	TransactionStatus string      `json:"transactionStatus"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	OrderID           string      `json:"orderId"`
	PaymentTime       *time.Time  `json:"paymentTime,omitempty"`
	CreationTime      time.Time   `json:"creationTime"`
}

type Adapter struct {
	cfg        config.WataPro
	httpClient *http.Client
}

func New(cfg config.WataPro) *Adapter {
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

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) ParseCallback(_ context.Context, cb paymentprovider.Callback) (models.PaymentEvent, error) {
	signature := strings.ToLower(cb.Header(SignatureHeader))
	if a.cfg.WebhookSecret == "" {
		return models.PaymentEvent{}, fmt.Errorf("%w: webhook secret is not configured", models.ErrInvalidPayload)
	}
	if !hmac.Equal([]byte(Sign(a.cfg.WebhookSecret, cb.Body)), []byte(signature)) {
		return models.PaymentEvent{}, fmt.Errorf("%w: bad signature", models.ErrInvalidPayload)
	}
	var tx Transaction
	if err := json.Unmarshal(cb.Body, &tx); err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	return toEvent(tx)
}

func (a *Adapter) PollStatus(ctx context.Context, ref models.Transaction) (models.PaymentEvent, error) {
	query := url.Values{"orderId": {ref.ProviderTxID}}
	req, err := http.NewRequest(http.MethodGet, a.cfg.APIURL+"/api/h2h/transactions?"+query.Encode(), nil)
	if err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	var page struct {
		Items []Transaction `json:"items"`
	}
	if err := paymentprovider.DoJSON(ctx, a.httpClient, req, &page); err != nil {
		return models.PaymentEvent{}, err
	}
	// Повторные попытки оплаты создают несколько транзакций на заказ, оплаченная важнее.
	var found *Transaction
	for i := range page.Items {
		item := &page.Items[i]
		if item.OrderID != ref.ProviderTxID {
			continue
		}
		if found == nil || normalizeStatus(item.TransactionStatus) == models.TxConfirmed {
			found = item
		}
	}
	if found == nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: order %s", models.ErrNotFound, ref.ProviderTxID)
	}
	return toEvent(*found)
}

func toEvent(tx Transaction) (models.PaymentEvent, error) {
	ref, err := paymentprovider.ParseReference(tx.OrderID)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	amount, err := paymentprovider.ParseAmount(tx.Amount.String(), paymentprovider.CurrencyScale(tx.Currency))
	if err != nil {
		return models.PaymentEvent{}, err
	}
	occurredAt := tx.CreationTime
	if tx.PaymentTime != nil {
		occurredAt = *tx.PaymentTime
	}
	return paymentprovider.Validate(models.PaymentEvent{
		Provider:     ProviderID,
		ProviderTxID: tx.OrderID,
		UserID:       ref.UserID,
		TariffID:     ref.TariffID,
		Amount:       amount,
		Currency:     tx.Currency,
		Status:       normalizeStatus(tx.TransactionStatus),
		OccurredAt:   occurredAt,
	})
}

func normalizeStatus(status string) models.TransactionStatus {
	switch strings.ToLower(status) {
	case "paid":
		return models.TxConfirmed
	case "declined":
		return models.TxFailed
	case "refunded":
		return models.TxRefunded
	default:
		return models.TxPending
	}
}
