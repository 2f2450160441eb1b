// Package cryptobot адаптер Crypto Pay API (@CryptoBot): вебхук invoice_paid
// с подписью HMAC-SHA256 и опрос счёта через getInvoices.
package cryptobot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

const (
	ProviderID      = "cryptobot"
	SignatureHeader = "Crypto-Pay-Api-Signature"
	tokenHeader     = "Crypto-Pay-API-Token"
)

// Invoice счёт Crypto Pay. Payload содержит ссылку на заказ "user:tariff".
type Invoice struct {
	InvoiceID    int64      `json:"invoice_id"`
	Status       string     `json:"status"`
	CurrencyType string     `json:"currency_type"`
	Asset        string     `json:"asset"`
	Fiat         string     `json:"fiat"`
	Amount       string     `json:"amount"`
	Payload      string     `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
}

type webhook struct {
	UpdateID   int64   `json:"update_id"`
	UpdateType string  `json:"update_type"`
	Payload    Invoice `json:"payload"`
}

type Adapter struct {
	cfg        config.CryptoBot
	httpClient *http.Client
}

func New(cfg config.CryptoBot) *Adapter {
	return &Adapter{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) PollCeiling() time.Duration { return a.cfg.PollCeiling }

func (a *Adapter) ReleaseResources() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

// Sign подпись тела вебхука: ключом HMAC служит SHA-256 от токена приложения.
func Sign(token string, body []byte) string {
	key := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, key[:])
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) ParseCallback(_ context.Context, cb paymentprovider.Callback) (models.PaymentEvent, error) {
	if a.cfg.Token == "" {
		return models.PaymentEvent{}, fmt.Errorf("%w: api token is not configured", models.ErrInvalidPayload)
	}
	if !hmac.Equal([]byte(Sign(a.cfg.Token, cb.Body)), []byte(cb.Header(SignatureHeader))) {
		return models.PaymentEvent{}, fmt.Errorf("%w: bad signature", models.ErrInvalidPayload)
	}
	var hook webhook
	if err := json.Unmarshal(cb.Body, &hook); err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if hook.UpdateType != "invoice_paid" {
		return models.PaymentEvent{}, fmt.Errorf("%w: update type %q", models.ErrInvalidPayload, hook.UpdateType)
	}
	return toEvent(hook.Payload)
}

func (a *Adapter) PollStatus(ctx context.Context, ref models.Transaction) (models.PaymentEvent, error) {
	query := url.Values{"invoice_ids": {ref.ProviderTxID}}
	req, err := http.NewRequest(http.MethodGet, a.cfg.APIURL+"/api/getInvoices?"+query.Encode(), nil)
	if err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	req.Header.Set(tokenHeader, a.cfg.Token)

	var resp struct {
		OK     bool `json:"ok"`
		Result struct {
			Items []Invoice `json:"items"`
		} `json:"result"`
		Error *struct {
			Code int    `json:"code"`
			Name string `json:"name"`
		} `json:"error"`
	}
	if err := paymentprovider.DoJSON(ctx, a.httpClient, req, &resp); err != nil {
		return models.PaymentEvent{}, err
	}
	if !resp.OK {
		name := "unknown"
		if resp.Error != nil {
			name = resp.Error.Name
		}
		return models.PaymentEvent{}, fmt.Errorf("%w: getInvoices: %s", models.ErrInvalidPayload, name)
	}
	for _, inv := range resp.Result.Items {
		if strconv.FormatInt(inv.InvoiceID, 10) == ref.ProviderTxID {
			return toEvent(inv)
		}
	}
	return models.PaymentEvent{}, fmt.Errorf("%w: invoice %s", models.ErrNotFound, ref.ProviderTxID)
}

func toEvent(inv Invoice) (models.PaymentEvent, error) {
	ref, err := paymentprovider.ParseReference(inv.Payload)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	currency := inv.Asset
	if inv.CurrencyType == "fiat" {
		currency = inv.Fiat
	}
	amount, err := paymentprovider.ParseAmount(inv.Amount, paymentprovider.CurrencyScale(currency))
	if err != nil {
		return models.PaymentEvent{}, err
	}
	occurredAt := inv.CreatedAt
	if inv.PaidAt != nil {
		occurredAt = *inv.PaidAt
	}
	return paymentprovider.Validate(models.PaymentEvent{
		Provider:     ProviderID,
		ProviderTxID: strconv.FormatInt(inv.InvoiceID, 10),
		UserID:       ref.UserID,
		TariffID:     ref.TariffID,
		Amount:       amount,
		Currency:     currency,
		Status:       normalizeStatus(inv.Status),
		OccurredAt:   occurredAt,
	})
}

func normalizeStatus(status string) models.TransactionStatus {
	switch status {
	case "paid":
		return models.TxConfirmed
	case "expired":
		return models.TxFailed
	default:
		return models.TxPending
	}
}
