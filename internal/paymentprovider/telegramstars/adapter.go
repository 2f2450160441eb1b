// Package telegramstars адаптер оплаты звёздами Telegram. Событием служит
// обновление бота с Message.SuccessfulPayment, опроса статуса у платформы нет.
package telegramstars

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

const (
	ProviderID   = "telegram_stars"
	Currency     = "XTR"
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

type Adapter struct {
	cfg config.TelegramStars
}

func New(cfg config.TelegramStars) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) ID() string { return ProviderID }

func (a *Adapter) PollCeiling() time.Duration { return a.cfg.PollCeiling }

func (a *Adapter) ReleaseResources() error { return nil }

func (a *Adapter) ParseCallback(_ context.Context, cb paymentprovider.Callback) (models.PaymentEvent, error) {
	if a.cfg.SecretToken == "" {
		return models.PaymentEvent{}, fmt.Errorf("%w: secret token is not configured", models.ErrInvalidPayload)
	}
	if subtle.ConstantTimeCompare([]byte(cb.Header(SecretHeader)), []byte(a.cfg.SecretToken)) != 1 {
		return models.PaymentEvent{}, fmt.Errorf("%w: bad secret token", models.ErrInvalidPayload)
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(cb.Body, &update); err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if update.Message == nil || update.Message.SuccessfulPayment == nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: update %d has no successful payment", models.ErrInvalidPayload, update.UpdateID)
	}
	payment := update.Message.SuccessfulPayment
	if payment.Currency != Currency {
		return models.PaymentEvent{}, fmt.Errorf("%w: currency %q", models.ErrInvalidPayload, payment.Currency)
	}
	ref, err := paymentprovider.ParseReference(payment.InvoicePayload)
	if err != nil {
		return models.PaymentEvent{}, err
	}

	return paymentprovider.Validate(models.PaymentEvent{
		Provider:     ProviderID,
		ProviderTxID: payment.TelegramPaymentChargeID,
		UserID:       ref.UserID,
		TariffID:     ref.TariffID,
		Amount:       int64(payment.TotalAmount),
		Currency:     Currency,
		Status:       models.TxConfirmed,
		OccurredAt:   time.Unix(int64(update.Message.Date), 0).UTC(),
	})
}

// PollStatus не поддерживается: платформа присылает только итоговое событие.
func (a *Adapter) PollStatus(context.Context, models.Transaction) (models.PaymentEvent, error) {
	return models.PaymentEvent{}, fmt.Errorf("%s: %w", ProviderID, models.ErrNotFound)
}
