package telegramstars

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

const update = `{"update_id":100,"message":{"message_id":5,"date":1767348000,
	"chat":{"id":9001,"type":"private"},"from":{"id":9001,"is_bot":false,"first_name":"A"},
	"successful_payment":{"currency":"XTR","total_amount":150,"invoice_payload":"42:7",
	"telegram_payment_charge_id":"stxAbc","provider_payment_charge_id":""}}}`

func TestParseCallback(t *testing.T) {
	a := New(config.TelegramStars{SecretToken: "tg-secret"})
	headers := map[string]string{"x-telegram-bot-api-secret-token": "tg-secret"}

	ev, err := a.ParseCallback(context.Background(), paymentprovider.Callback{Body: []byte(update), Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentEvent{
		Provider: ProviderID, ProviderTxID: "stxAbc", UserID: 42, TariffID: 7,
		Amount: 150, Currency: "XTR", Status: models.TxConfirmed,
		OccurredAt: time.Unix(1767348000, 0).UTC(),
	}, ev)
}

func TestParseCallback_Rejects(t *testing.T) {
	a := New(config.TelegramStars{SecretToken: "tg-secret"})
	good := map[string]string{"x-telegram-bot-api-secret-token": "tg-secret"}

	tests := []struct {
		name    string
		body    string
		headers map[string]string
	}{
		{"no secret", update, nil},
		{"wrong secret", update, map[string]string{"x-telegram-bot-api-secret-token": "x"}},
		{"plain message", `{"update_id":1,"message":{"message_id":1,"date":1,"chat":{"id":1},"text":"hi"}}`, good},
		{"not stars", `{"update_id":1,"message":{"message_id":1,"date":1,"chat":{"id":1},
			"successful_payment":{"currency":"RUB","total_amount":100,"invoice_payload":"42:7","telegram_payment_charge_id":"x"}}}`, good},
		{"bad payload", `{"update_id":1,"message":{"message_id":1,"date":1,"chat":{"id":1},
			"successful_payment":{"currency":"XTR","total_amount":100,"invoice_payload":"plan-7","telegram_payment_charge_id":"x"}}}`, good},
		{"garbage", `{`, good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseCallback(context.Background(), paymentprovider.Callback{Body: []byte(tt.body), Headers: tt.headers})
			assert.ErrorIs(t, err, models.ErrInvalidPayload)
		})
	}
}

func TestParseCallback_NoConfiguredSecret(t *testing.T) {
	a := New(config.TelegramStars{})
	headers := map[string]string{"x-telegram-bot-api-secret-token": ""}

	_, err := a.ParseCallback(context.Background(), paymentprovider.Callback{Body: []byte(update), Headers: headers})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestPollStatus_Unsupported(t *testing.T) {
	_, err := New(config.TelegramStars{}).PollStatus(context.Background(), models.Transaction{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}
