package cryptobot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

const paidHook = `{"update_id":1,"update_type":"invoice_paid","request_date":"2026-01-02T10:00:00Z",
	"payload":{"invoice_id":528890,"status":"paid","currency_type":"fiat","fiat":"RUB","amount":"199.00",
	"payload":"42:7","created_at":"2026-01-02T09:58:00Z","paid_at":"2026-01-02T10:00:00Z"}}`

func TestParseCallback(t *testing.T) {
	a := New(config.CryptoBot{Token: "123:AA"})
	body := []byte(paidHook)

	ev, err := a.ParseCallback(context.Background(), paymentprovider.Callback{
		Body: body, Headers: map[string]string{"crypto-pay-api-signature": Sign("123:AA", body)},
	})
	require.NoError(t, err)
	assert.Equal(t, "528890", ev.ProviderTxID)
	assert.Equal(t, int64(19900), ev.Amount)
	assert.Equal(t, "RUB", ev.Currency)
	assert.Equal(t, models.TxConfirmed, ev.Status)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), ev.OccurredAt)

	_, err = a.ParseCallback(context.Background(), paymentprovider.Callback{
		Body: body, Headers: map[string]string{"crypto-pay-api-signature": Sign("other", body)},
	})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestParseCallback_CryptoAsset(t *testing.T) {
	a := New(config.CryptoBot{Token: "t"})
	body := []byte(`{"update_id":2,"update_type":"invoice_paid","payload":{"invoice_id":1,"status":"paid",
		"currency_type":"crypto","asset":"usdt","amount":"2.5","payload":"42:7"}}`)

	ev, err := a.ParseCallback(context.Background(), paymentprovider.Callback{
		Body: body, Headers: map[string]string{"crypto-pay-api-signature": Sign("t", body)},
	})
	require.NoError(t, err)
	assert.Equal(t, "USDT", ev.Currency)
	assert.Equal(t, int64(250000000), ev.Amount)
}

func TestParseCallback_NoConfiguredToken(t *testing.T) {
	body := []byte(paidHook)

	_, err := New(config.CryptoBot{}).ParseCallback(context.Background(), paymentprovider.Callback{
		Body: body, Headers: map[string]string{"crypto-pay-api-signature": Sign("", body)},
	})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestPollStatus(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    models.TransactionStatus
		wantErr error
	}{
		{"active", `{"ok":true,"result":{"items":[{"invoice_id":528890,"status":"active","asset":"TON","amount":"1","payload":"42:7"}]}}`, models.TxPending, nil},
		{"expired", `{"ok":true,"result":{"items":[{"invoice_id":528890,"status":"expired","asset":"TON","amount":"1","payload":"42:7"}]}}`, models.TxFailed, nil},
		{"missing", `{"ok":true,"result":{"items":[]}}`, "", models.ErrNotFound},
		{"api error", `{"ok":false,"error":{"code":401,"name":"UNAUTHORIZED"}}`, "", models.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/getInvoices", r.URL.Path)
				assert.Equal(t, "528890", r.URL.Query().Get("invoice_ids"))
				assert.Equal(t, "tok", r.Header.Get("Crypto-Pay-API-Token"))
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := New(config.CryptoBot{APIURL: srv.URL, Token: "tok", Timeout: time.Second})
			ev, err := a.PollStatus(context.Background(), models.Transaction{ProviderTxID: "528890"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Status)
		})
	}
}
