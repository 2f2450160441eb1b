package pally

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

func testConfig(url string) config.Pally {
	return config.Pally{
		APIURL: url, Token: "tok", Timeout: time.Second, PollCeiling: time.Second,
		MaxIdleConns: 2, IdleConnTimeout: time.Second,
	}
}

func postback(status, signature string) []byte {
	form := url.Values{
		"InvId":          {"42:7:n1"},
		"OutSum":         {"199.00"},
		"CurrencyIn":     {"RUB"},
		"Status":         {status},
		"TrsId":          {"Xyz"},
		"SignatureValue": {signature},
	}
	return []byte(form.Encode())
}

func TestSign(t *testing.T) {
	sig := Sign("199.00", "42:7:n1", "tok")
	assert.Len(t, sig, 32)
	assert.Equal(t, sig, Sign("199.00", "42:7:n1", "tok"))
	assert.NotEqual(t, sig, Sign("199.01", "42:7:n1", "tok"))
}

func TestParseCallback(t *testing.T) {
	sig := Sign("199.00", "42:7:n1", "tok")
	tests := []struct {
		name    string
		body    []byte
		want    models.TransactionStatus
		wantErr bool
	}{
		{"success", postback("SUCCESS", sig), models.TxConfirmed, false},
		{"lowercase signature", postback("SUCCESS", strings.ToLower(sig)), models.TxConfirmed, false},
		{"fail", postback("FAIL", sig), models.TxFailed, false},
		{"forged", postback("SUCCESS", Sign("1.00", "42:7:n1", "tok")), "", true},
	}
	a := New(testConfig(""))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := a.ParseCallback(context.Background(), paymentprovider.Callback{Body: tt.body})
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Status)
			assert.Equal(t, "42:7:n1", ev.ProviderTxID)
			assert.Equal(t, int64(42), ev.UserID)
			assert.Equal(t, int64(19900), ev.Amount)
		})
	}
}

func TestParseCallback_NoConfiguredToken(t *testing.T) {
	cfg := testConfig("")
	cfg.Token = ""

	_, err := New(cfg).ParseCallback(context.Background(), paymentprovider.Callback{
		Body: postback("SUCCESS", Sign("199.00", "42:7:n1", "")),
	})
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestPollStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/bill/status", r.URL.Path)
		assert.Equal(t, "42:7:n1", r.URL.Query().Get("id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"success":"true","id":"b1","order_id":"42:7:n1","status":"SUCCESS","amount":"199.00","currency_in":"RUB"}`))
	}))
	defer srv.Close()

	a := New(testConfig(srv.URL))
	ev, err := a.PollStatus(context.Background(), models.Transaction{ProviderTxID: "42:7:n1", Currency: "RUB"})
	require.NoError(t, err)
	assert.Equal(t, models.TxConfirmed, ev.Status)
	assert.NoError(t, a.ReleaseResources())
}
