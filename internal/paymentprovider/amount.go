package paymentprovider

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// ParseAmount переводит десятичную строку ("199.9", "150") в минимальные единицы
// с заданным числом знаков после запятой. Лишние знаки считаются ошибкой.
func ParseAmount(value string, scale int) (int64, error) {
	value = strings.TrimSpace(strings.ReplaceAll(value, ",", "."))
	if value == "" || strings.HasPrefix(value, "-") {
		return 0, fmt.Errorf("%w: amount %q", models.ErrInvalidPayload, value)
	}
	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > scale {
		if strings.TrimRight(frac[scale:], "0") != "" {
			return 0, fmt.Errorf("%w: amount %q has more than %d decimals", models.ErrInvalidPayload, value, scale)
		}
		frac = frac[:scale]
	}
	frac += strings.Repeat("0", scale-len(frac))
	if whole == "" {
		whole = "0"
	}
	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", models.ErrInvalidPayload, value)
	}
	return n, nil
}

// FormatAmount обратное преобразование для подписи и запросов к провайдеру.
func FormatAmount(minor int64, scale int) string {
	if scale == 0 {
		return strconv.FormatInt(minor, 10)
	}
	s := strconv.FormatInt(minor, 10)
	if len(s) <= scale {
		s = strings.Repeat("0", scale-len(s)+1) + s
	}
	return s[:len(s)-scale] + "." + s[len(s)-scale:]
}

// CurrencyScale число знаков после запятой в минимальной единице валюты.
func CurrencyScale(currency string) int {
	switch strings.ToUpper(currency) {
	case "XTR", "JPY":
		return 0
	case "USDT", "TON", "BTC", "ETH", "USDC", "LTC", "TRX", "BNB":
		return 8
	default:
		return 2
	}
}

// Reference ссылка на заказ, которую чат-слой передаёт провайдеру: "user:tariff[:nonce]".
type Reference struct {
	UserID   int64
	TariffID int64
	Nonce    string
}

func (r Reference) String() string {
	s := strconv.FormatInt(r.UserID, 10) + ":" + strconv.FormatInt(r.TariffID, 10)
	if r.Nonce != "" {
		s += ":" + r.Nonce
	}
	return s
}

func ParseReference(s string) (Reference, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return Reference{}, fmt.Errorf("%w: reference %q", models.ErrInvalidPayload, s)
	}
	user, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || user <= 0 {
		return Reference{}, fmt.Errorf("%w: reference user %q", models.ErrInvalidPayload, parts[0])
	}
	tariff, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || tariff <= 0 {
		return Reference{}, fmt.Errorf("%w: reference tariff %q", models.ErrInvalidPayload, parts[1])
	}
	ref := Reference{UserID: user, TariffID: tariff}
	if len(parts) == 3 {
		ref.Nonce = parts[2]
	}
	return ref, nil
}
