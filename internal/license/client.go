// Package license проверяет лицензию развёртывания и хранит состояние
// блокировки изменяющих операций.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
)

// Status результат проверки лицензии.
type Status string

const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	// StatusUnknown сервер лицензий недоступен. Не меняет состояние блокировки.
	StatusUnknown Status = "unknown"
)

type Client struct {
	cfg        config.License
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.License, log *slog.Logger) *Client {
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}, log: log}
}

type checkResponse struct {
	Valid  *bool  `json:"valid"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Check запрашивает сервер лицензий. Сетевые ошибки и ответы не 2xx дают
// StatusUnknown вместе с ошибкой, чтобы вызывающий мог её залогировать.
func (c *Client) Check(ctx context.Context) (Status, error) {
	const op = "license.Check"
	log := c.log.With(slog.String("op", op))

	body, err := json.Marshal(map[string]string{"license_key": c.cfg.Key})
	if err != nil {
		return StatusUnknown, fmt.Errorf("%s: %w", op, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = c.cfg.Timeout

	resp, err := backoff.RetryWithData(func() (checkResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return checkResponse{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.httpClient.Do(req)
		if err != nil {
			return checkResponse{}, err
		}
		defer func() {
			_ = res.Body.Close()
		}()
		if res.StatusCode >= 500 {
			return checkResponse{}, fmt.Errorf("license server status %d", res.StatusCode)
		}
		if res.StatusCode >= 300 {
			return checkResponse{}, backoff.Permanent(fmt.Errorf("license server status %d", res.StatusCode))
		}
		var out checkResponse
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			return checkResponse{}, backoff.Permanent(fmt.Errorf("decode: %w", err))
		}
		return out, nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		log.Warn("license check failed", sl.Err(err))
		return StatusUnknown, fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case resp.Status == string(StatusValid) || (resp.Status == "" && resp.Valid != nil && *resp.Valid):
		return StatusValid, nil
	case resp.Status == string(StatusInvalid) || (resp.Status == "" && resp.Valid != nil && !*resp.Valid):
		log.Warn("license rejected", slog.String("reason", resp.Reason))
		return StatusInvalid, nil
	default:
		return StatusUnknown, fmt.Errorf("%s: unexpected response status %q", op, resp.Status)
	}
}
