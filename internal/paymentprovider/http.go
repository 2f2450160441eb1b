package paymentprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// NewPooledClient HTTP-клиент с собственным пулом соединений. Пул закрывается
// через CloseIdleConnections при освобождении ресурсов адаптера.
func NewPooledClient(timeout time.Duration, maxIdle int, idleTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = maxIdle
	transport.MaxIdleConnsPerHost = maxIdle
	transport.IdleConnTimeout = idleTimeout
	return &http.Client{Timeout: timeout, Transport: transport}
}

// DoJSON выполняет запрос и декодирует JSON-ответ в out.
// Сетевые ошибки и 5xx возвращают models.ErrTransport, 404 возвращает models.ErrNotFound,
// остальные 4xx и некорректный JSON возвращают models.ErrInvalidPayload.
func DoJSON(ctx context.Context, client *http.Client, req *http.Request, out any) error {
	req = req.WithContext(ctx)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", models.ErrTransport, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: unexpected status %d", models.ErrTransport, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: unexpected status %d", models.ErrInvalidPayload, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", models.ErrInvalidPayload, err)
	}
	return nil
}
