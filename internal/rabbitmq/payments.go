package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

// Envelope входящее уведомление о платеже внутри чата в том виде, в каком
// его получил чат-процесс.
type Envelope struct {
	Provider string            `json:"provider" validate:"required"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body" validate:"required"`
}

type PaymentApplier interface {
	HandleIncomingPayment(ctx context.Context, providerID string, cb paymentprovider.Callback) error
}

var validate = validator.New()

// NewPaymentHandler обработчик очереди payments.incoming. Успех, повтор и
// некорректное сообщение подтверждаются. Временные ошибки и отключённое
// обслуживание возвращают сообщение в очередь после паузы requeueDelay.
func NewPaymentHandler(payments PaymentApplier, requeueDelay time.Duration, log *slog.Logger) Handler {
	return func(ctx context.Context, body []byte) error {
		const op = "rabbitmq.PaymentHandler"
		log := log.With(slog.String("op", op))

		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			log.Warn("malformed envelope dropped", sl.Err(err))
			return nil
		}
		if err := validate.Struct(env); err != nil {
			log.Warn("invalid envelope dropped", sl.Err(err))
			return nil
		}

		header := make(http.Header, len(env.Headers))
		for k, v := range env.Headers {
			header.Set(k, v)
		}
		err := payments.HandleIncomingPayment(ctx, env.Provider, paymentprovider.NewCallback([]byte(env.Body), header))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, models.ErrInvalidPayload):
			log.Warn("payment rejected", sl.Provider(env.Provider), sl.Err(err))
			return nil
		case errors.Is(err, models.ErrServingDisabled), models.IsRetryable(err):
			wait(ctx, requeueDelay)
			return fmt.Errorf("%s: %w", op, err)
		default:
			log.Error("payment failed", sl.Provider(env.Provider), sl.Err(err))
			wait(ctx, requeueDelay)
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
