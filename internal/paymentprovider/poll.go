package paymentprovider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// PollWithBackoff опрашивает статус с экспоненциальными повторами, пока не истечёт
// PollCeiling адаптера. ErrInvalidPayload и ErrNotFound не повторяются.
func PollWithBackoff(ctx context.Context, a Adapter, ref models.Transaction) (models.PaymentEvent, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = a.PollCeiling()

	return backoff.RetryWithData(func() (models.PaymentEvent, error) {
		ev, err := a.PollStatus(ctx, ref)
		if err != nil {
			if errors.Is(err, models.ErrInvalidPayload) || errors.Is(err, models.ErrNotFound) {
				return models.PaymentEvent{}, backoff.Permanent(err)
			}
			return models.PaymentEvent{}, err
		}
		return ev, nil
	}, backoff.WithContext(b, ctx))
}
