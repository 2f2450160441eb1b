package models

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrInvalidPayload колбэк отклонён: неверная подпись, формат или неизвестный пользователь.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrDuplicate событие уже обработано, повторная обработка не нужна.
	ErrDuplicate = errors.New("duplicate")
	// ErrStaleState подписка изменилась параллельно, нужно перечитать и повторить.
	ErrStaleState = errors.New("stale state")
	// ErrTransport сетевой сбой при обращении к внешней системе, операцию можно повторить.
	ErrTransport = errors.New("transport failure")
	// ErrProvision не удалось выдать или отозвать доступ на узле.
	ErrProvision = errors.New("provisioning failed")
	// ErrServingDisabled лицензия недействительна, изменяющие операции отключены.
	ErrServingDisabled = errors.New("serving disabled")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyRedeemed = errors.New("already redeemed")
	ErrCodeExpired     = errors.New("code expired")
	ErrUserBanned      = errors.New("user banned")
	ErrUnknownTariff   = errors.New("unknown tariff")
	// ErrInsufficientBalance бонусного баланса не хватает на списание.
	ErrInsufficientBalance = errors.New("insufficient bonus balance")
)

// ServingDisabledMessage текст, который видит пользователь при отключённом обслуживании.
const ServingDisabledMessage = "Сервис временно недоступен. Попробуйте позже."

// IsRetryable сообщает, имеет ли смысл повторить операцию позже.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrStaleState) ||
		errors.Is(err, ErrProvision) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
