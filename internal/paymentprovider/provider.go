// Package paymentprovider описывает общий контракт платёжных провайдеров
// и вспомогательные функции для адаптеров: разбор сумм, ссылок на заказ,
// HTTP-запросы к API провайдера и опрос статуса с повторами.
package paymentprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// Callback сырое уведомление провайдера. Заголовки хранятся с ключами в нижнем регистре.
type Callback struct {
	Body    []byte
	Headers map[string]string
}

// NewCallback собирает Callback из HTTP-заголовков.
func NewCallback(body []byte, header http.Header) Callback {
	headers := make(map[string]string, len(header))
	for k := range header {
		headers[strings.ToLower(k)] = header.Get(k)
	}
	return Callback{Body: body, Headers: headers}
}

// Header возвращает заголовок без учёта регистра имени.
func (c Callback) Header(name string) string {
	return c.Headers[strings.ToLower(name)]
}

// Adapter нормализует уведомления и статусы одного провайдера в models.PaymentEvent.
type Adapter interface {
	ID() string
	ParseCallback(ctx context.Context, cb Callback) (models.PaymentEvent, error)
	PollStatus(ctx context.Context, ref models.Transaction) (models.PaymentEvent, error)
	ReleaseResources() error
	PollCeiling() time.Duration
}

var validate = validator.New()

// Validate проверяет обязательные поля события. Любая ошибка оборачивает models.ErrInvalidPayload.
func Validate(ev models.PaymentEvent) (models.PaymentEvent, error) {
	ev.Currency = strings.ToUpper(ev.Currency)
	if err := validate.Struct(ev); err != nil {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	return ev, nil
}

// Registry набор подключённых адаптеров по идентификатору провайдера.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get возвращает адаптер. Неизвестный провайдер означает models.ErrInvalidPayload.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", models.ErrInvalidPayload, id)
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReleaseAll освобождает ресурсы всех адаптеров и возвращает объединённую ошибку.
func (r *Registry) ReleaseAll() error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.adapters[id].ReleaseResources(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
