package models

import (
	"slices"
	"time"
)

// Tariff описывает тарифный план. Цена хранится в минимальных единицах валюты.
// Тариф, на который ссылается хотя бы одна подписка, не редактируется на месте:
// изменение создаёт новую версию, а старая архивируется.
type Tariff struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Duration    time.Duration  `json:"duration"`
	Price       int64          `json:"price"`
	Currency    string         `json:"currency"`
	NodePools   []string       `json:"node_pools,omitempty"` // Пустой список означает любой пул
	GracePeriod *time.Duration `json:"grace_period,omitempty"`
	Version     int            `json:"version"`
	PreviousID  *int64         `json:"previous_id,omitempty"`
	Archived    bool           `json:"archived"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Grace возвращает льготный период тарифа или значение по умолчанию.
func (t Tariff) Grace(def time.Duration) time.Duration {
	if t.GracePeriod != nil {
		return *t.GracePeriod
	}
	return def
}

// AllowsPool сообщает, может ли подписка по тарифу размещаться в пуле узлов.
func (t Tariff) AllowsPool(pool string) bool {
	return len(t.NodePools) == 0 || slices.Contains(t.NodePools, pool)
}
