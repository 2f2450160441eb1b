package license

import (
	"fmt"
	"sync"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/metrics"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// Guard решает, разрешены ли изменяющие операции. Обслуживание отключается,
// когда лицензия остаётся недействительной дольше grace. Чтение не блокируется.
type Guard struct {
	mu  sync.RWMutex
	now func() time.Time

	grace        time.Duration
	last         Status
	checkedAt    time.Time
	invalidSince *time.Time
}

func NewGuard(grace time.Duration) *Guard {
	return &Guard{now: time.Now, grace: grace, last: StatusUnknown}
}

// WithClock подменяет источник времени.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Observe учитывает результат проверки и возвращает состояние блокировки до и после.
func (g *Guard) Observe(st Status) (wasDisabled, disabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	wasDisabled = g.disabledAt(now)
	switch st {
	case StatusValid:
		g.invalidSince = nil
	case StatusInvalid:
		if g.invalidSince == nil {
			g.invalidSince = &now
		}
	}
	if st != StatusUnknown {
		g.last = st
	}
	g.checkedAt = now
	disabled = g.disabledAt(now)
	if disabled {
		metrics.ServingDisabled.Set(1)
	} else {
		metrics.ServingDisabled.Set(0)
	}
	return wasDisabled, disabled
}

func (g *Guard) disabledAt(now time.Time) bool {
	return g.invalidSince != nil && now.Sub(*g.invalidSince) >= g.grace
}

func (g *Guard) Disabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.disabledAt(g.now())
}

// Check возвращает models.ErrServingDisabled, если изменяющие операции запрещены.
func (g *Guard) Check() error {
	if g.Disabled() {
		return fmt.Errorf("%w: %s", models.ErrServingDisabled, models.ServingDisabledMessage)
	}
	return nil
}

// Snapshot состояние для /api/v1/status.
type Snapshot struct {
	Status          Status     `json:"status"`
	CheckedAt       *time.Time `json:"checked_at,omitempty"`
	InvalidSince    *time.Time `json:"invalid_since,omitempty"`
	ServingDisabled bool       `json:"serving_disabled"`
}

func (g *Guard) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Snapshot{Status: g.last, ServingDisabled: g.disabledAt(g.now())}
	if !g.checkedAt.IsZero() {
		at := g.checkedAt
		s.CheckedAt = &at
	}
	if g.invalidSince != nil {
		since := *g.invalidSince
		s.InvalidSince = &since
	}
	return s
}
