// Package memory реализует журнал подписок в памяти с той же семантикой,
// что и хранилище PostgreSQL: ключи идемпотентности, оптимистичные версии,
// одна действующая подписка на пользователя. Используется в тестах движка
// и для локального запуска без базы данных.
package memory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

type Store struct {
	mu sync.RWMutex

	now func() time.Time

	users         map[int64]*models.User
	tariffs       map[int64]*models.Tariff
	subscriptions map[int64]*models.Subscription
	transactions  map[int64]*models.Transaction
	txKeys        map[string]int64
	referrals     map[int64]*models.ReferralRelation
	bonus         []models.BonusEntry
	bonusSources  map[string]struct{}
	nodes         map[string]models.Node
	promos        map[string]*models.PromoCode
	redemptions   map[string]struct{}

	nextID int64
}

func New() *Store {
	return &Store{
		now:           time.Now,
		users:         make(map[int64]*models.User),
		tariffs:       make(map[int64]*models.Tariff),
		subscriptions: make(map[int64]*models.Subscription),
		transactions:  make(map[int64]*models.Transaction),
		txKeys:        make(map[string]int64),
		referrals:     make(map[int64]*models.ReferralRelation),
		bonusSources:  make(map[string]struct{}),
		nodes:         make(map[string]models.Node),
		promos:        make(map[string]*models.PromoCode),
		redemptions:   make(map[string]struct{}),
	}
}

// WithClock подменяет источник времени для created_at и updated_at.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Users

func (s *Store) EnsureUser(_ context.Context, externalID int64, displayName, referralCode string) (*models.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ExternalID == externalID {
			if displayName != "" {
				u.DisplayName = displayName
			}
			cp := *u
			return &cp, false, nil
		}
	}
	for _, u := range s.users {
		if u.ReferralCode == referralCode {
			return nil, false, models.ErrDuplicate
		}
	}
	u := &models.User{
		ID: s.id(), ExternalID: externalID, DisplayName: displayName,
		Status: models.UserStatusActive, ReferralCode: referralCode, CreatedAt: s.now(),
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, true, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) GetUserByExternalID(_ context.Context, externalID int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) GetUserByReferralCode(_ context.Context, code string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ReferralCode == code {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) SetUserStatus(_ context.Context, id int64, status models.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return models.ErrNotFound
	}
	u.Status = status
	return nil
}

// Tariffs

func (s *Store) CreateTariff(_ context.Context, t models.Tariff) (*models.Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Duration <= 0 || t.Price < 0 {
		return nil, models.ErrInvalidPayload
	}
	t.ID = s.id()
	t.Version = 1
	t.Currency = strings.ToUpper(t.Currency)
	t.CreatedAt = s.now()
	s.tariffs[t.ID] = &t
	cp := t
	return &cp, nil
}

func (s *Store) GetTariff(_ context.Context, id int64) (*models.Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tariffs[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) ListTariffs(_ context.Context, includeArchived bool) ([]models.Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Tariff, 0, len(s.tariffs))
	for _, t := range s.tariffs {
		if includeArchived || !t.Archived {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Price != result[j].Price {
			return result[i].Price < result[j].Price
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *Store) ReviseTariff(_ context.Context, id int64, t models.Tariff) (*models.Tariff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tariffs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if old.Archived {
		return nil, models.ErrStaleState
	}
	referenced := false
	for _, sub := range s.subscriptions {
		referenced = referenced || sub.TariffID == id
	}
	for _, tx := range s.transactions {
		referenced = referenced || (tx.TariffID != nil && *tx.TariffID == id)
	}

	t.Currency = strings.ToUpper(t.Currency)
	t.Version = old.Version + 1
	if !referenced {
		t.ID, t.CreatedAt, t.PreviousID = old.ID, old.CreatedAt, old.PreviousID
		s.tariffs[id] = &t
		cp := t
		return &cp, nil
	}
	old.Archived = true
	prev := id
	t.ID = s.id()
	t.PreviousID = &prev
	t.CreatedAt = s.now()
	s.tariffs[t.ID] = &t
	cp := t
	return &cp, nil
}

// Transactions

func txKey(provider, providerTxID string) string {
	return provider + "\x00" + providerTxID
}

func (s *Store) RecordTransaction(_ context.Context, ev models.PaymentEvent) (*models.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[ev.UserID]; !ok {
		return nil, false, models.ErrNotFound
	}
	now := s.now()
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	var tariffID *int64
	if ev.TariffID > 0 {
		id := ev.TariffID
		tariffID = &id
	}

	if id, ok := s.txKeys[txKey(ev.Provider, ev.ProviderTxID)]; ok {
		tx := s.transactions[id]
		open := tx.Status == models.TxPending || tx.Status == models.TxExpired
		moved := (open && ev.Status != models.TxPending) ||
			(tx.Status == models.TxConfirmed && ev.Status == models.TxRefunded)
		if !moved {
			return nil, false, nil
		}
		tx.Status = ev.Status
		tx.Amount = ev.Amount
		tx.Currency = strings.ToUpper(ev.Currency)
		if tx.TariffID == nil {
			tx.TariffID = tariffID
		}
		tx.OccurredAt = occurredAt
		tx.UpdatedAt = now
		cp := *tx
		return &cp, true, nil
	}

	tx := &models.Transaction{
		ID: s.id(), Provider: ev.Provider, ProviderTxID: ev.ProviderTxID, UserID: ev.UserID,
		TariffID: tariffID, Amount: ev.Amount, Currency: strings.ToUpper(ev.Currency),
		Status: ev.Status, OccurredAt: occurredAt, CreatedAt: now, UpdatedAt: now,
	}
	s.transactions[tx.ID] = tx
	s.txKeys[txKey(tx.Provider, tx.ProviderTxID)] = tx.ID
	cp := *tx
	return &cp, true, nil
}

func (s *Store) insertConfirmed(provider, providerTxID string, userID, tariffID, amount int64, currency string, duration *time.Duration) (*models.Transaction, error) {
	key := txKey(provider, providerTxID)
	if _, ok := s.txKeys[key]; ok {
		return nil, models.ErrDuplicate
	}
	now := s.now()
	tid := tariffID
	tx := &models.Transaction{
		ID: s.id(), Provider: provider, ProviderTxID: providerTxID, UserID: userID, TariffID: &tid,
		Amount: amount, Currency: strings.ToUpper(currency), Status: models.TxConfirmed,
		Duration: duration, OccurredAt: now, CreatedAt: now, UpdatedAt: now,
	}
	s.transactions[tx.ID] = tx
	s.txKeys[key] = tx.ID
	cp := *tx
	return &cp, nil
}

func (s *Store) filterTransactions(match func(*models.Transaction) bool, less func(a, b *models.Transaction) bool, limit int) []models.Transaction {
	matched := make([]*models.Transaction, 0)
	for _, tx := range s.transactions {
		if match(tx) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	result := make([]models.Transaction, 0, len(matched))
	for _, tx := range matched {
		result = append(result, *tx)
	}
	return result
}

func byCreated(a, b *models.Transaction) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Store) ListPendingTransactions(_ context.Context, since time.Time, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterTransactions(func(tx *models.Transaction) bool {
		return tx.Status == models.TxPending && !tx.CreatedAt.Before(since)
	}, byCreated, limit), nil
}

func (s *Store) ListUnlinkedConfirmedTransactions(_ context.Context, before time.Time, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterTransactions(func(tx *models.Transaction) bool {
		u := s.users[tx.UserID]
		return tx.Status == models.TxConfirmed && tx.SubscriptionID == nil && tx.TariffID != nil &&
			tx.UpdatedAt.Before(before) && u != nil && !u.Banned()
	}, func(a, b *models.Transaction) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

func (s *Store) ListUserTransactions(_ context.Context, userID int64, limit int) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterTransactions(func(tx *models.Transaction) bool {
		return tx.UserID == userID
	}, func(a, b *models.Transaction) bool { return byCreated(b, a) }, limit), nil
}

func (s *Store) ExpireStalePendingTransactions(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, tx := range s.transactions {
		if tx.Status == models.TxPending && tx.CreatedAt.Before(before) {
			tx.Status = models.TxExpired
			tx.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkTransactionFailed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.transactions[id]; ok && tx.SubscriptionID == nil && tx.Status == models.TxConfirmed {
		tx.Status = models.TxFailed
		tx.UpdatedAt = s.now()
	}
	return nil
}

// Transaction возвращает транзакцию по ключу идемпотентности.
func (s *Store) Transaction(provider, providerTxID string) (*models.Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.txKeys[txKey(provider, providerTxID)]
	if !ok {
		return nil, false
	}
	cp := *s.transactions[id]
	return &cp, true
}

// canLink проверяет условия привязки до изменения подписки, чтобы не откатывать её вручную.
func (s *Store) canLink(txID int64) error {
	tx, ok := s.transactions[txID]
	if !ok || tx.SubscriptionID != nil || tx.Status != models.TxConfirmed {
		return models.ErrDuplicate
	}
	return nil
}

func (s *Store) link(txID, subscriptionID int64) {
	tx := s.transactions[txID]
	id := subscriptionID
	tx.SubscriptionID = &id
	tx.UpdatedAt = s.now()
}

// Nodes

func (s *Store) UpsertNodes(_ context.Context, nodes []models.Node, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range nodes {
		n.LastSeenAt = seenAt
		s.nodes[n.ID] = n
	}
	for id, n := range s.nodes {
		if n.LastSeenAt.Before(seenAt) {
			n.Health = models.NodeUnreachable
			s.nodes[id] = n
		}
	}
	return nil
}

func (s *Store) ListNodes(_ context.Context) ([]models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Pool != result[j].Pool {
			return result[i].Pool < result[j].Pool
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func userSource(code string, userID int64) string {
	return code + ":" + strconv.FormatInt(userID, 10)
}
