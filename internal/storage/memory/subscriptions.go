package memory

import (
	"context"
	"sort"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func copySub(sub *models.Subscription) *models.Subscription {
	cp := *sub
	if sub.NodeID != nil {
		node := *sub.NodeID
		cp.NodeID = &node
	}
	return &cp
}

func (s *Store) findSubscription(match func(*models.Subscription) bool) *models.Subscription {
	var found *models.Subscription
	for _, sub := range s.subscriptions {
		if match(sub) && (found == nil || sub.ID > found.ID) {
			found = sub
		}
	}
	return found
}

func (s *Store) GetSubscription(_ context.Context, id int64) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[id]; ok {
		return copySub(sub), nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) GetCurrentSubscription(_ context.Context, userID int64) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub := s.liveSubscription(userID); sub != nil {
		return copySub(sub), nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) liveSubscription(userID int64) *models.Subscription {
	return s.findSubscription(func(sub *models.Subscription) bool {
		return sub.UserID == userID && sub.State.Live()
	})
}

func (s *Store) GetPendingSubscription(_ context.Context, userID int64) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub := s.pendingSubscription(userID); sub != nil {
		return copySub(sub), nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) pendingSubscription(userID int64) *models.Subscription {
	return s.findSubscription(func(sub *models.Subscription) bool {
		return sub.UserID == userID && sub.State == models.StatePendingPayment
	})
}

func (s *Store) GetLatestSubscription(_ context.Context, userID int64) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub := s.findSubscription(func(sub *models.Subscription) bool { return sub.UserID == userID }); sub != nil {
		return copySub(sub), nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) HasSubscriptionHistory(_ context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hasHistory(userID), nil
}

func (s *Store) hasHistory(userID int64) bool {
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.State != models.StatePendingPayment {
			return true
		}
	}
	for _, tx := range s.transactions {
		if tx.UserID == userID && tx.Status == models.TxConfirmed {
			return true
		}
	}
	return false
}

func (s *Store) CreatePendingSubscription(_ context.Context, userID, tariffID int64) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, models.ErrNotFound
	}
	now := s.now()
	if sub := s.pendingSubscription(userID); sub != nil {
		sub.TariffID = tariffID
		sub.Version++
		sub.UpdatedAt = now
		return copySub(sub), nil
	}
	sub := &models.Subscription{
		ID: s.id(), UserID: userID, TariffID: tariffID, State: models.StatePendingPayment,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	s.subscriptions[sub.ID] = sub
	return copySub(sub), nil
}

func (s *Store) UpsertSubscription(_ context.Context, ns models.NewSubscription) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveSubscription(ns.UserID) != nil {
		return nil, models.ErrStaleState
	}
	var pending *models.Subscription
	if ns.PendingID != nil {
		pending = s.subscriptions[*ns.PendingID]
		if pending == nil || pending.State != models.StatePendingPayment {
			return nil, models.ErrStaleState
		}
	}
	if err := s.canLink(ns.TransactionID); err != nil {
		return nil, err
	}

	now := s.now()
	activated, expires := ns.ActivatedAt, ns.ExpiresAt
	sub := pending
	if sub == nil {
		sub = &models.Subscription{ID: s.id(), UserID: ns.UserID, Version: 0, CreatedAt: now}
		s.subscriptions[sub.ID] = sub
	}
	sub.TariffID = ns.TariffID
	sub.State = models.StateActive
	sub.ActivatedAt = &activated
	sub.ExpiresAt = &expires
	sub.AutoRenew = ns.AutoRenew
	sub.NeedsProvision = true
	sub.Version++
	sub.UpdatedAt = now
	s.link(ns.TransactionID, sub.ID)
	return copySub(sub), nil
}

func (s *Store) TransitionSubscriptionState(_ context.Context, tr models.Transition) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[tr.ID]
	if !ok || sub.State != tr.From || sub.Version != tr.Version {
		return nil, models.ErrStaleState
	}
	if tr.To.Live() && !tr.From.Live() {
		if live := s.liveSubscription(sub.UserID); live != nil && live.ID != sub.ID {
			return nil, models.ErrStaleState
		}
	}
	if tr.TransactionID != nil {
		if err := s.canLink(*tr.TransactionID); err != nil {
			return nil, err
		}
	}

	sub.State = tr.To
	if tr.ExpiresAt != nil {
		expires := *tr.ExpiresAt
		sub.ExpiresAt = &expires
	}
	if tr.NeedsRevoke != nil {
		sub.NeedsRevoke = *tr.NeedsRevoke
	}
	sub.Version++
	sub.UpdatedAt = s.now()
	if tr.TransactionID != nil {
		s.link(*tr.TransactionID, sub.ID)
	}
	return copySub(sub), nil
}

func (s *Store) UpdateProvisioning(_ context.Context, u models.ProvisioningUpdate) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[u.ID]
	if !ok || sub.Version != u.Version {
		return nil, models.ErrStaleState
	}
	if u.NodeID != nil {
		node := *u.NodeID
		sub.NodeID = &node
	} else {
		sub.NodeID = nil
	}
	sub.AccessURL = u.AccessURL
	sub.NeedsProvision = u.NeedsProvision
	sub.NeedsRevoke = u.NeedsRevoke
	sub.Version++
	sub.UpdatedAt = s.now()
	return copySub(sub), nil
}

func (s *Store) SetAutoRenew(_ context.Context, id int64, enabled bool) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	sub.AutoRenew = enabled
	sub.Version++
	sub.UpdatedAt = s.now()
	return copySub(sub), nil
}

func (s *Store) filterSubscriptions(match func(*models.Subscription) bool, limit int) []models.Subscription {
	matched := make([]*models.Subscription, 0)
	for _, sub := range s.subscriptions {
		if match(sub) {
			matched = append(matched, sub)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	result := make([]models.Subscription, 0, len(matched))
	for _, sub := range matched {
		result = append(result, *copySub(sub))
	}
	return result
}

func (s *Store) ListDueForGrace(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterSubscriptions(func(sub *models.Subscription) bool {
		return sub.State == models.StateActive && sub.ExpiresAt != nil && !sub.ExpiresAt.After(now)
	}, limit), nil
}

func (s *Store) ListDueForExpiry(_ context.Context, now time.Time, defaultGrace time.Duration, limit int) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterSubscriptions(func(sub *models.Subscription) bool {
		if sub.State != models.StateGrace || sub.ExpiresAt == nil {
			return false
		}
		grace := defaultGrace
		if t, ok := s.tariffs[sub.TariffID]; ok {
			grace = t.Grace(defaultGrace)
		}
		return !sub.ExpiresAt.Add(grace).After(now)
	}, limit), nil
}

func (s *Store) ListNeedingProvision(_ context.Context, limit int) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterSubscriptions(func(sub *models.Subscription) bool {
		if !sub.State.Live() {
			return false
		}
		if sub.NeedsProvision || sub.NodeID == nil {
			return true
		}
		n, ok := s.nodes[*sub.NodeID]
		return ok && n.Health != models.NodeHealthy
	}, limit), nil
}

func (s *Store) ListNeedingRevoke(_ context.Context, limit int) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterSubscriptions(func(sub *models.Subscription) bool {
		return sub.NeedsRevoke && (sub.State == models.StateExpired || sub.State == models.StateBanned)
	}, limit), nil
}
