package memory

import (
	"context"
	"sort"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func (s *Store) CreateReferral(_ context.Context, referrerID, referralID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if referrerID == referralID {
		return false, models.ErrInvalidPayload
	}
	if s.users[referrerID] == nil || s.users[referralID] == nil {
		return false, models.ErrInvalidPayload
	}
	if _, ok := s.referrals[referralID]; ok || s.hasHistory(referralID) {
		return false, nil
	}
	s.referrals[referralID] = &models.ReferralRelation{
		ReferrerID: referrerID, ReferralID: referralID, CreatedAt: s.now(),
	}
	return true, nil
}

func (s *Store) GetReferral(_ context.Context, referralID int64) (*models.ReferralRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.referrals[referralID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, models.ErrNotFound
}

func (s *Store) CreditReferralIfFirst(_ context.Context, referralID int64, amount int64, source string) (*models.ReferralRelation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[referralID]
	if !ok || r.CreditedAt != nil {
		return nil, false, nil
	}
	now := s.now()
	r.CreditedAt = &now
	r.CreditSource = source
	s.appendBonus(models.BonusEntry{
		UserID: r.ReferrerID, SourceEventID: models.ReferralSourceID(referralID),
		Amount: amount, Reason: models.BonusReasonReferral,
	})
	cp := *r
	return &cp, true, nil
}

func (s *Store) ListUncreditedReferrals(_ context.Context, limit int) ([]models.ReferralRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.ReferralRelation, 0)
	for _, r := range s.referrals {
		if r.CreditedAt != nil {
			continue
		}
		for _, tx := range s.transactions {
			if tx.UserID == r.ReferralID && tx.Status == models.TxConfirmed &&
				tx.SubscriptionID != nil && !models.Internal(tx.Provider) {
				result = append(result, *r)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// appendBonus добавляет запись, если источник ещё не встречался.
func (s *Store) appendBonus(e models.BonusEntry) (*models.BonusEntry, bool) {
	if _, ok := s.bonusSources[e.SourceEventID]; ok {
		return nil, false
	}
	e.ID = s.id()
	e.CreatedAt = s.now()
	s.bonus = append(s.bonus, e)
	s.bonusSources[e.SourceEventID] = struct{}{}
	return &e, true
}

func (s *Store) AppendBonusEntry(_ context.Context, e models.BonusEntry) (*models.BonusEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.appendBonus(e)
	if !ok {
		return nil, models.ErrDuplicate
	}
	return entry, nil
}

func (s *Store) balance(userID int64) int64 {
	var total int64
	for _, e := range s.bonus {
		if e.UserID == userID {
			total += e.Amount
		}
	}
	return total
}

func (s *Store) BonusBalance(_ context.Context, userID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balance(userID), nil
}

func (s *Store) ListBonusEntries(_ context.Context, userID int64, limit int) ([]models.BonusEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.BonusEntry, 0)
	for i := len(s.bonus) - 1; i >= 0; i-- {
		if s.bonus[i].UserID == userID {
			result = append(result, s.bonus[i])
		}
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) SpendBonus(_ context.Context, spend models.BonusSpend) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[spend.UserID]; !ok {
		return nil, models.ErrNotFound
	}
	if s.balance(spend.UserID) < spend.Amount {
		return nil, models.ErrInsufficientBalance
	}
	if _, ok := s.bonusSources[spend.SourceEventID]; ok {
		return nil, models.ErrDuplicate
	}
	if _, ok := s.txKeys[txKey(models.ProviderBonus, spend.ProviderTxID)]; ok {
		return nil, models.ErrDuplicate
	}
	s.appendBonus(models.BonusEntry{
		UserID: spend.UserID, SourceEventID: spend.SourceEventID,
		Amount: -spend.Amount, Reason: models.BonusReasonAutoRenew,
	})
	var duration *time.Duration
	if spend.Duration > 0 {
		d := spend.Duration
		duration = &d
	}
	return s.insertConfirmed(models.ProviderBonus, spend.ProviderTxID, spend.UserID, spend.TariffID,
		spend.Amount, spend.Currency, duration)
}
