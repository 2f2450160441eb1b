package memory

import (
	"context"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func (s *Store) CreatePromoCode(_ context.Context, p models.PromoCode) (*models.PromoCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.promos[p.Code]; ok {
		return nil, models.ErrDuplicate
	}
	if p.Kind == models.PromoKindGift || p.MaxUses <= 0 {
		p.MaxUses = 1
	}
	p.UsedCount = 0
	p.CreatedAt = s.now()
	s.promos[p.Code] = &p
	cp := p
	return &cp, nil
}

func (s *Store) RedeemPromoCode(_ context.Context, code string, userID int64, now time.Time) (*models.PromoRedemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.promos[code]
	if !ok {
		return nil, models.ErrNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return nil, models.ErrNotFound
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return nil, models.ErrCodeExpired
	}
	key := userSource(code, userID)
	if _, ok := s.redemptions[key]; ok {
		return nil, models.ErrAlreadyRedeemed
	}
	if p.UsedCount >= p.MaxUses {
		if p.Kind == models.PromoKindGift {
			return nil, models.ErrAlreadyRedeemed
		}
		return nil, models.ErrCodeExpired
	}
	var currency string
	if p.TariffID != nil {
		t, ok := s.tariffs[*p.TariffID]
		if !ok {
			return nil, models.ErrUnknownTariff
		}
		currency = t.Currency
		if _, dup := s.txKeys[txKey(models.ProviderPromo, key)]; dup {
			return nil, models.ErrAlreadyRedeemed
		}
	}

	s.redemptions[key] = struct{}{}
	p.UsedCount++
	result := &models.PromoRedemption{Code: *p}
	if p.BonusAmount > 0 {
		s.appendBonus(models.BonusEntry{
			UserID: userID, SourceEventID: "promo:" + key, Amount: p.BonusAmount, Reason: models.BonusReasonPromo,
		})
	}
	if p.TariffID != nil {
		var duration *time.Duration
		if d := p.Duration(); d > 0 {
			duration = &d
		}
		tx, err := s.insertConfirmed(models.ProviderPromo, key, userID, *p.TariffID, 0, currency, duration)
		if err != nil {
			return nil, err
		}
		result.Transaction = tx
	}
	return result, nil
}
