package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

func TestStorage_EnsureUser(t *testing.T) {
	storage := setupTestDatabase(t)
	ctx := context.Background()

	u, created, err := storage.EnsureUser(ctx, 42, "alice", "CODE42")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.UserStatusActive, u.Status)

	again, created, err := storage.EnsureUser(ctx, 42, "", "OTHER")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, "alice", again.DisplayName)
	assert.Equal(t, "CODE42", again.ReferralCode)

	_, _, err = storage.EnsureUser(ctx, 43, "bob", "CODE42")
	assert.ErrorIs(t, err, models.ErrDuplicate)

	_, err = storage.GetUser(ctx, 999999)
	assert.ErrorIs(t, err, models.ErrNotFound)

	byCode, err := storage.GetUserByReferralCode(ctx, "CODE42")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byCode.ID)
}

func TestStorage_RecordTransaction_Idempotent(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	user := f.user()
	tariff := f.tariff(19900, nil)

	ev := models.PaymentEvent{
		Provider: "yookassa", ProviderTxID: "pay-1", UserID: user.ID, TariffID: tariff.ID,
		Amount: 19900, Currency: "RUB", Status: models.TxPending, OccurredAt: time.Now(),
	}
	tx, applied, err := storage.RecordTransaction(ctx, ev)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, models.TxPending, tx.Status)

	_, applied, err = storage.RecordTransaction(ctx, ev)
	require.NoError(t, err)
	assert.False(t, applied, "same pending event is a duplicate")

	ev.Status = models.TxConfirmed
	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, applied, err := storage.RecordTransaction(ctx, ev)
			assert.NoError(t, err)
			results[i] = applied
		}(i)
	}
	wg.Wait()

	appliedCount := 0
	for _, ok := range results {
		if ok {
			appliedCount++
		}
	}
	assert.Equal(t, 1, appliedCount, "exactly one delivery moves the transaction out of pending")

	ev.Status = models.TxRefunded
	tx, applied, err = storage.RecordTransaction(ctx, ev)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, models.TxRefunded, tx.Status)
}

func TestStorage_ExpireStalePendingTransactions_LateConfirmation(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	user := f.user()
	tariff := f.tariff(19900, nil)

	ev := models.PaymentEvent{
		Provider: "pally", ProviderTxID: "inv-late", UserID: user.ID, TariffID: tariff.ID,
		Amount: 19900, Currency: "RUB", Status: models.TxPending, OccurredAt: time.Now(),
	}
	_, applied, err := storage.RecordTransaction(ctx, ev)
	require.NoError(t, err)
	require.True(t, applied)

	n, err := storage.ExpireStalePendingTransactions(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, applied, err = storage.RecordTransaction(ctx, ev)
	require.NoError(t, err)
	assert.False(t, applied, "pending replay does not reopen an expired transaction")

	ev.Status = models.TxConfirmed
	tx, applied, err := storage.RecordTransaction(ctx, ev)
	require.NoError(t, err)
	require.True(t, applied, "late confirmation is accepted")
	assert.Equal(t, models.TxConfirmed, tx.Status)

	_, applied, err = storage.RecordTransaction(ctx, ev)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStorage_UpsertSubscription_LinksOnce(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	user := f.user()
	tariff := f.tariff(100, nil)
	tx := f.confirmed(user, tariff, "pay-link")

	now := time.Now().UTC().Truncate(time.Second)
	sub := f.active(user, tariff, tx, now.Add(tariff.Duration))
	assert.Equal(t, models.StateActive, sub.State)
	assert.True(t, sub.NeedsProvision)

	_, err := storage.UpsertSubscription(ctx, models.NewSubscription{
		UserID: user.ID, TariffID: tariff.ID, ActivatedAt: now, ExpiresAt: now.Add(time.Hour), TransactionID: tx.ID,
	})
	assert.ErrorIs(t, err, models.ErrStaleState, "second live subscription violates the partial unique index")

	renewed := tx.ID
	newExpiry := sub.ExpiresAt.Add(tariff.Duration)
	_, err = storage.TransitionSubscriptionState(ctx, models.Transition{
		ID: sub.ID, From: models.StateActive, Version: sub.Version, To: models.StateActive,
		ExpiresAt: &newExpiry, TransactionID: &renewed,
	})
	assert.ErrorIs(t, err, models.ErrDuplicate, "an already linked transaction is not applied twice")

	current, err := storage.GetCurrentSubscription(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Version, current.Version, "rolled back transition leaves the row untouched")
}

func TestStorage_TransitionSubscriptionState_Stale(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	user := f.user()
	tariff := f.tariff(100, nil)
	sub := f.active(user, tariff, f.confirmed(user, tariff, "pay-stale"), time.Now().Add(-time.Minute))

	grace, err := storage.TransitionSubscriptionState(ctx, models.Transition{
		ID: sub.ID, From: models.StateActive, Version: sub.Version, To: models.StateGrace,
	})
	require.NoError(t, err)
	assert.Equal(t, sub.Version+1, grace.Version)

	_, err = storage.TransitionSubscriptionState(ctx, models.Transition{
		ID: sub.ID, From: models.StateActive, Version: sub.Version, To: models.StateGrace,
	})
	assert.ErrorIs(t, err, models.ErrStaleState)
}

func TestStorage_ListDueForExpiry_TariffGrace(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	now := time.Now().UTC()

	short := time.Hour
	shortTariff := f.tariff(100, &short)
	defaultTariff := f.tariff(100, nil)

	u1, u2 := f.user(), f.user()
	s1 := f.active(u1, shortTariff, f.confirmed(u1, shortTariff, "exp-1"), now.Add(-2*time.Hour))
	s2 := f.active(u2, defaultTariff, f.confirmed(u2, defaultTariff, "exp-2"), now.Add(-2*time.Hour))
	for _, sub := range []*models.Subscription{s1, s2} {
		_, err := storage.TransitionSubscriptionState(ctx, models.Transition{
			ID: sub.ID, From: models.StateActive, Version: sub.Version, To: models.StateGrace,
		})
		require.NoError(t, err)
	}

	due, err := storage.ListDueForExpiry(ctx, now, 72*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, s1.ID, due[0].ID)
}

func TestStorage_CreditReferralIfFirst(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	referrer, referral := f.user(), f.user()

	created, err := storage.CreateReferral(ctx, referrer.ID, referral.ID)
	require.NoError(t, err)
	require.True(t, created)

	created, err = storage.CreateReferral(ctx, f.user().ID, referral.ID)
	require.NoError(t, err)
	assert.False(t, created, "the first referrer wins")

	rel, credited, err := storage.CreditReferralIfFirst(ctx, referral.ID, 5000, "pay-ref")
	require.NoError(t, err)
	require.True(t, credited)
	assert.Equal(t, referrer.ID, rel.ReferrerID)

	_, credited, err = storage.CreditReferralIfFirst(ctx, referral.ID, 5000, "pay-ref-2")
	require.NoError(t, err)
	assert.False(t, credited)

	balance, err := storage.BonusBalance(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balance)
}

func TestStorage_CreateReferral_RejectsUsersWithHistory(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	referrer, referral := f.user(), f.user()
	tariff := f.tariff(100, nil)
	f.confirmed(referral, tariff, "history")

	created, err := storage.CreateReferral(ctx, referrer.ID, referral.ID)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = storage.CreateReferral(ctx, referrer.ID, referrer.ID)
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestStorage_SpendBonus(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	user := f.user()
	tariff := f.tariff(3000, nil)

	_, err := storage.AppendBonusEntry(ctx, models.BonusEntry{UserID: user.ID, SourceEventID: "seed", Amount: 5000, Reason: "test"})
	require.NoError(t, err)
	_, err = storage.AppendBonusEntry(ctx, models.BonusEntry{UserID: user.ID, SourceEventID: "seed", Amount: 5000, Reason: "test"})
	assert.ErrorIs(t, err, models.ErrDuplicate)

	spend := models.BonusSpend{
		UserID: user.ID, TariffID: tariff.ID, Amount: 3000, Currency: "RUB",
		SourceEventID: "autorenew:1:100", ProviderTxID: "1:100",
	}
	tx, err := storage.SpendBonus(ctx, spend)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderBonus, tx.Provider)
	assert.Equal(t, models.TxConfirmed, tx.Status)

	_, err = storage.SpendBonus(ctx, spend)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	balance, err := storage.BonusBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance)
}

func TestStorage_RedeemPromoCode(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()
	tariff := f.tariff(100, nil)
	now := time.Now()
	past := now.Add(-time.Hour)

	_, err := storage.CreatePromoCode(ctx, models.PromoCode{Code: "GIFT1", Kind: models.PromoKindGift, TariffID: &tariff.ID, BonusDays: 7})
	require.NoError(t, err)
	_, err = storage.CreatePromoCode(ctx, models.PromoCode{Code: "OLD", Kind: models.PromoKindPromo, BonusAmount: 100, MaxUses: 10, ExpiresAt: &past})
	require.NoError(t, err)

	alice, bob := f.user(), f.user()

	res, err := storage.RedeemPromoCode(ctx, "GIFT1", alice.ID, now)
	require.NoError(t, err)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, models.ProviderPromo, res.Transaction.Provider)
	require.NotNil(t, res.Transaction.Duration)
	assert.Equal(t, 7*24*time.Hour, *res.Transaction.Duration)

	_, err = storage.RedeemPromoCode(ctx, "GIFT1", alice.ID, now)
	assert.ErrorIs(t, err, models.ErrAlreadyRedeemed)
	_, err = storage.RedeemPromoCode(ctx, "GIFT1", bob.ID, now)
	assert.ErrorIs(t, err, models.ErrAlreadyRedeemed, "gift codes are single use")
	_, err = storage.RedeemPromoCode(ctx, "OLD", bob.ID, now)
	assert.ErrorIs(t, err, models.ErrCodeExpired)
	_, err = storage.RedeemPromoCode(ctx, "NOPE", bob.ID, now)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStorage_ReviseTariff(t *testing.T) {
	storage := setupTestDatabase(t)
	f := newTestDataFactory(t, storage)
	ctx := context.Background()

	unused := f.tariff(100, nil)
	edited, err := storage.ReviseTariff(ctx, unused.ID, models.Tariff{Name: "cheap", Duration: time.Hour, Price: 50, Currency: "RUB"})
	require.NoError(t, err)
	assert.Equal(t, unused.ID, edited.ID, "unreferenced tariff is edited in place")
	assert.Equal(t, 2, edited.Version)

	used := f.tariff(100, nil)
	user := f.user()
	f.confirmed(user, used, "rev")
	revised, err := storage.ReviseTariff(ctx, used.ID, models.Tariff{Name: "month", Duration: time.Hour, Price: 150, Currency: "RUB"})
	require.NoError(t, err)
	assert.NotEqual(t, used.ID, revised.ID)
	require.NotNil(t, revised.PreviousID)
	assert.Equal(t, used.ID, *revised.PreviousID)

	old, err := storage.GetTariff(ctx, used.ID)
	require.NoError(t, err)
	assert.True(t, old.Archived)
	assert.Equal(t, int64(100), old.Price, "the referenced version keeps its terms")
}

func TestStorage_Nodes(t *testing.T) {
	storage := setupTestDatabase(t)
	ctx := context.Background()
	first := time.Now().Add(-time.Minute).UTC()

	require.NoError(t, storage.UpsertNodes(ctx, []models.Node{
		{ID: "n1", Name: "de-1", Pool: "eu", Health: models.NodeHealthy},
		{ID: "n2", Name: "nl-1", Pool: "eu", Health: models.NodeHealthy},
	}, first))
	require.NoError(t, storage.UpsertNodes(ctx, []models.Node{
		{ID: "n1", Name: "de-1", Pool: "eu", Load: 5, Health: models.NodeHealthy},
	}, first.Add(time.Minute)))

	nodes, err := storage.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	health := map[string]models.NodeHealth{}
	for _, n := range nodes {
		health[n.ID] = n.Health
	}
	assert.Equal(t, models.NodeHealthy, health["n1"])
	assert.Equal(t, models.NodeUnreachable, health["n2"])
}
