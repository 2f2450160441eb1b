package repository

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/migrations"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
)

// setupTestDatabase поднимает PostgreSQL в контейнере и применяет миграции.
func setupTestDatabase(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storage, err := New(ctx, config.Storage{DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	root, err := filepath.Abs("../../..")
	require.NoError(t, err)
	_, err = migrations.Run(storage.DB, filepath.Join(root, "migrations"))
	require.NoError(t, err)
	require.NoError(t, CheckDatabaseReady(storage))
	return storage
}

// testDataFactory создаёт тестовые данные через публичные методы хранилища.
type testDataFactory struct {
	t       *testing.T
	storage *Storage
	next    int64
}

func newTestDataFactory(t *testing.T, storage *Storage) *testDataFactory {
	return &testDataFactory{t: t, storage: storage, next: 1000}
}

func (f *testDataFactory) user() *models.User {
	f.next++
	u, created, err := f.storage.EnsureUser(context.Background(), f.next, "user", "REF"+strconv.FormatInt(f.next, 10))
	require.NoError(f.t, err)
	require.True(f.t, created)
	return u
}

func (f *testDataFactory) tariff(price int64, grace *time.Duration) *models.Tariff {
	tr, err := f.storage.CreateTariff(context.Background(), models.Tariff{
		Name: "month", Duration: 30 * 24 * time.Hour, Price: price, Currency: "rub",
		NodePools: []string{"eu"}, GracePeriod: grace,
	})
	require.NoError(f.t, err)
	return tr
}

func (f *testDataFactory) confirmed(user *models.User, tariff *models.Tariff, txID string) *models.Transaction {
	tx, applied, err := f.storage.RecordTransaction(context.Background(), models.PaymentEvent{
		Provider: "yookassa", ProviderTxID: txID, UserID: user.ID, TariffID: tariff.ID,
		Amount: tariff.Price, Currency: tariff.Currency, Status: models.TxConfirmed, OccurredAt: time.Now(),
	})
	require.NoError(f.t, err)
	require.True(f.t, applied)
	return tx
}

func (f *testDataFactory) active(user *models.User, tariff *models.Tariff, tx *models.Transaction, expires time.Time) *models.Subscription {
	sub, err := f.storage.UpsertSubscription(context.Background(), models.NewSubscription{
		UserID: user.ID, TariffID: tariff.ID, ActivatedAt: expires.Add(-tariff.Duration),
		ExpiresAt: expires, TransactionID: tx.ID,
	})
	require.NoError(f.t, err)
	return sub
}
