// Package engine содержит движок сверки платежей и жизненного цикла подписок.
// Движок принимает нормализованные события провайдеров и сигналы планировщика
// и по ним ведёт подписку через машину состояний. Реферальный бонус
// начисляется ровно один раз.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/license"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
)

// UserStore операции над пользователями.
type UserStore interface {
	EnsureUser(ctx context.Context, externalID int64, displayName, referralCode string) (*models.User, bool, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByExternalID(ctx context.Context, externalID int64) (*models.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*models.User, error)
	SetUserStatus(ctx context.Context, id int64, status models.UserStatus) error
}

type TariffStore interface {
	GetTariff(ctx context.Context, id int64) (*models.Tariff, error)
	ListTariffs(ctx context.Context, includeArchived bool) ([]models.Tariff, error)
	CreateTariff(ctx context.Context, t models.Tariff) (*models.Tariff, error)
	ReviseTariff(ctx context.Context, id int64, t models.Tariff) (*models.Tariff, error)
}

// TransactionStore журнал платежей с ключом идемпотентности (provider, provider_tx_id).
type TransactionStore interface {
	RecordTransaction(ctx context.Context, ev models.PaymentEvent) (*models.Transaction, bool, error)
	ListPendingTransactions(ctx context.Context, since time.Time, limit int) ([]models.Transaction, error)
	ListUnlinkedConfirmedTransactions(ctx context.Context, before time.Time, limit int) ([]models.Transaction, error)
	ListUserTransactions(ctx context.Context, userID int64, limit int) ([]models.Transaction, error)
	ExpireStalePendingTransactions(ctx context.Context, before time.Time) (int64, error)
	MarkTransactionFailed(ctx context.Context, id int64) error
}

// SubscriptionStore подписки с оптимистичной блокировкой по версии.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	GetCurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	GetPendingSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	GetLatestSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	HasSubscriptionHistory(ctx context.Context, userID int64) (bool, error)
	CreatePendingSubscription(ctx context.Context, userID, tariffID int64) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, ns models.NewSubscription) (*models.Subscription, error)
	TransitionSubscriptionState(ctx context.Context, tr models.Transition) (*models.Subscription, error)
	UpdateProvisioning(ctx context.Context, u models.ProvisioningUpdate) (*models.Subscription, error)
	SetAutoRenew(ctx context.Context, id int64, enabled bool) (*models.Subscription, error)
	ListDueForGrace(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)
	ListDueForExpiry(ctx context.Context, now time.Time, defaultGrace time.Duration, limit int) ([]models.Subscription, error)
	ListNeedingProvision(ctx context.Context, limit int) ([]models.Subscription, error)
	ListNeedingRevoke(ctx context.Context, limit int) ([]models.Subscription, error)
}

// ReferralStore реферальные связи и бонусный журнал.
type ReferralStore interface {
	CreateReferral(ctx context.Context, referrerID, referralID int64) (bool, error)
	CreditReferralIfFirst(ctx context.Context, referralID int64, amount int64, source string) (*models.ReferralRelation, bool, error)
	ListUncreditedReferrals(ctx context.Context, limit int) ([]models.ReferralRelation, error)
	BonusBalance(ctx context.Context, userID int64) (int64, error)
	ListBonusEntries(ctx context.Context, userID int64, limit int) ([]models.BonusEntry, error)
	SpendBonus(ctx context.Context, spend models.BonusSpend) (*models.Transaction, error)
}

type PromoStore interface {
	RedeemPromoCode(ctx context.Context, code string, userID int64, now time.Time) (*models.PromoRedemption, error)
}

type NodeStore interface {
	ListNodes(ctx context.Context) ([]models.Node, error)
}

// Ledger полный набор операций хранилища, нужный движку.
// Реализуется repository.Storage и memory.Store.
type Ledger interface {
	UserStore
	TariffStore
	TransactionStore
	SubscriptionStore
	ReferralStore
	PromoStore
	NodeStore
}

// Provisioner выдаёт и отзывает доступ на узлах VPN.
type Provisioner interface {
	GrantAccess(ctx context.Context, req models.AccessRequest) (models.NodeAssignment, error)
	RevokeAccess(ctx context.Context, user models.User) error
}

// Providers реестр платёжных адаптеров.
type Providers interface {
	Get(id string) (paymentprovider.Adapter, error)
}

// Cache кеш прав доступа для чтения.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Notifier публикует доменные события для чат-слоя.
type Notifier interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Outcome результат обработки платёжного события.
type Outcome string

const (
	OutcomeActivated Outcome = "activated" // Подписка активирована или продлена
	OutcomeDuplicate Outcome = "duplicate" // Событие уже обработано
	OutcomeRecorded  Outcome = "recorded"  // Транзакция записана без активации
	OutcomeRejected  Outcome = "rejected"  // Платёж отклонён бизнес-правилами
	OutcomeIgnored   Outcome = "ignored"   // Платёж сохранён, но не применяется
)

// Config параметры движка.
type Config struct {
	Engine         config.Engine
	Referral       config.Referral
	EntitlementTTL time.Duration
}

// Engine движок сверки. Все изменяющие точки входа проверяют флаг лицензии.
type Engine struct {
	ledger      Ledger
	providers   Providers
	provisioner Provisioner
	guard       *license.Guard
	cache       Cache
	notifier    Notifier

	cfg      config.Engine
	referral config.Referral
	ttl      time.Duration

	log *slog.Logger
	now func() time.Time
}

type Option func(*Engine)

func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New создаёт движок. Кеш и публикация событий необязательны.
func New(ledger Ledger, providers Providers, provisioner Provisioner, guard *license.Guard,
	cfg Config, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:      ledger,
		providers:   providers,
		provisioner: provisioner,
		guard:       guard,
		cfg:         cfg.Engine,
		referral:    cfg.Referral,
		ttl:         cfg.EntitlementTTL,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxStaleRetries <= 0 {
		e.cfg.MaxStaleRetries = 1
	}
	if e.cfg.BatchSize <= 0 {
		e.cfg.BatchSize = 100
	}
	return e
}

// Guard флаг лицензии, которым владеет движок.
func (e *Engine) Guard() *license.Guard {
	return e.guard
}

func (e *Engine) checkServing() error {
	return e.guard.Check()
}

func (e *Engine) grace(t *models.Tariff) time.Duration {
	if t == nil {
		return e.cfg.GracePeriod
	}
	return t.Grace(e.cfg.GracePeriod)
}

func entitlementKey(userID int64) string {
	return "entitlement:" + strconv.FormatInt(userID, 10)
}

func (e *Engine) invalidate(ctx context.Context, userID int64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, entitlementKey(userID)); err != nil {
		e.log.Warn("failed to invalidate entitlement cache", sl.User(userID), sl.Err(err))
	}
}

// notify ошибки публикации не прерывают операцию.
func (e *Engine) notify(ctx context.Context, ev models.Event) {
	if e.notifier == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}
	if err := e.notifier.Publish(ctx, ev); err != nil {
		e.log.Warn("failed to publish event", slog.String("type", ev.Type), sl.User(ev.UserID), sl.Err(err))
	}
}

// tariffFor возвращает тариф транзакции. Отсутствующий тариф означает models.ErrUnknownTariff.
func (e *Engine) tariffFor(ctx context.Context, id int64) (*models.Tariff, error) {
	t, err := e.ledger.GetTariff(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", models.ErrUnknownTariff, id)
	}
	return t, err
}
