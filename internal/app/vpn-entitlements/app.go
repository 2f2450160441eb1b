// Package vpnentitlements собирает сервис: журнал, адаптеры провайдеров,
// клиент панели узлов, движок сверки, планировщик, очереди и HTTP-фасад.
package vpnentitlements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/vpn-entitlements/internal/cache"
	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	events "github.com/magabrotheeeer/vpn-entitlements/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/license"
	"github.com/magabrotheeeer/vpn-entitlements/internal/migrations"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider/cryptobot"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider/pally"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider/telegramstars"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider/watapro"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider/yookassa"
	"github.com/magabrotheeeer/vpn-entitlements/internal/paymentprovider/yoomoney"
	"github.com/magabrotheeeer/vpn-entitlements/internal/rabbitmq"
	"github.com/magabrotheeeer/vpn-entitlements/internal/services/engine"
	"github.com/magabrotheeeer/vpn-entitlements/internal/services/scheduler"
	"github.com/magabrotheeeer/vpn-entitlements/internal/storage/repository"
	"github.com/magabrotheeeer/vpn-entitlements/internal/vpnpanel"
)

type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	server    *http.Server
	db        *repository.Storage
	cache     *cache.Cache
	panel     *vpnpanel.Client
	providers *paymentprovider.Registry
	engine    *engine.Engine
	runner    *scheduler.Runner
	amqpConn  *amqp.Connection
	amqpCh    *amqp.Channel
	consumer  *rabbitmq.Consumer
}

// Providers адаптеры включённых в конфиге провайдеров.
func Providers(cfg config.Providers) []paymentprovider.Adapter {
	var adapters []paymentprovider.Adapter
	if cfg.YooKassa.Enabled {
		adapters = append(adapters, yookassa.New(cfg.YooKassa))
	}
	if cfg.YooMoney.Enabled {
		adapters = append(adapters, yoomoney.New(cfg.YooMoney))
	}
	if cfg.TelegramStars.Enabled {
		adapters = append(adapters, telegramstars.New(cfg.TelegramStars))
	}
	if cfg.CryptoBot.Enabled {
		adapters = append(adapters, cryptobot.New(cfg.CryptoBot))
	}
	if cfg.WataPro.Enabled {
		adapters = append(adapters, watapro.New(cfg.WataPro))
	}
	if cfg.Pally.Enabled {
		adapters = append(adapters, pally.New(cfg.Pally))
	}
	return adapters
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.New"

	db, err := repository.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	version, err := migrations.Run(db.DB, cfg.MigrationsPath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger.Info("schema migrated", slog.Uint64("version", uint64(version)))

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		cache:     cacheRedis,
		panel:     vpnpanel.New(cfg.VPNPanel, db, logger),
		providers: paymentprovider.NewRegistry(Providers(cfg.Providers)...),
	}
	logger.Info("payment providers enabled", slog.Any("providers", a.providers.IDs()))

	opts := []engine.Option{engine.WithCache(cacheRedis)}
	if cfg.RabbitMQ.URL != "" {
		if err = a.connectBroker(); err != nil {
			a.closeResources()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		opts = append(opts, engine.WithNotifier(events.NewEventPublisher(a.amqpCh, rabbitmq.Exchange)))
	} else {
		logger.Warn("rabbitmq disabled: events are not published and chat payments are not consumed")
	}

	guard := license.NewGuard(cfg.License.InvalidGrace)
	a.engine = engine.New(db, a.providers, a.panel, guard, engine.Config{
		Engine:         cfg.Engine,
		Referral:       cfg.Referral,
		EntitlementTTL: cfg.EntitlementTTL,
	}, logger, opts...)

	deps := scheduler.Deps{
		Engine:   a.engine,
		Releaser: a.providers,
		Nodes:    a.panel,
	}
	if cfg.License.URL != "" {
		deps.License = license.NewClient(cfg.License, logger)
	} else {
		logger.Warn("license check disabled")
	}
	a.runner = scheduler.NewRunner(cfg.TickTimeout, logger, scheduler.DefaultTasks(cfg.Scheduler, deps, logger)...)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, cfg.API, a.engine, map[string]Pinger{
		"postgres": db,
		"redis":    cacheRedis,
	})
	a.server = &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

func (a *App) connectBroker() error {
	conn, err := rabbitmq.Connect(a.cfg.RabbitMQ.URL, a.cfg.RabbitMQ.MaxRetries, a.cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return err
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.Queues(a.cfg.IncomingQueue))
	if err != nil {
		_ = conn.Close()
		return err
	}
	a.amqpConn = conn
	a.amqpCh = ch
	a.consumer = rabbitmq.NewConsumer(ch, a.cfg.IncomingQueue, a.logger)
	return nil
}

// Run обслуживает запросы до отмены ctx. Остановка: новые тики планировщика
// не начинаются, начатые и HTTP-запросы дорабатывают, затем освобождаются
// ресурсы провайдеров, дочитывается очередь и закрываются соединения.
func (a *App) Run(ctx context.Context) error {
	const op = "app.Run"

	consumeCtx, stopConsume := context.WithCancel(context.Background())
	defer stopConsume()
	if a.consumer != nil {
		handler := rabbitmq.NewPaymentHandler(a.engine, a.cfg.RequeueDelay, a.logger)
		if err := a.consumer.Start(consumeCtx, handler); err != nil {
			a.closeResources()
			return fmt.Errorf("%s: %w", op, err)
		}
		a.logger.Info("consuming incoming payments", slog.String("queue", a.cfg.IncomingQueue))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runner.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		return a.server.Shutdown(shutdownCtx)
	})
	err := g.Wait()

	var consumer waiter
	if a.consumer != nil {
		consumer = a.consumer
	}
	stopIntake(stopConsume, consumer, a.providers, a.logger)
	a.closeResources()

	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type waiter interface {
	Wait()
}

type releaser interface {
	ReleaseAll() error
}

// stopIntake останавливает приём платежей. Ресурсы провайдеров освобождаются
// только после того, как обработчики уже полученных сообщений завершились.
func stopIntake(stopConsume context.CancelFunc, consumer waiter, providers releaser, log *slog.Logger) {
	stopConsume()
	if consumer != nil {
		consumer.Wait()
	}
	if err := providers.ReleaseAll(); err != nil {
		log.Warn("failed to release provider resources", sl.Err(err))
	}
}

func (a *App) closeResources() {
	if a.amqpCh != nil {
		_ = a.amqpCh.Close()
	}
	if a.amqpConn != nil {
		_ = a.amqpConn.Close()
	}
	if a.panel != nil {
		a.panel.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close redis", sl.Err(err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close storage", sl.Err(err))
	}
}
