package vpnentitlements

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/catalog"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/payment/checkout"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/payment/webhook"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/status"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/tariffs"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/users/autorenew"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/users/bonus"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/users/entitlement"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/users/lookup"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/users/moderation"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/users/redeem"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/users/register"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/handlers/users/transactions"
	"github.com/magabrotheeeer/vpn-entitlements/internal/http/middlewarectx"
	"github.com/magabrotheeeer/vpn-entitlements/internal/services/engine"
	"github.com/magabrotheeeer/vpn-entitlements/internal/storage/repository"
)

var _ engine.Ledger = (*repository.Storage)(nil)

// Pinger зависимость для /health.
type Pinger = status.Pinger

// RegisterRoutes регистрирует все маршруты фасада.
func RegisterRoutes(r chi.Router, logger *slog.Logger, cfg config.API, svc *engine.Engine, deps map[string]Pinger) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)

	statusHandler := status.New(logger, svc, deps)
	catalogHandler := catalog.New(logger, svc)
	tariffHandler := tariffs.New(logger, svc)

	r.Route("/api/v1", func(r chi.Router) {
		// Вебхуки провайдеров подписаны самими провайдерами
		r.Post("/payments/{provider}/webhook", webhook.New(logger, svc).ServeHTTP)

		// Группа со статическим токеном
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.BearerMiddleware(cfg.AccessToken, logger))
			r.Use(middlewarectx.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst, logger))

			r.Post("/users", register.New(logger, svc).ServeHTTP)
			r.Get("/users/by-external/{external_id}", lookup.New(logger, svc).ServeHTTP)
			r.Get("/users/{id}/entitlement", entitlement.New(logger, svc).ServeHTTP)
			r.Get("/users/{id}/bonus", bonus.New(logger, svc).ServeHTTP)
			r.Get("/users/{id}/transactions", transactions.New(logger, svc).ServeHTTP)
			r.Post("/users/{id}/ban", moderation.NewBan(logger, svc).ServeHTTP)
			r.Post("/users/{id}/unban", moderation.NewUnban(logger, svc).ServeHTTP)
			r.Put("/users/{id}/auto-renew", autorenew.New(logger, svc).ServeHTTP)
			r.Post("/users/{id}/redeem", redeem.New(logger, svc).ServeHTTP)
			r.Post("/checkouts", checkout.New(logger, svc).ServeHTTP)
			r.Get("/nodes", catalogHandler.Nodes)
			r.Get("/tariffs", catalogHandler.Tariffs)
			r.Post("/tariffs", tariffHandler.Create)
			r.Put("/tariffs/{id}", tariffHandler.Revise)
			r.Get("/status", statusHandler.License)
		})
	})

	r.Get("/health", statusHandler.Health)
	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
