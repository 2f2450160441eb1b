// Package metrics содержит счётчики Prometheus движка подписок.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentEventsTotal события от провайдеров по результату обработки.
	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpn",
		Subsystem: "engine",
		Name:      "payment_events_total",
		Help:      "Payment events by provider and outcome.",
	}, []string{"provider", "outcome"})

	// TransitionsTotal переходы подписок между состояниями.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpn",
		Subsystem: "engine",
		Name:      "subscription_transitions_total",
		Help:      "Subscription state transitions.",
	}, []string{"from", "to"})

	// StaleRetriesTotal повторы после конфликта версий.
	StaleRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpn",
		Subsystem: "engine",
		Name:      "stale_retries_total",
		Help:      "Optimistic concurrency retries.",
	})

	// ProvisioningTotal попытки выдачи и отзыва доступа на узлах.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpn",
		Subsystem: "panel",
		Name:      "provisioning_total",
		Help:      "Provisioning attempts by operation and outcome.",
	}, []string{"operation", "outcome"})

	NodesHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vpn",
		Subsystem: "panel",
		Name:      "nodes_healthy",
		Help:      "Healthy nodes in the last refreshed node list.",
	})

	// ReferralCreditsTotal начисления за приглашённых пользователей.
	ReferralCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpn",
		Subsystem: "engine",
		Name:      "referral_credits_total",
		Help:      "Referral bonuses credited.",
	})

	// SchedulerRunsTotal запуски фоновых задач по результату.
	SchedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpn",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Scheduler task runs by task and result.",
	}, []string{"task", "result"})

	SchedulerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vpn",
		Subsystem: "scheduler",
		Name:      "run_duration_seconds",
		Help:      "Scheduler task run duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})

	// ServingDisabled 1, если обслуживание отключено из-за лицензии.
	ServingDisabled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vpn",
		Subsystem: "license",
		Name:      "serving_disabled",
		Help:      "1 when mutating operations are disabled by the license guard.",
	})

	// ProviderPollsTotal запросы статуса у провайдеров.
	ProviderPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpn",
		Subsystem: "provider",
		Name:      "polls_total",
		Help:      "Provider status polls by provider and result.",
	}, []string{"provider", "result"})
)

// Результаты для меток outcome и result.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultRejected  = "rejected"
	ResultIgnored   = "ignored"
	ResultPanic     = "panic"
)

// UnknownProvider метка provider для уведомлений на неподключённый провайдер.
// Идентификатор из запроса в метки не попадает.
const UnknownProvider = "unknown"
