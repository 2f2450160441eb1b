// Package scheduler запускает фоновые задачи движка по таймерам.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/vpn-entitlements/internal/config"
	"github.com/magabrotheeeer/vpn-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/vpn-entitlements/internal/license"
	"github.com/magabrotheeeer/vpn-entitlements/internal/metrics"
	"github.com/magabrotheeeer/vpn-entitlements/internal/models"
	"github.com/magabrotheeeer/vpn-entitlements/internal/services/engine"
)

// Task фоновая задача с интервалом запуска.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner выполняет задачи, каждую в своей горутине. Тики одной задачи
// не пересекаются: следующий начинается после завершения предыдущего.
type Runner struct {
	tasks   []Task
	timeout time.Duration
	log     *slog.Logger
}

func NewRunner(timeout time.Duration, log *slog.Logger, tasks ...Task) *Runner {
	return &Runner{tasks: tasks, timeout: timeout, log: log}
}

// Run выполняет по тику каждой задачи сразу и далее по интервалу до отмены ctx.
// Возвращается после завершения всех начатых тиков.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range r.tasks {
		if task.Interval <= 0 {
			r.log.Warn("task disabled", slog.String("task", task.Name))
			continue
		}
		g.Go(func() error {
			r.loop(gctx, task)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		r.Tick(ctx, task)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick выполняет один запуск задачи. Отмена ctx не прерывает начатый тик,
// его ограничивает только таймаут. Паника в задаче не останавливает планировщик.
func (r *Runner) Tick(ctx context.Context, task Task) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log := r.log.With(slog.String("task", task.Name))

	tickCtx := context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(tickCtx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	result := metrics.ResultOK
	defer func() {
		if p := recover(); p != nil {
			result = metrics.ResultPanic
			err = fmt.Errorf("scheduler: task %s panicked: %v", task.Name, p)
			log.Error("task panicked", slog.Any("panic", p))
		}
		metrics.SchedulerRunsTotal.WithLabelValues(task.Name, result).Inc()
		metrics.SchedulerDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
	}()

	if err = task.Run(tickCtx); err != nil {
		result = metrics.ResultError
		log.Error("task failed", sl.Err(err))
	}
	return err
}

type Sweeper interface {
	SweepExpiries(ctx context.Context) (engine.SweepReport, error)
	Repair(ctx context.Context) (engine.RepairReport, error)
}

type Poller interface {
	PollPending(ctx context.Context) (engine.PollReport, error)
}

type LicenseChecker interface {
	Check(ctx context.Context) (license.Status, error)
}

type LicenseObserver interface {
	ObserveLicense(ctx context.Context, st license.Status) bool
}

type Releaser interface {
	ReleaseAll() error
}

type NodeRefresher interface {
	RefreshNodes(ctx context.Context) ([]models.Node, error)
}

// ExpiryTask переводы active → grace → expired, затем проход восстановления.
func ExpiryTask(s Sweeper, interval time.Duration) Task {
	return Task{Name: "expiry", Interval: interval, Run: func(ctx context.Context) error {
		if _, err := s.SweepExpiries(ctx); err != nil {
			return err
		}
		_, err := s.Repair(ctx)
		return err
	}}
}

// LicenseTask проверяет лицензию. Недоступность сервера лицензий не ошибка тика.
func LicenseTask(c LicenseChecker, o LicenseObserver, interval time.Duration, log *slog.Logger) Task {
	return Task{Name: "license", Interval: interval, Run: func(ctx context.Context) error {
		st, err := c.Check(ctx)
		if err != nil {
			log.Warn("license server unavailable", sl.Err(err))
		}
		o.ObserveLicense(ctx, st)
		return nil
	}}
}

func CleanupTask(r Releaser, interval time.Duration) Task {
	return Task{Name: "cleanup", Interval: interval, Run: func(context.Context) error {
		return r.ReleaseAll()
	}}
}

func PollTask(p Poller, interval time.Duration) Task {
	return Task{Name: "poll", Interval: interval, Run: func(ctx context.Context) error {
		_, err := p.PollPending(ctx)
		return err
	}}
}

func NodesTask(n NodeRefresher, interval time.Duration) Task {
	return Task{Name: "nodes", Interval: interval, Run: func(ctx context.Context) error {
		_, err := n.RefreshNodes(ctx)
		return err
	}}
}

// Deps источники задач стандартного набора.
type Deps struct {
	Engine   *engine.Engine
	License  LicenseChecker
	Releaser Releaser
	Nodes    NodeRefresher
}

// DefaultTasks набор задач сервиса с интервалами из конфига.
func DefaultTasks(cfg config.Scheduler, d Deps, log *slog.Logger) []Task {
	tasks := []Task{
		ExpiryTask(d.Engine, cfg.ExpiryInterval),
		PollTask(d.Engine, cfg.PollInterval),
		CleanupTask(d.Releaser, cfg.CleanupInterval),
		NodesTask(d.Nodes, cfg.NodeRefreshInterval),
	}
	if d.License != nil {
		tasks = append(tasks, LicenseTask(d.License, d.Engine, cfg.LicenseInterval, log))
	}
	return tasks
}
