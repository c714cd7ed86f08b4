// Package maintenance запускает периодические служебные задачи:
// просрочку неоплаченных заказов и очистку idempotency-ключей.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const defaultInterval = time.Minute

var (
	maintenanceRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyshop_maintenance_runs_total",
		Help: "Total number of maintenance job runs grouped by job and result.",
	}, []string{"job", "result"})
	maintenanceAffectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyshop_maintenance_affected_total",
		Help: "Total number of records changed by maintenance jobs.",
	}, []string{"job"})
	maintenanceLastAffected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "keyshop_maintenance_last_affected",
		Help: "Number of records changed during the last run of a job.",
	}, []string{"job"})
)

// Job: одна служебная задача. RunOnce возвращает число затронутых записей.
type Job interface {
	Name() string
	RunOnce(ctx context.Context, now time.Time) (int, error)
}

// Runner вызывает Job сразу после старта и затем каждые interval.
type Runner struct {
	job      Job
	interval time.Duration
	logger   *log.Entry
	now      func() time.Time
}

// NewRunner создаёт периодический запуск задачи.
func NewRunner(job Job, interval time.Duration, logger *log.Entry) *Runner {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = log.WithField("component", "maintenance")
	}
	if job != nil {
		logger = logger.WithField("job", job.Name())
	}
	return &Runner{
		job:      job,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run блокируется до отмены ctx.
func (r *Runner) Run(ctx context.Context) {
	if r.job == nil {
		r.logger.Warn("maintenance runner is disabled: job is nil")
		return
	}

	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	name := r.job.Name()
	affected, err := r.job.RunOnce(ctx, r.now())
	if affected > 0 {
		maintenanceAffectedTotal.WithLabelValues(name).Add(float64(affected))
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		maintenanceRunsTotal.WithLabelValues(name, "error").Inc()
		r.logger.WithError(err).WithField("affected", affected).Warn("maintenance run failed")
		return
	}

	maintenanceRunsTotal.WithLabelValues(name, "ok").Inc()
	maintenanceLastAffected.WithLabelValues(name).Set(float64(affected))
	if affected > 0 {
		r.logger.WithField("affected", affected).Info("maintenance run completed")
	}
}
