// Package schedule drives periodic garbage-collection and retention-prune
// runs, adapted from the teacher's cron-entry scheduler
// (internal/orchestrator/scheduler.go) down to the single recurring-job
// case this repo needs: no one-time jobs, no job registry lookup by name,
// just "run this GC/prune closure on this cron expression until stopped."
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"dedupvault/internal/logging"
)

// Runner periodically runs garbage collection and retention pruning
// against one datastore, on independent cron schedules.
type Runner struct {
	sched gocron.Scheduler
	log   *slog.Logger
}

// New creates a Runner. Call Start to begin executing scheduled jobs, and
// Stop to shut it down.
func New(logger *slog.Logger) (*Runner, error) {
	sched, err := gocron.NewScheduler(gocron.WithLimitConcurrentJobs(1, gocron.LimitModeWait))
	if err != nil {
		return nil, fmt.Errorf("schedule: create scheduler: %w", err)
	}
	return &Runner{sched: sched, log: logging.Default(logger).With("component", "schedule")}, nil
}

// AddCronJob registers fn to run on the given standard 5-field cron
// expression. name is used only for logging.
func (r *Runner) AddCronJob(name, cronExpr string, fn func(ctx context.Context) error) error {
	_, err := r.sched.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			start := time.Now()
			if err := fn(context.Background()); err != nil {
				r.log.Error("scheduled job failed", "job", name, "err", err, "elapsed", time.Since(start))
				return
			}
			r.log.Info("scheduled job completed", "job", name, "elapsed", time.Since(start))
		}),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("schedule: register job %s: %w", name, err)
	}
	return nil
}

// Start begins executing scheduled jobs. Non-blocking; jobs run on the
// scheduler's own goroutines.
func (r *Runner) Start() { r.sched.Start() }

// Stop shuts the scheduler down, waiting for in-flight jobs to finish.
func (r *Runner) Stop() error { return r.sched.Shutdown() }
