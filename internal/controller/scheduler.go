package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scancore/crawler/internal/denylist"
	"github.com/scancore/crawler/internal/targetlist"
	"github.com/go-co-op/gocron/v2"
)

// Scheduler fires an automatic bulk scan on a cron schedule, on top of
// whatever ad-hoc bulk scans the admin API triggers directly through
// Controller.PublishBulkScan. The teacher codebase never needed a
// scheduler of its own; this wraps gocron the way a cron-driven batch job
// is wired in the rest of the example pack.
type Scheduler struct {
	sched gocron.Scheduler
	job   gocron.Job
}

// NewScheduler builds (but does not start) a scheduler that republishes
// cfg either on a cron schedule or once after a fixed delay from startup,
// matching the two trigger modes a bulk scan run can be configured with.
// cronExpr takes precedence when both are set. Both empty/zero disables
// scheduling entirely — the caller gets back a Scheduler with no
// registered job, and Start is a no-op (bulk scans can still be triggered
// on demand through the admin API).
func NewScheduler(ctrl *Controller, cronExpr string, delay time.Duration, cfgFn func() (Config, error)) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{sched: sched}

	task := gocron.NewTask(func() {
		cfg, err := cfgFn()
		if err != nil {
			slog.Default().Error("scheduler.build_config_failed", "err", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		bs, err := ctrl.PublishBulkScan(ctx, cfg)
		if err != nil {
			slog.Default().Error("scheduler.publish_failed", "name", cfg.Name, "err", err)
			return
		}
		slog.Default().Info("scheduler.published", "bulk_scan_id", bs.ID, "name", bs.Name)
	})

	var definition gocron.JobDefinition
	switch {
	case cronExpr != "":
		definition = gocron.CronJob(cronExpr, false)
	case delay > 0:
		definition = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay)))
	default:
		return s, nil
	}

	job, err := sched.NewJob(definition, task)
	if err != nil {
		return nil, fmt.Errorf("register scheduled job: %w", err)
	}

	s.job = job
	return s, nil
}

func (s *Scheduler) Start() { s.sched.Start() }

func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.sched.Shutdown()
}

// NewFileTargetsConfig builds a Config reading targets from a local file,
// the shape the scheduler's cfgFn typically returns for a recurring scan
// over a fixed target list.
func NewFileTargetsConfig(name, targetListPath string, deny *denylist.List, scanCfg func() Config) Config {
	cfg := scanCfg()
	cfg.Name = name
	cfg.Targets = targetlist.NewFileProvider(targetListPath)
	cfg.Denylist = deny
	return cfg
}
