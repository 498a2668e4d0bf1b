// Package controller implements the Controller side of the scan
// pipeline: PublishBulkScan allocates a bulk scan, resolves its target
// list against the denylist with bounded parallelism, dispatches one
// ScanJobDescription per resolvable target to the orchestration bus, and
// finalizes the bulk scan once every job it spawned has reached a
// terminal status.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/scancore/crawler/internal/denylist"
	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/orchestration"
	"github.com/scancore/crawler/internal/persistence"
	"github.com/scancore/crawler/internal/targetlist"
	"github.com/google/uuid"
)

// resolveParallelism bounds how many targets are parsed/resolved/denylist
// checked concurrently while building a bulk scan's job set.
func resolveParallelism() int {
	n := runtime.NumCPU() * 2
	if n > 64 {
		return 64
	}
	if n < 1 {
		return 1
	}
	return n
}

// Config carries the collaborators PublishBulkScan needs beyond what's on
// the Controller struct itself, kept here so callers (the admin API's
// trigger endpoint, the scheduler) all go through one call shape.
type Config struct {
	Name       string
	ScanConfig scan.ScanConfig
	Targets    targetlist.Provider
	Denylist   *denylist.List
}

// Controller owns the orchestration/persistence pair and a resolver, and
// coordinates the lifecycle of every bulk scan it publishes.
type Controller struct {
	orch     orchestration.Provider
	store    persistence.Provider
	resolver scan.Resolver
	consumerID string
	doneNotePrefetch int
	seen     SeenSet
	monitor  *ProgressMonitor
}

func New(orch orchestration.Provider, store persistence.Provider, seen SeenSet, consumerID string, doneNotePrefetch int) *Controller {
	if doneNotePrefetch <= 0 {
		doneNotePrefetch = 32
	}
	return &Controller{
		orch:             orch,
		store:            store,
		resolver:         scan.NewResolver(),
		consumerID:       consumerID,
		doneNotePrefetch: doneNotePrefetch,
		seen:             seen,
	}
}

// WithProgressMonitor attaches a monitor that watches every bulk scan
// PublishBulkScan starts, for stall detection and progress logging. It
// returns the Controller so callers can chain it onto New.
func (c *Controller) WithProgressMonitor(m *ProgressMonitor) *Controller {
	c.monitor = m
	return c
}

// PublishBulkScan allocates a new BulkScan, emits one ScanJobDescription
// per resolvable target (or a terminal result directly for targets that
// fail parsing, resolution, or the denylist check), and returns once the
// job total is known and dispatch has completed. The caller is expected
// to run ConsumeDone (or rely on a separately running done-notification
// consumer loop) to drive jobsCompleted to completion and finalize.
func (c *Controller) PublishBulkScan(ctx context.Context, cfg Config) (scan.BulkScan, error) {
	bs, err := c.store.AllocateBulkScan(ctx, cfg.Name, cfg.ScanConfig)
	if err != nil {
		return scan.BulkScan{}, fmt.Errorf("allocate bulk scan: %w", err)
	}

	lines, err := cfg.Targets.Lines(ctx)
	if err != nil {
		return bs, fmt.Errorf("read target list: %w", err)
	}

	var (
		mu        sync.Mutex
		jobTotal  int64
		terminal  []scan.ScanJobDescription
		wg        sync.WaitGroup
		sem       = make(chan struct{}, resolveParallelism())
	)

	for _, raw := range lines {
		raw := raw
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			job := c.buildJob(ctx, bs.ID, raw, cfg.Denylist)

			if job.Status.IsTerminal() {
				// Denylisted/unresolvable/unparseable targets never reach
				// a worker: persist the terminal result directly and fold
				// it into jobsCompleted ourselves once the job total is
				// set, since no done notification will ever arrive for it.
				if err := c.persistTerminalJob(ctx, job); err != nil {
					slog.Default().ErrorContext(ctx, "controller.persist_terminal_job_failed",
						"bulk_scan_id", bs.ID, "job_id", job.ID, "target", raw, "err", err)
					return
				}
				mu.Lock()
				terminal = append(terminal, job)
				mu.Unlock()
			} else if err := c.orch.PublishJob(ctx, job); err != nil {
				slog.Default().ErrorContext(ctx, "controller.publish_job_failed",
					"bulk_scan_id", bs.ID, "target", raw, "err", err)
				return
			}

			mu.Lock()
			jobTotal++
			mu.Unlock()
		}()
	}

	wg.Wait()

	if err := c.store.SetJobTotal(ctx, bs.ID, jobTotal); err != nil {
		return bs, fmt.Errorf("set job total: %w", err)
	}

	for _, job := range terminal {
		c.foldCompletedJob(ctx, job.BulkScanID, job.ID, job.Status)
	}

	slog.Default().InfoContext(ctx, "controller.bulk_scan_published",
		"bulk_scan_id", bs.ID, "name", bs.Name, "job_total", jobTotal)

	bs.JobTotal = jobTotal

	if c.monitor != nil {
		go c.monitor.Watch(context.Background(), bs.ID)
	}

	return bs, nil
}

// buildJob resolves one raw target line into a ScanJobDescription. Targets
// that fail to parse, fail to resolve, or match the denylist come back
// already in a terminal status; the caller persists those directly
// instead of publishing them, so they never reach a Worker.
func (c *Controller) buildJob(ctx context.Context, bulkScanID, raw string, deny *denylist.List) scan.ScanJobDescription {
	now := time.Now().UTC()
	job := scan.ScanJobDescription{
		ID:         uuid.NewString(),
		BulkScanID: bulkScanID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	target, err := scan.ParseTarget(raw)
	if err != nil {
		job.ScanTarget = scan.ScanTarget{Hostname: raw}
		job.Status = scan.StatusResolutionError
		return job
	}

	resolved, err := scan.Resolve(c.resolver, target)
	if err != nil {
		job.ScanTarget = target
		job.Status = scan.StatusUnresolvable
		return job
	}

	if deny != nil && deny.Matches(resolved.Hostname, resolved.IP) {
		job.ScanTarget = resolved
		job.Status = scan.StatusDenylisted
		return job
	}

	job.ScanTarget = resolved
	job.Status = scan.StatusToBeExecuted
	return job
}

// persistTerminalJob writes the terminal ScanResult for a job that was
// short-circuited before ever reaching a worker (denylisted, unresolvable,
// or unparseable). PublishBulkScan folds it into jobsCompleted afterwards,
// once the job total is set, the same way a worker-produced done
// notification would.
func (c *Controller) persistTerminalJob(ctx context.Context, job scan.ScanJobDescription) error {
	result := scan.ScanResult{
		ID:         job.ID,
		BulkScanID: job.BulkScanID,
		Timestamp:  time.Now().UTC(),
		Status:     job.Status,
		Target:     job.ScanTarget,
	}

	if err := c.store.PutScanResult(ctx, job.BulkScanID, job, result); err != nil {
		return fmt.Errorf("persist terminal result: %w", err)
	}
	return nil
}

// foldCompletedJob is the single place a terminal job status turns into a
// jobsCompleted increment plus, once every job a bulk scan spawned has
// reached a terminal status, finalization. Used both by the done
// notification drain loop and by jobs resolved to a terminal status
// directly in PublishBulkScan.
func (c *Controller) foldCompletedJob(ctx context.Context, bulkScanID, jobID string, status scan.JobStatus) {
	bs, err := c.store.IncrementJobsCompleted(ctx, bulkScanID, status)
	if err != nil {
		slog.Default().ErrorContext(ctx, "controller.increment_failed",
			"bulk_scan_id", bulkScanID, "job_id", jobID, "err", err)
		return
	}
	if bs.Done() && !bs.Finished {
		if err := c.store.FinalizeBulkScan(ctx, bulkScanID); err != nil {
			slog.Default().ErrorContext(ctx, "controller.finalize_failed",
				"bulk_scan_id", bulkScanID, "err", err)
		} else {
			slog.Default().InfoContext(ctx, "controller.bulk_scan_finalized",
				"bulk_scan_id", bulkScanID)
		}
	}
}

// ReprocessDeadJobs re-publishes a fresh ScanJobDescription for every
// ERROR or INTERNAL_ERROR result already recorded against bulkScanID,
// reusing the already-resolved target so reprocessing doesn't repeat DNS
// resolution or denylist evaluation. It bumps the bulk scan's job total
// by the number of jobs it republishes, since each one is a distinct unit
// of dispatch that must itself reach a terminal status.
func (c *Controller) ReprocessDeadJobs(ctx context.Context, bulkScanID string) (int, error) {
	var republished int

	for _, status := range []scan.JobStatus{scan.StatusError, scan.StatusInternalError} {
		n, err := c.republishByStatus(ctx, bulkScanID, status)
		if err != nil {
			return republished, err
		}
		republished += n
	}

	if republished > 0 {
		bs, err := c.store.GetBulkScan(ctx, bulkScanID)
		if err != nil {
			return republished, fmt.Errorf("lookup bulk scan: %w", err)
		}
		if err := c.store.SetJobTotal(ctx, bulkScanID, bs.JobTotal+int64(republished)); err != nil {
			return republished, fmt.Errorf("bump job total: %w", err)
		}
	}

	return republished, nil
}

func (c *Controller) republishByStatus(ctx context.Context, bulkScanID string, status scan.JobStatus) (int, error) {
	var republished int
	var after time.Time
	var afterID string

	for {
		results, cursor, hasMore, err := c.store.ListScanResults(ctx, bulkScanID, &status, 100, after, afterID)
		if err != nil {
			return republished, fmt.Errorf("list %s results: %w", status, err)
		}

		for _, r := range results {
			now := time.Now().UTC()
			job := scan.ScanJobDescription{
				ID:         uuid.NewString(),
				BulkScanID: bulkScanID,
				ScanTarget: r.Target,
				Status:     scan.StatusToBeExecuted,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := c.orch.PublishJob(ctx, job); err != nil {
				slog.Default().ErrorContext(ctx, "controller.reprocess_publish_failed",
					"bulk_scan_id", bulkScanID, "job_id", job.ID, "err", err)
				continue
			}
			republished++
		}

		if !hasMore || cursor == nil || len(results) == 0 {
			break
		}
		after = results[len(results)-1].Timestamp
		afterID = results[len(results)-1].ID
	}

	return republished, nil
}

// ConsumeDone runs the done-notification drain loop: it claims
// notifications, dedupes redeliveries through SeenSet, folds each into its
// bulk scan's done-counter, finalizes a bulk scan exactly once its counter
// reaches its job total, and acks. It blocks until ctx is cancelled.
func (c *Controller) ConsumeDone(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce(ctx)
		}
	}
}

func (c *Controller) drainOnce(ctx context.Context) {
	claimed, err := c.orch.ConsumeDoneNotifications(ctx, c.consumerID, c.doneNotePrefetch)
	if err != nil {
		return
	}

	for _, d := range claimed {
		c.handleDoneNotification(ctx, d)
	}
}

func (c *Controller) handleDoneNotification(ctx context.Context, d orchestration.DoneDelivery) {
	note := d.Notification

	fresh, err := c.seen.MarkSeen(ctx, note.JobID)
	if err != nil {
		slog.Default().ErrorContext(ctx, "controller.dedupe_check_failed",
			"job_id", note.JobID, "err", err)
	}

	if fresh {
		c.foldCompletedJob(ctx, note.BulkScanID, note.JobID, note.Status)
	}

	if err := c.orch.AckDoneNotification(ctx, d.DeliveryTag); err != nil {
		slog.Default().ErrorContext(ctx, "controller.ack_done_failed",
			"job_id", note.JobID, "err", err)
	}
}
