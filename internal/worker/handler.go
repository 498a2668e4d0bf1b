// Package worker implements the Worker side of the scan pipeline: it
// claims ScanJobDescriptions off the orchestration bus, dispatches each
// one to the BulkScanWorker for its bulk scan, persists the terminal
// result, and reports completion back to the Controller — acking and
// notifying even when persistence itself failed, so a bulk scan can
// never hang waiting on a done-notification that was never sent.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/orchestration"
	"github.com/scancore/crawler/internal/persistence"
	"github.com/scancore/crawler/internal/scanfunc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("crawler-worker")

// partialGracePeriod is how long Handler waits, after requesting
// cancellation of a timed-out job, for the scan function to publish one
// last partial result. A captured partial result is recorded as SUCCESS
// with Partial set; without one the job is recorded as INTERRUPTED.
const partialGracePeriod = 200 * time.Millisecond

// Config controls polling cadence and concurrency for the job handler.
type Config struct {
	WorkerID         string
	PollInterval     time.Duration
	Prefetch         int
	Concurrency      int
	BulkScanIdleTTL  time.Duration
	LockTTL          time.Duration
}

// Handler drives the claim -> execute -> persist -> ack loop against an
// orchestration/persistence pair, dispatching jobs to a keyed pool of
// BulkScanWorker instances.
type Handler struct {
	cfg    Config
	orch   orchestration.Provider
	persist persistence.Provider
	pool   *Pool

	readyMu sync.RWMutex
	ready   bool
}

// NewHandler builds a Handler whose ScanFunction instances are produced by
// newFn — one call per bulk scan the first time a job for it is seen.
func NewHandler(cfg Config, orch orchestration.Provider, persist persistence.Provider, newFn func() scanfunc.ScanFunction) *Handler {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}

	return &Handler{
		cfg:     cfg,
		orch:    orch,
		persist: persist,
		pool:    NewPool(cfg.BulkScanIdleTTL, newFn),
		ready:   true,
	}
}

// Ready reports whether the handler is still accepting new work; it
// flips false once shutdown begins so readiness probes can fail fast.
func (h *Handler) Ready() bool {
	h.readyMu.RLock()
	defer h.readyMu.RUnlock()
	return h.ready
}

// Run polls ClaimJobs on cfg.PollInterval and dispatches claimed jobs to a
// bounded pool of goroutines until ctx is cancelled. It then waits up to
// 30 seconds for in-flight jobs to finish before stopping every
// BulkScanWorker.
func (h *Handler) Run(ctx context.Context) {
	deliveries := make(chan orchestration.JobDelivery)

	var wg sync.WaitGroup
	for i := 0; i < h.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				h.handleOne(ctx, d)
			}
		}()
	}

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()

pollLoop:
	for {
		select {
		case <-ctx.Done():
			h.readyMu.Lock()
			h.ready = false
			h.readyMu.Unlock()
			break pollLoop

		case <-sweepTicker.C:
			h.pool.SweepIdle(ctx)

		case <-ticker.C:
			claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			claimed, err := h.orch.ClaimJobs(claimCtx, h.cfg.WorkerID, h.cfg.Prefetch)
			cancel()

			if err != nil {
				if !errors.Is(err, orchestration.ErrNoJobAvailable) {
					slog.Default().ErrorContext(ctx, "worker.claim_error", "err", err)
				}
				continue
			}

			for _, d := range claimed {
				select {
				case deliveries <- d:
				case <-ctx.Done():
					continue pollLoop
				}
			}
		}
	}

	close(deliveries)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Default().Warn("worker.shutdown_grace_exceeded")
	}

	h.pool.StopAll(context.Background())
}

func (h *Handler) handleOne(ctx context.Context, d orchestration.JobDelivery) {
	j := d.Job

	ctx, span := tracer.Start(ctx, "scan_job.run", trace.WithAttributes(
		attribute.String("scan_job.id", j.ID),
		attribute.String("bulk_scan.id", j.BulkScanID),
	))
	defer span.End()

	result := h.execute(ctx, j)

	// The job's status transitions to the result's terminal status before
	// it is persisted — PutScanResult's precondition requires the two to
	// agree, so this mutation must happen here, not after.
	j.Status = result.Status

	persistErr := h.persist.PutScanResult(ctx, j.BulkScanID, j, result)
	if persistErr != nil {
		span.RecordError(persistErr)
		slog.Default().ErrorContext(ctx, "worker.persist_failed",
			"job_id", j.ID, "bulk_scan_id", j.BulkScanID, "err", persistErr)
		result.Status = scan.StatusInternalError
	}

	note := scan.DoneNotification{JobID: j.ID, BulkScanID: j.BulkScanID, Status: result.Status}
	// Notify and ack unconditionally, even if persistence failed above —
	// the bulk scan's done-counter must never stall waiting on a result
	// that silently vanished.
	if err := h.orch.PublishDoneNotification(ctx, note); err != nil {
		span.RecordError(err)
		slog.Default().ErrorContext(ctx, "worker.publish_done_failed",
			"job_id", j.ID, "bulk_scan_id", j.BulkScanID, "err", err)
	}

	if err := h.orch.AckJob(ctx, d.DeliveryTag); err != nil {
		span.RecordError(err)
		slog.Default().ErrorContext(ctx, "worker.ack_failed",
			"job_id", j.ID, "bulk_scan_id", j.BulkScanID, "err", err)
	}

	span.SetStatus(codes.Ok, string(result.Status))
	slog.Default().InfoContext(ctx, "worker.job_done",
		"job_id", j.ID, "bulk_scan_id", j.BulkScanID, "status", result.Status, "partial", result.Partial)
}

// execute resolves and runs a single job through its bulk scan's worker,
// enforcing scanConfig.timeoutMillis and falling back to the partial
// result protocol when the scan function does not finish in time.
func (h *Handler) execute(ctx context.Context, j scan.ScanJobDescription) scan.ScanResult {
	result := scan.ScanResult{
		ID:         j.ID,
		BulkScanID: j.BulkScanID,
		Timestamp:  time.Now().UTC(),
		Target:     j.ScanTarget,
	}

	// A job already in a terminal status (denylisted, unresolvable, ...)
	// should never have been submitted to the bus in the first place —
	// the controller short-circuits those directly. This is a defensive
	// floor, not the primary path: never dial out for one.
	if j.Status.IsTerminal() {
		result.Status = j.Status
		return result
	}

	bs, err := h.persist.GetBulkScan(ctx, j.BulkScanID)
	if err != nil {
		result.Status = scan.StatusInternalError
		result.ResultDocument = errorDoc(fmt.Errorf("lookup bulk scan: %w", err))
		return result
	}

	bw, err := h.pool.Acquire(ctx, j.BulkScanID, bs.ScanConfig)
	if err != nil {
		result.Status = scan.StatusInternalError
		result.ResultDocument = errorDoc(fmt.Errorf("acquire bulk scan worker: %w", err))
		return result
	}
	defer h.pool.Release(j.BulkScanID)

	future := bw.Submit(ctx, j.ScanTarget)

	timeoutCtx, cancel := context.WithTimeout(ctx, bs.ScanConfig.Timeout())
	defer cancel()

	doc, execErr, completed := future.Await(timeoutCtx)
	if completed {
		if execErr != nil {
			result.Status = scan.StatusError
			result.ResultDocument = errorDoc(execErr)
			return result
		}
		result.Status = scan.StatusSuccess
		result.ResultDocument = doc
		return result
	}

	// Timed out: request cancellation, give the scan function a short
	// grace window to publish a last partial result, then settle for
	// whatever is in the slot.
	future.Cancel()

	grace, graceCancel := context.WithTimeout(context.Background(), partialGracePeriod)
	defer graceCancel()
	select {
	case <-future.Done():
	case <-grace.Done():
	}

	if partial, ok := future.Partial(); ok {
		result.Status = scan.StatusSuccess
		result.ResultDocument = partial
		result.Partial = true
		return result
	}

	result.Status = scan.StatusInterrupted
	result.ResultDocument = errorDoc(fmt.Errorf("job timed out after %s with no partial result", bs.ScanConfig.Timeout()))
	return result
}

func errorDoc(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
