package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/scancore/crawler/internal/persistence"
)

// stalledAfterTicks is how many consecutive no-progress ticks are
// tolerated before a bulk scan is considered stalled and an alert fires.
const stalledAfterTicks = 4

// ProgressMonitor periodically logs a bulk scan's completion ratio and
// per-status breakdown until it finishes or the monitor is stopped —
// standalone from the finalize path so a slow or crashed controller
// restart can re-attach monitoring to a bulk scan already in flight. When
// alerter is set, it also raises a stall alert once progress hasn't moved
// for stalledAfterTicks consecutive ticks.
type ProgressMonitor struct {
	store    persistence.Provider
	interval time.Duration
	alerter  *StalledScanAlerter
}

func NewProgressMonitor(store persistence.Provider, interval time.Duration, alerter *StalledScanAlerter) *ProgressMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ProgressMonitor{store: store, interval: interval, alerter: alerter}
}

// Watch blocks, logging progress every interval, until the bulk scan is
// done, ctx is cancelled, or it vanishes from storage.
func (m *ProgressMonitor) Watch(ctx context.Context, bulkScanID string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var lastCompleted int64 = -1
	stalledTicks := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bs, err := m.store.GetBulkScan(ctx, bulkScanID)
			if err != nil {
				slog.Default().ErrorContext(ctx, "progress_monitor.lookup_failed",
					"bulk_scan_id", bulkScanID, "err", err)
				return
			}

			done := bs.JobsCompleted.Total()

			if done == lastCompleted && !bs.Done() {
				stalledTicks++
				if stalledTicks >= stalledAfterTicks && m.alerter != nil {
					m.alerter.Fire(ctx, bulkScanID, bs.Name, done, bs.JobTotal)
				}
			} else {
				stalledTicks = 0
			}
			lastCompleted = done

			slog.Default().InfoContext(ctx, "progress_monitor.tick",
				"bulk_scan_id", bulkScanID,
				"name", bs.Name,
				"completed", done,
				"total", bs.JobTotal,
				"success", bs.JobsCompleted.Success,
				"error", bs.JobsCompleted.Error,
				"interrupted", bs.JobsCompleted.Interrupted,
				"internal_error", bs.JobsCompleted.InternalError,
				"resolution_error", bs.JobsCompleted.ResolutionError,
				"denylisted", bs.JobsCompleted.Denylisted,
				"unresolvable", bs.JobsCompleted.Unresolvable,
				"cancelled", bs.JobsCompleted.Cancelled,
			)

			if bs.Finished || bs.Done() {
				return
			}
		}
	}
}
