package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scancore/crawler/internal/alertdelivery"
	"github.com/scancore/crawler/internal/notifications"
)

// AlertGate is the send-once claim a stall alert must acquire before a
// Notifier is invoked, keyed by (kind, bulkScanID) so a flapping monitor
// never pages twice for the same condition.
type AlertGate interface {
	TryStart(ctx context.Context, kind, referenceID, recipient string) error
	MarkSent(ctx context.Context, kind, referenceID string) error
	MarkFailed(ctx context.Context, kind, referenceID, errMsg string) error
}

const stalledAlertKind = "bulk_scan.stalled"

// StalledScanAlerter fires a bulk_scan.stalled alert the first time a
// given bulk scan is observed stuck, gated so retries or a second
// controller replica never double-deliver it.
type StalledScanAlerter struct {
	gate      AlertGate
	notifier  notifications.Notifier
	recipient string
}

func NewStalledScanAlerter(gate AlertGate, notifier notifications.Notifier, recipient string) *StalledScanAlerter {
	return &StalledScanAlerter{gate: gate, notifier: notifier, recipient: recipient}
}

func (a *StalledScanAlerter) Fire(ctx context.Context, bulkScanID, name string, completed, total int64) {
	if a == nil || a.gate == nil || a.notifier == nil {
		return
	}

	if err := a.gate.TryStart(ctx, stalledAlertKind, bulkScanID, a.recipient); err != nil {
		if errors.Is(err, alertdelivery.ErrAlreadySent) || errors.Is(err, alertdelivery.ErrInProgress) {
			return
		}
		slog.Default().ErrorContext(ctx, "alerter.gate_failed", "bulk_scan_id", bulkScanID, "err", err)
		return
	}

	err := a.notifier.SendBulkScanAlert(ctx, notifications.BulkScanAlertInput{
		Recipient:  a.recipient,
		BulkScanID: bulkScanID,
		Name:       name,
		Kind:       stalledAlertKind,
		Detail:     fmt.Sprintf("no progress: %d/%d jobs completed", completed, total),
	})
	if err != nil {
		_ = a.gate.MarkFailed(ctx, stalledAlertKind, bulkScanID, err.Error())
		slog.Default().ErrorContext(ctx, "alerter.send_failed", "bulk_scan_id", bulkScanID, "err", err)
		return
	}

	_ = a.gate.MarkSent(ctx, stalledAlertKind, bulkScanID)
}
