package notifications

import "context"

// BulkScanAlertInput describes an operational alert about a bulk scan's
// health, e.g. a scan whose jobsCompleted hasn't advanced for several
// progress-monitor ticks.
type BulkScanAlertInput struct {
	Recipient  string
	BulkScanID string
	Name       string
	Kind       string // e.g. "bulk_scan.stalled"
	Detail     string
}

type Notifier interface {
	SendBulkScanAlert(ctx context.Context, input BulkScanAlertInput) error
}
