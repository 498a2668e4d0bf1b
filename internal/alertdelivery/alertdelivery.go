// Package alertdelivery defines the sentinel errors for the send-once
// gate a Notifier delivery goes through before the controller sends an
// operational alert (e.g. a stalled bulk scan) — adapted from the
// teacher's registration-confirmation delivery gate to the scan domain.
package alertdelivery

import "errors"

var (
	// ErrAlreadySent means a previous attempt already delivered this
	// alert; the caller should treat the send as a no-op.
	ErrAlreadySent = errors.New("alert delivery: already sent")

	// ErrInProgress means another goroutine or process currently holds
	// the send-once claim; the caller should back off and retry later.
	ErrInProgress = errors.New("alert delivery: send in progress")
)
