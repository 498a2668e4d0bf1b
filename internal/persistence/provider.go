// Package persistence implements the PersistenceProvider contract:
// idempotent BulkScan/ScanResult storage keyed by stable ids, with a
// bounded-retry serialization-failure policy (retry once, then
// INTERNAL_ERROR) and indexes on {id, target.hostname, target.ip,
// bulkScanId}.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
)

var ErrSerializationFailure = errors.New("persistence: serialization failure")
var ErrInternal = errors.New("persistence: internal error")

// ErrResultStatusMismatch is returned synchronously, before any storage
// round trip, when a caller violates insertScanResult's precondition that
// a result's status must agree with the job it was produced from. This is
// a programming error, never a runtime condition a retry could fix.
var ErrResultStatusMismatch = errors.New("persistence: scan result status disagrees with job status")

// Provider is the storage side of the spec: one database per bulk scan
// name, holding the bulk scan's own row and its result collection.
type Provider interface {
	AllocateBulkScan(ctx context.Context, name string, cfg scan.ScanConfig) (scan.BulkScan, error)
	GetBulkScan(ctx context.Context, id string) (scan.BulkScan, error)
	ListBulkScans(ctx context.Context, limit int, afterCreatedAt time.Time, afterID string) ([]scan.BulkScan, *string, bool, error)

	SetJobTotal(ctx context.Context, bulkScanID string, total int64) error

	// IncrementJobsCompleted is the single writer for a bulk scan's
	// done-counter: every terminal job status folds into it exactly once.
	// It returns the updated BulkScan so the caller can check Done()
	// without a second round trip.
	IncrementJobsCompleted(ctx context.Context, bulkScanID string, status scan.JobStatus) (scan.BulkScan, error)

	FinalizeBulkScan(ctx context.Context, bulkScanID string) error

	// PutScanResult is an idempotent upsert keyed by result.ID (the job's
	// own id). Precondition: result.Status == job.Status; a violation is
	// a programming error and is rejected synchronously, before any
	// storage round trip, with ErrResultStatusMismatch. On a Postgres
	// serialization failure it retries once before giving up and
	// returning an error wrapping ErrInternal — the caller is expected to
	// persist the job's terminal status as INTERNAL_ERROR in that case.
	PutScanResult(ctx context.Context, bulkScanID string, job scan.ScanJobDescription, result scan.ScanResult) error

	GetScanResult(ctx context.Context, bulkScanID, jobID string) (scan.ScanResult, error)

	ListScanResults(ctx context.Context, bulkScanID string, status *scan.JobStatus, limit int, afterTimestamp time.Time, afterID string) ([]scan.ScanResult, *string, bool, error)
}
