package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scancore/crawler/internal/denylist"
	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/orchestration"
)

// fakeOrch records every job handed to PublishJob; the rest of
// orchestration.Provider is unused by PublishBulkScan and stubbed out.
type fakeOrch struct {
	mu        sync.Mutex
	published []scan.ScanJobDescription
}

func (f *fakeOrch) PublishJob(ctx context.Context, job scan.ScanJobDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, job)
	return nil
}

func (f *fakeOrch) ClaimJobs(ctx context.Context, workerID string, prefetch int) ([]orchestration.JobDelivery, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeOrch) AckJob(ctx context.Context, deliveryTag uint64) error { return nil }
func (f *fakeOrch) PublishDoneNotification(ctx context.Context, note scan.DoneNotification) error {
	return nil
}
func (f *fakeOrch) ConsumeDoneNotifications(ctx context.Context, consumerID string, prefetch int) ([]orchestration.DoneDelivery, error) {
	return nil, nil
}
func (f *fakeOrch) AckDoneNotification(ctx context.Context, deliveryTag uint64) error { return nil }
func (f *fakeOrch) RequeueStaleClaims(ctx context.Context, lockTTL time.Duration) (int64, error) {
	return 0, nil
}

// fakeStore is an in-memory persistence.Provider that enforces the same
// insertScanResult precondition the Postgres implementation does, so a
// controller bug that persists a mismatched job/result pair fails the
// test the same way it would fail against the real store.
type fakeStore struct {
	mu       sync.Mutex
	bs       scan.BulkScan
	results  map[string]scan.ScanResult
	jobTotal int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bs:      scan.BulkScan{ID: "bulk-1", Name: "test-scan"},
		results: map[string]scan.ScanResult{},
	}
}

func (s *fakeStore) AllocateBulkScan(ctx context.Context, name string, cfg scan.ScanConfig) (scan.BulkScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bs.Name = name
	s.bs.ScanConfig = cfg
	return s.bs, nil
}

func (s *fakeStore) GetBulkScan(ctx context.Context, id string) (scan.BulkScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bs, nil
}

func (s *fakeStore) ListBulkScans(ctx context.Context, limit int, afterCreatedAt time.Time, afterID string) ([]scan.BulkScan, *string, bool, error) {
	return nil, nil, false, nil
}

func (s *fakeStore) SetJobTotal(ctx context.Context, bulkScanID string, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobTotal = total
	s.bs.JobTotal = total
	return nil
}

func (s *fakeStore) IncrementJobsCompleted(ctx context.Context, bulkScanID string, status scan.JobStatus) (scan.BulkScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bs.JobsCompleted.Add(status)
	return s.bs, nil
}

func (s *fakeStore) FinalizeBulkScan(ctx context.Context, bulkScanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bs.Finished = true
	return nil
}

func (s *fakeStore) PutScanResult(ctx context.Context, bulkScanID string, job scan.ScanJobDescription, result scan.ScanResult) error {
	if job.Status != result.Status {
		return fmt.Errorf("scan result status disagrees with job status: job=%s result=%s", job.Status, result.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ID] = result
	return nil
}

func (s *fakeStore) GetScanResult(ctx context.Context, bulkScanID, jobID string) (scan.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return scan.ScanResult{}, scan.ErrJobNotFound
	}
	return r, nil
}

func (s *fakeStore) ListScanResults(ctx context.Context, bulkScanID string, status *scan.JobStatus, limit int, afterTimestamp time.Time, afterID string) ([]scan.ScanResult, *string, bool, error) {
	return nil, nil, false, nil
}

// fakeLines is a targetlist.Provider over a fixed, in-memory line set.
type fakeLines []string

func (l fakeLines) Lines(ctx context.Context) ([]string, error) { return []string(l), nil }

// fakeResolver resolves a fixed set of hostnames to canned IPs, so a test
// never touches real DNS.
type fakeResolver map[string]string

func (r fakeResolver) LookupHost(host string) ([]string, error) {
	ip, ok := r[host]
	if !ok {
		return nil, fmt.Errorf("no fake address for host %q", host)
	}
	return []string{ip}, nil
}

func writeDenylist(t *testing.T, lines ...string) *denylist.List {
	t.Helper()
	path := filepath.Join(t.TempDir(), "denylist.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write denylist: %v", err)
	}
	list, err := denylist.Load(path)
	if err != nil {
		t.Fatalf("load denylist: %v", err)
	}
	return list
}

// TestPublishBulkScan_DenylistAndResolutionShortCircuit reproduces spec
// concrete scenario 1: of four targets, two are denylisted and never
// submitted as jobs, two are submitted.
func TestPublishBulkScan_DenylistAndResolutionShortCircuit(t *testing.T) {
	deny := writeDenylist(t, "192.0.2.0/24", "badsite.com")

	orch := &fakeOrch{}
	store := newFakeStore()

	c := &Controller{
		orch: orch,
		store: store,
		resolver: fakeResolver{
			"badsite.com": "198.51.100.1",
			"ok.com":      "203.0.113.5",
		},
		consumerID:       "test-controller",
		doneNotePrefetch: 32,
	}

	cfg := Config{
		Name:     "test-scan",
		Targets:  fakeLines{"badsite.com", "ok.com:443", "192.0.2.17", "ok.com"},
		Denylist: deny,
	}

	bs, err := c.PublishBulkScan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("PublishBulkScan error: %v", err)
	}

	if bs.JobTotal != 4 {
		t.Fatalf("expected job total 4, got %d", bs.JobTotal)
	}

	orch.mu.Lock()
	published := append([]scan.ScanJobDescription(nil), orch.published...)
	orch.mu.Unlock()

	if len(published) != 2 {
		t.Fatalf("expected 2 jobs submitted to the bus, got %d: %+v", len(published), published)
	}
	for _, j := range published {
		if j.ScanTarget.Hostname != "ok.com" {
			t.Fatalf("expected only ok.com to be submitted, got %q", j.ScanTarget.Hostname)
		}
		if j.Status != scan.StatusToBeExecuted {
			t.Fatalf("submitted job should be TO_BE_EXECUTED, got %s", j.Status)
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if store.bs.JobsCompleted.Denylisted != 2 {
		t.Fatalf("expected 2 denylisted results folded into jobsCompleted, got %d", store.bs.JobsCompleted.Denylisted)
	}
	if len(store.results) != 2 {
		t.Fatalf("expected 2 terminal results persisted directly, got %d", len(store.results))
	}
	for _, r := range store.results {
		if r.Status != scan.StatusDenylisted {
			t.Fatalf("expected persisted result status DENYLISTED, got %s", r.Status)
		}
		if r.Target.Hostname != "badsite.com" && r.Target.Hostname != "192.0.2.17" {
			t.Fatalf("unexpected denylisted target persisted: %q", r.Target.Hostname)
		}
	}

	// Only the two denylisted targets are done; the two submitted jobs are
	// still pending on a worker, so the bulk scan must not be finished yet.
	if store.bs.Finished {
		t.Fatalf("bulk scan must not finalize while submitted jobs are still outstanding")
	}
}

// TestPublishBulkScan_MalformedTargetNeverSubmitted reproduces spec
// concrete scenario 2: "host:notanumber" produces one RESOLUTION_ERROR
// result and no job is ever submitted to the bus.
func TestPublishBulkScan_MalformedTargetNeverSubmitted(t *testing.T) {
	orch := &fakeOrch{}
	store := newFakeStore()

	c := &Controller{
		orch:             orch,
		store:            store,
		resolver:         fakeResolver{},
		consumerID:       "test-controller",
		doneNotePrefetch: 32,
	}

	cfg := Config{
		Name:    "test-scan",
		Targets: fakeLines{"host:notanumber"},
	}

	bs, err := c.PublishBulkScan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("PublishBulkScan error: %v", err)
	}

	if bs.JobTotal != 1 {
		t.Fatalf("expected job total 1, got %d", bs.JobTotal)
	}

	orch.mu.Lock()
	publishedCount := len(orch.published)
	orch.mu.Unlock()
	if publishedCount != 0 {
		t.Fatalf("expected no job submitted for an unparseable target, got %d", publishedCount)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.results) != 1 {
		t.Fatalf("expected exactly 1 persisted result, got %d", len(store.results))
	}
	for _, r := range store.results {
		if r.Status != scan.StatusResolutionError {
			t.Fatalf("expected RESOLUTION_ERROR, got %s", r.Status)
		}
	}
	if !store.bs.Finished {
		t.Fatalf("a single-target bulk scan whose only job resolves immediately should finalize")
	}
}

// TestPersistTerminalJob_RejectsStatusMismatch exercises the
// insertScanResult precondition directly: a result whose status disagrees
// with the job it was built from must fail synchronously, never reach
// storage.
func TestPersistTerminalJob_RejectsStatusMismatch(t *testing.T) {
	store := newFakeStore()
	c := &Controller{store: store}

	job := scan.ScanJobDescription{ID: "job-1", BulkScanID: "bulk-1", Status: scan.StatusDenylisted}
	mismatched := scan.ScanResult{ID: job.ID, BulkScanID: job.BulkScanID, Status: scan.StatusUnresolvable}

	err := c.store.PutScanResult(context.Background(), job.BulkScanID, job, mismatched)
	if err == nil {
		t.Fatalf("expected a status-mismatch error, got nil")
	}
}
