package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/orchestration"
	"github.com/scancore/crawler/internal/persistence"
	"github.com/scancore/crawler/internal/scanfunc"
)

type fakePersistence struct {
	mu      sync.Mutex
	bulkScans map[string]scan.BulkScan
	results   map[string]scan.ScanResult
	putErr    error
}

func newFakePersistence(bs scan.BulkScan) *fakePersistence {
	return &fakePersistence{
		bulkScans: map[string]scan.BulkScan{bs.ID: bs},
		results:   map[string]scan.ScanResult{},
	}
}

func (p *fakePersistence) AllocateBulkScan(ctx context.Context, name string, cfg scan.ScanConfig) (scan.BulkScan, error) {
	return scan.BulkScan{}, errors.New("not implemented")
}

func (p *fakePersistence) GetBulkScan(ctx context.Context, id string) (scan.BulkScan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bs, ok := p.bulkScans[id]
	if !ok {
		return scan.BulkScan{}, scan.ErrBulkScanNotFound
	}
	return bs, nil
}

func (p *fakePersistence) ListBulkScans(ctx context.Context, limit int, afterCreatedAt time.Time, afterID string) ([]scan.BulkScan, *string, bool, error) {
	return nil, nil, false, nil
}

func (p *fakePersistence) SetJobTotal(ctx context.Context, bulkScanID string, total int64) error {
	return nil
}

func (p *fakePersistence) IncrementJobsCompleted(ctx context.Context, bulkScanID string, status scan.JobStatus) (scan.BulkScan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bs := p.bulkScans[bulkScanID]
	bs.JobsCompleted.Add(status)
	p.bulkScans[bulkScanID] = bs
	return bs, nil
}

func (p *fakePersistence) FinalizeBulkScan(ctx context.Context, bulkScanID string) error { return nil }

func (p *fakePersistence) PutScanResult(ctx context.Context, bulkScanID string, job scan.ScanJobDescription, result scan.ScanResult) error {
	if job.Status != result.Status {
		return fmt.Errorf("%w: job=%s result=%s", persistence.ErrResultStatusMismatch, job.Status, result.Status)
	}
	if p.putErr != nil {
		return p.putErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[result.ID] = result
	return nil
}

func (p *fakePersistence) GetScanResult(ctx context.Context, bulkScanID, jobID string) (scan.ScanResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.results[jobID]
	if !ok {
		return scan.ScanResult{}, scan.ErrJobNotFound
	}
	return r, nil
}

func (p *fakePersistence) ListScanResults(ctx context.Context, bulkScanID string, status *scan.JobStatus, limit int, afterTimestamp time.Time, afterID string) ([]scan.ScanResult, *string, bool, error) {
	return nil, nil, false, nil
}

type fakeOrchestration struct {
	mu    sync.Mutex
	acked []uint64
	notes []scan.DoneNotification
}

func (o *fakeOrchestration) PublishJob(ctx context.Context, job scan.ScanJobDescription) error { return nil }

func (o *fakeOrchestration) ClaimJobs(ctx context.Context, workerID string, prefetch int) ([]orchestration.JobDelivery, error) {
	return nil, orchestration.ErrNoJobAvailable
}

func (o *fakeOrchestration) AckJob(ctx context.Context, deliveryTag uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acked = append(o.acked, deliveryTag)
	return nil
}

func (o *fakeOrchestration) PublishDoneNotification(ctx context.Context, note scan.DoneNotification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notes = append(o.notes, note)
	return nil
}

func (o *fakeOrchestration) ConsumeDoneNotifications(ctx context.Context, consumerID string, prefetch int) ([]orchestration.DoneDelivery, error) {
	return nil, orchestration.ErrNoNotificationAvailable
}

func (o *fakeOrchestration) AckDoneNotification(ctx context.Context, deliveryTag uint64) error { return nil }

func (o *fakeOrchestration) RequeueStaleClaims(ctx context.Context, lockTTL time.Duration) (int64, error) {
	return 0, nil
}

func newTCPStub() scanfunc.ScanFunction { return &stubScanFunc{} }

type stubScanFunc struct{}

func (s *stubScanFunc) Setup(ctx context.Context, cfg scan.ScanConfig) error { return nil }
func (s *stubScanFunc) Teardown(ctx context.Context) error                 { return nil }
func (s *stubScanFunc) Execute(ctx context.Context, target scan.ScanTarget, report scanfunc.PartialReporter) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func TestHandler_ExecuteSuccess(t *testing.T) {
	bs := scan.BulkScan{ID: "bulk-1", ScanConfig: scan.ScanConfig{TimeoutMillis: 1000, ParallelScanThreads: 1}}
	persist := newFakePersistence(bs)
	orch := &fakeOrchestration{}

	h := NewHandler(Config{WorkerID: "w1"}, orch, persist, newTCPStub)
	defer h.pool.StopAll(context.Background())

	job := scan.ScanJobDescription{ID: "job-1", BulkScanID: "bulk-1", ScanTarget: scan.ScanTarget{Hostname: "example.com"}}
	result := h.execute(context.Background(), job)

	if result.Status != scan.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", result.Status)
	}
	if string(result.ResultDocument) != `{"ok":true}` {
		t.Fatalf("unexpected result doc: %s", result.ResultDocument)
	}
}

func TestHandler_ExecuteTimeoutWithPartialYieldsSuccess(t *testing.T) {
	bs := scan.BulkScan{ID: "bulk-2", ScanConfig: scan.ScanConfig{TimeoutMillis: 50, ParallelScanThreads: 1}}
	persist := newFakePersistence(bs)
	orch := &fakeOrchestration{}

	slow := func() scanfunc.ScanFunction {
		return &fakeBlockingScanFunc{}
	}

	h := NewHandler(Config{WorkerID: "w1"}, orch, persist, slow)
	defer h.pool.StopAll(context.Background())

	job := scan.ScanJobDescription{ID: "job-2", BulkScanID: "bulk-2", ScanTarget: scan.ScanTarget{Hostname: "example.com"}}
	result := h.execute(context.Background(), job)

	if result.Status != scan.StatusSuccess {
		t.Fatalf("expected SUCCESS with partial payload, got %s", result.Status)
	}
	if !result.Partial {
		t.Fatalf("expected partial result")
	}
}

type fakeBlockingScanFunc struct{}

func (s *fakeBlockingScanFunc) Setup(ctx context.Context, cfg scan.ScanConfig) error { return nil }
func (s *fakeBlockingScanFunc) Teardown(ctx context.Context) error                 { return nil }
func (s *fakeBlockingScanFunc) Execute(ctx context.Context, target scan.ScanTarget, report scanfunc.PartialReporter) (json.RawMessage, error) {
	report(json.RawMessage(`{"stage":"connecting"}`))
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandler_HandleOneNotifiesAndAcksOnPersistFailure(t *testing.T) {
	bs := scan.BulkScan{ID: "bulk-3", ScanConfig: scan.ScanConfig{TimeoutMillis: 1000, ParallelScanThreads: 1}}
	persist := newFakePersistence(bs)
	persist.putErr = errors.New("disk full")
	orch := &fakeOrchestration{}

	h := NewHandler(Config{WorkerID: "w1"}, orch, persist, newTCPStub)
	defer h.pool.StopAll(context.Background())

	delivery := orchestration.JobDelivery{
		Job:         scan.ScanJobDescription{ID: "job-3", BulkScanID: "bulk-3", ScanTarget: scan.ScanTarget{Hostname: "example.com"}},
		DeliveryTag: 7,
	}

	h.handleOne(context.Background(), delivery)

	if len(orch.acked) != 1 || orch.acked[0] != 7 {
		t.Fatalf("expected job acked despite persist failure, got %v", orch.acked)
	}
	if len(orch.notes) != 1 {
		t.Fatalf("expected one done notification, got %d", len(orch.notes))
	}
	if orch.notes[0].Status != scan.StatusInternalError {
		t.Fatalf("expected INTERNAL_ERROR status on persist failure, got %s", orch.notes[0].Status)
	}
}
