package worker

import (
	"context"
	"testing"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
)

func TestPool_AcquireReusesWorkerForSameBulkScan(t *testing.T) {
	p := NewPool(time.Minute, newTCPStub)

	w1, err := p.Acquire(context.Background(), "bulk-1", scan.ScanConfig{})
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	w2, err := p.Acquire(context.Background(), "bulk-1", scan.ScanConfig{})
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	if w1 != w2 {
		t.Fatalf("expected the same worker instance to be reused")
	}

	p.Release("bulk-1")
	p.Release("bulk-1")
	p.StopAll(context.Background())
}

func TestPool_SweepIdleEvictsPastTTL(t *testing.T) {
	p := NewPool(10*time.Millisecond, newTCPStub)

	_, err := p.Acquire(context.Background(), "bulk-1", scan.ScanConfig{})
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	p.Release("bulk-1")

	time.Sleep(20 * time.Millisecond)
	p.SweepIdle(context.Background())

	p.mu.Lock()
	_, stillThere := p.entries["bulk-1"]
	p.mu.Unlock()

	if stillThere {
		t.Fatalf("expected idle worker to be evicted")
	}
}

func TestPool_SweepIdleKeepsInFlightWorker(t *testing.T) {
	p := NewPool(10*time.Millisecond, newTCPStub)

	_, err := p.Acquire(context.Background(), "bulk-1", scan.ScanConfig{})
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	p.SweepIdle(context.Background())

	p.mu.Lock()
	_, stillThere := p.entries["bulk-1"]
	p.mu.Unlock()

	if !stillThere {
		t.Fatalf("expected in-flight (refcount > 0) worker to survive sweep")
	}

	p.Release("bulk-1")
	p.StopAll(context.Background())
}
