package worker

import (
	"context"
	"sync"
	"time"

	"github.com/scancore/crawler/internal/bulkscanworker"
	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/scanfunc"
)

type entry struct {
	worker     *bulkscanworker.BulkScanWorker
	refCount   int
	lastUsed   time.Time
}

// Pool is the per-process, per-bulk-scan registry of BulkScanWorker
// instances: created lazily on first job for a bulk scan, reference
// counted while jobs are in flight, and evicted once idle past ttl.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	newFn   func() scanfunc.ScanFunction
}

func NewPool(ttl time.Duration, newFn func() scanfunc.ScanFunction) *Pool {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Pool{
		entries: make(map[string]*entry),
		ttl:     ttl,
		newFn:   newFn,
	}
}

// Acquire returns the BulkScanWorker for bulkScanID, creating it if this
// is the first job seen for that bulk scan, and bumps its refcount. The
// caller must call Release when done with the job.
func (p *Pool) Acquire(ctx context.Context, bulkScanID string, cfg scan.ScanConfig) (*bulkscanworker.BulkScanWorker, error) {
	p.mu.Lock()
	e, ok := p.entries[bulkScanID]
	if ok {
		e.refCount++
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.worker, nil
	}
	p.mu.Unlock()

	w, err := bulkscanworker.New(ctx, bulkScanID, cfg, p.newFn())
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// another goroutine may have created it while we were setting up —
	// prefer the one already registered and tear down our redundant one.
	if existing, ok := p.entries[bulkScanID]; ok {
		existing.refCount++
		existing.lastUsed = time.Now()
		go w.Stop(context.Background())
		return existing.worker, nil
	}

	p.entries[bulkScanID] = &entry{worker: w, refCount: 1, lastUsed: time.Now()}
	return w, nil
}

// Release drops the refcount for bulkScanID. The worker itself is only
// stopped by the idle sweep, so a burst of back-to-back jobs for the same
// bulk scan doesn't pay setup/teardown cost between each one.
func (p *Pool) Release(bulkScanID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[bulkScanID]; ok {
		e.refCount--
		e.lastUsed = time.Now()
	}
}

// SweepIdle stops and evicts every bulk scan worker that has had a zero
// refcount for longer than ttl. Call this periodically from a ticker.
func (p *Pool) SweepIdle(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	var toStop []*bulkscanworker.BulkScanWorker
	for id, e := range p.entries {
		if e.refCount <= 0 && now.Sub(e.lastUsed) > p.ttl {
			toStop = append(toStop, e.worker)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for _, w := range toStop {
		_ = w.Stop(ctx)
	}
}

// StopAll tears down every live worker, used on process shutdown.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	var all []*bulkscanworker.BulkScanWorker
	for id, e := range p.entries {
		all = append(all, e.worker)
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for _, w := range all {
		_ = w.Stop(ctx)
	}
}
