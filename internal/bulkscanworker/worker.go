// Package bulkscanworker implements the bounded, cancellable execution
// engine a Worker stands up once per bulk scan: a fixed goroutine pool
// sized by scanConfig.parallelScanThreads, one-time bulk-scoped
// setup/teardown of the scan function, and cancellable futures that
// support partial-result retrieval on timeout.
package bulkscanworker

import (
	"context"
	"fmt"
	"sync"

	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/scanfunc"
)

type task struct {
	target scan.ScanTarget
	ctx    context.Context
	future *Future
}

// BulkScanWorker executes scan jobs belonging to a single bulk scan. It is
// created lazily on first job and evicted by its owning pool once idle —
// see internal/worker for that lifecycle.
type BulkScanWorker struct {
	bulkScanID string
	cfg        scan.ScanConfig
	fn         scanfunc.ScanFunction

	tasks    chan task
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New starts cfg.Threads() goroutines and runs fn.Setup once before any of
// them begin pulling work.
func New(ctx context.Context, bulkScanID string, cfg scan.ScanConfig, fn scanfunc.ScanFunction) (*BulkScanWorker, error) {
	if err := fn.Setup(ctx, cfg); err != nil {
		return nil, fmt.Errorf("bulk scan worker setup: %w", err)
	}

	w := &BulkScanWorker{
		bulkScanID: bulkScanID,
		cfg:        cfg,
		fn:         fn,
		tasks:      make(chan task),
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < cfg.Threads(); i++ {
		w.wg.Add(1)
		go w.loop()
	}

	return w, nil
}

func (w *BulkScanWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			w.runOne(t)
		}
	}
}

func (w *BulkScanWorker) runOne(t task) {
	result, err := w.fn.Execute(t.ctx, t.target, t.future.reportPartial)
	t.future.finish(result, err)
}

// Submit hands one target to the pool and returns a Future the caller can
// Await with a timeout, Cancel, and retrieve a Partial() result from.
func (w *BulkScanWorker) Submit(parent context.Context, target scan.ScanTarget) *Future {
	ctx, cancel := context.WithCancel(parent)
	f := newFuture(cancel)

	select {
	case w.tasks <- task{target: target, ctx: ctx, future: f}:
	case <-w.stopCh:
		cancel()
		f.finish(nil, fmt.Errorf("bulk scan worker stopped"))
	}

	return f
}

// Stop tears down the pool and runs fn.Teardown once. Safe to call more
// than once.
func (w *BulkScanWorker) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		close(w.tasks)
		w.wg.Wait()
		err = w.fn.Teardown(ctx)
	})
	return err
}
