package bulkscanworker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/scanfunc"
)

type fakeScanFunc struct {
	setupCalls    int
	teardownCalls int
	execute       func(ctx context.Context, target scan.ScanTarget, report scanfunc.PartialReporter) (json.RawMessage, error)
}

func (f *fakeScanFunc) Setup(ctx context.Context, cfg scan.ScanConfig) error {
	f.setupCalls++
	return nil
}

func (f *fakeScanFunc) Teardown(ctx context.Context) error {
	f.teardownCalls++
	return nil
}

func (f *fakeScanFunc) Execute(ctx context.Context, target scan.ScanTarget, report scanfunc.PartialReporter) (json.RawMessage, error) {
	return f.execute(ctx, target, report)
}

func TestBulkScanWorker_SubmitSuccess(t *testing.T) {
	fn := &fakeScanFunc{
		execute: func(ctx context.Context, target scan.ScanTarget, report scanfunc.PartialReporter) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}

	w, err := New(context.Background(), "bulk-1", scan.ScanConfig{ParallelScanThreads: 2}, fn)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Stop(context.Background())

	if fn.setupCalls != 1 {
		t.Fatalf("expected Setup called once, got %d", fn.setupCalls)
	}

	future := w.Submit(context.Background(), scan.ScanTarget{Hostname: "example.com"})

	doc, execErr, completed := future.Await(context.Background())
	if !completed {
		t.Fatalf("expected future to complete")
	}
	if execErr != nil {
		t.Fatalf("unexpected error: %v", execErr)
	}
	if string(doc) != `{"ok":true}` {
		t.Fatalf("unexpected doc: %s", doc)
	}
}

func TestBulkScanWorker_SubmitError(t *testing.T) {
	wantErr := errors.New("boom")
	fn := &fakeScanFunc{
		execute: func(ctx context.Context, target scan.ScanTarget, report scanfunc.PartialReporter) (json.RawMessage, error) {
			return nil, wantErr
		},
	}

	w, err := New(context.Background(), "bulk-1", scan.ScanConfig{}, fn)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Stop(context.Background())

	future := w.Submit(context.Background(), scan.ScanTarget{Hostname: "example.com"})

	_, execErr, completed := future.Await(context.Background())
	if !completed {
		t.Fatalf("expected future to complete")
	}
	if !errors.Is(execErr, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, execErr)
	}
}

func TestBulkScanWorker_CancelYieldsPartial(t *testing.T) {
	started := make(chan struct{})
	fn := &fakeScanFunc{
		execute: func(ctx context.Context, target scan.ScanTarget, report scanfunc.PartialReporter) (json.RawMessage, error) {
			report(json.RawMessage(`{"stage":"connecting"}`))
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	w, err := New(context.Background(), "bulk-1", scan.ScanConfig{}, fn)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer w.Stop(context.Background())

	future := w.Submit(context.Background(), scan.ScanTarget{Hostname: "example.com"})

	<-started
	future.Cancel()

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatalf("future never completed after cancel")
	}

	partial, ok := future.Partial()
	if !ok {
		t.Fatalf("expected a partial result")
	}
	if string(partial) != `{"stage":"connecting"}` {
		t.Fatalf("unexpected partial: %s", partial)
	}
}

func TestBulkScanWorker_StopRunsTeardownOnce(t *testing.T) {
	fn := &fakeScanFunc{
		execute: func(ctx context.Context, target scan.ScanTarget, report scanfunc.PartialReporter) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}

	w, err := New(context.Background(), "bulk-1", scan.ScanConfig{}, fn)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}

	if fn.teardownCalls != 1 {
		t.Fatalf("expected Teardown called once, got %d", fn.teardownCalls)
	}
}
