package controller

import (
	"context"
	"fmt"

	"github.com/scancore/crawler/internal/denylist"
	"github.com/scancore/crawler/internal/domain/scan"
	"github.com/scancore/crawler/internal/jobs"
	"github.com/scancore/crawler/internal/targetlist"
)

// AdminOps adapts Controller to the two control-plane job types the
// admin API and scheduler can enqueue: triggering an ad-hoc bulk scan and
// reprocessing a bulk scan's dead jobs. It supplies the defaults a
// trigger payload is allowed to omit.
type AdminOps struct {
	ctrl                    *Controller
	defaultTargetListPath   string
	defaultResultCollection string
	denylist                *denylist.List
}

func NewAdminOps(ctrl *Controller, defaultTargetListPath, defaultResultCollection string, deny *denylist.List) *AdminOps {
	return &AdminOps{
		ctrl:                    ctrl,
		defaultTargetListPath:   defaultTargetListPath,
		defaultResultCollection: defaultResultCollection,
		denylist:                deny,
	}
}

// TriggerBulkScan is the control-plane job handler for
// jobs.TypeTriggerBulkScan.
func (a *AdminOps) TriggerBulkScan(ctx context.Context, p jobs.TriggerBulkScanPayload) error {
	targetListPath := p.TargetListPath
	if targetListPath == "" {
		targetListPath = a.defaultTargetListPath
	}
	resultCollection := p.ResultCollection
	if resultCollection == "" {
		resultCollection = a.defaultResultCollection
	}

	cfg := Config{
		Name: p.Name,
		ScanConfig: scan.ScanConfig{
			TimeoutMillis:       p.TimeoutMillis,
			Reexecutions:        p.Reexecutions,
			ParallelScanThreads: p.ParallelScanThreads,
			ResultCollection:    resultCollection,
		},
		Targets:  targetlist.NewFileProvider(targetListPath),
		Denylist: a.denylist,
	}

	_, err := a.ctrl.PublishBulkScan(ctx, cfg)
	if err != nil {
		return fmt.Errorf("trigger bulk scan %q: %w", p.Name, err)
	}
	return nil
}

// ReprocessDeadScanJobs is the control-plane job handler for
// jobs.TypeReprocessDeadScanJobs.
func (a *AdminOps) ReprocessDeadScanJobs(ctx context.Context, p jobs.ReprocessDeadScanJobsPayload) error {
	_, err := a.ctrl.ReprocessDeadJobs(ctx, p.BulkScanID)
	if err != nil {
		return fmt.Errorf("reprocess dead jobs for %q: %w", p.BulkScanID, err)
	}
	return nil
}
