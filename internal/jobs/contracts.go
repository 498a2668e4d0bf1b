// Package jobs defines the payload contracts for the control-plane job
// queue: admin-triggered maintenance operations dispatched through
// domain/job.Job and executed by the queue/worker loop, distinct from the
// orchestration bus that dispatches ScanJobDescriptions to Workers.
package jobs

import (
	"encoding/json"
	"strings"
)

const (
	// TypeTriggerBulkScan asks the controller to start an ad-hoc bulk scan
	// outside its cron schedule.
	TypeTriggerBulkScan = "bulkscan.trigger"

	// TypeReprocessDeadScanJobs asks the controller to publish a fresh
	// ScanJobDescription for every ERROR or INTERNAL_ERROR result recorded
	// against a bulk scan.
	TypeReprocessDeadScanJobs = "bulkscan.reprocess_dead_jobs"
)

// TriggerBulkScanPayload names the bulk scan to start. TargetListPath and
// ResultCollection fall back to the controller's configured defaults when
// empty.
type TriggerBulkScanPayload struct {
	Name                string `json:"name"`
	TargetListPath      string `json:"targetListPath,omitempty"`
	ResultCollection    string `json:"resultCollection,omitempty"`
	TimeoutMillis       int64  `json:"timeoutMillis,omitempty"`
	Reexecutions        int    `json:"reexecutions,omitempty"`
	ParallelScanThreads int    `json:"parallelScanThreads,omitempty"`
	RequestedBy         string `json:"requestedBy"`
	RequestID           string `json:"requestId,omitempty"`
}

func (p TriggerBulkScanPayload) ToJSONRaw() (json.RawMessage, error) {
	return json.Marshal(p)
}

func (p TriggerBulkScanPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrInvalidJobPayload
	}
	return nil
}

// ReprocessDeadScanJobsPayload identifies the bulk scan whose errored jobs
// should be re-published.
type ReprocessDeadScanJobsPayload struct {
	BulkScanID  string `json:"bulkScanId"`
	RequestedBy string `json:"requestedBy"`
	RequestID   string `json:"requestId,omitempty"`
}

func (p ReprocessDeadScanJobsPayload) ToJSONRaw() (json.RawMessage, error) {
	return json.Marshal(p)
}

func (p ReprocessDeadScanJobsPayload) Validate() error {
	if strings.TrimSpace(p.BulkScanID) == "" {
		return ErrInvalidJobPayload
	}
	return nil
}

// DecodeTriggerBulkScan unmarshals a control-plane job's raw payload,
// given its Type has already been checked to be TypeTriggerBulkScan.
func DecodeTriggerBulkScan(raw []byte) (TriggerBulkScanPayload, error) {
	var p TriggerBulkScanPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, ErrInvalidJobPayload
	}
	return p, p.Validate()
}

// DecodeReprocessDeadScanJobs unmarshals a control-plane job's raw
// payload, given its Type has already been checked to be
// TypeReprocessDeadScanJobs.
func DecodeReprocessDeadScanJobs(raw []byte) (ReprocessDeadScanJobsPayload, error) {
	var p ReprocessDeadScanJobsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, ErrInvalidJobPayload
	}
	return p, p.Validate()
}
