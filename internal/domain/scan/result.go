package scan

import (
	"encoding/json"
	"time"
)

// ScanResult is the terminal record of one ScanJobDescription's execution,
// keyed by the job's own id so re-delivery of the same job can overwrite
// (not duplicate) its result — persistence is id-idempotent.
type ScanResult struct {
	ID             string          `json:"id"`
	BulkScanID     string          `json:"bulkScanId"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         JobStatus       `json:"status"`
	Target         ScanTarget      `json:"target"`
	ResultDocument json.RawMessage `json:"resultDocument,omitempty"`
	Partial        bool            `json:"partial"`
}
