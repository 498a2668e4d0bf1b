package scan

import (
	"errors"
	"time"
)

var ErrBulkScanNotFound = errors.New("bulk scan not found")

// ScanConfig carries probe-specific knobs plus the two timing fields every
// probe needs: how long a single job may run before being interrupted, and
// how many times a failed job should be retried before giving up.
type ScanConfig struct {
	Detail            string `json:"detail"`
	TimeoutMillis      int64  `json:"timeoutMillis"`
	Reexecutions       int    `json:"reexecutions"`
	ParallelScanThreads int   `json:"parallelScanThreads"`
	ResultCollection   string `json:"resultCollection"`
}

func (c ScanConfig) Timeout() time.Duration {
	if c.TimeoutMillis <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c ScanConfig) Threads() int {
	if c.ParallelScanThreads <= 0 {
		return 4
	}
	return c.ParallelScanThreads
}

// JobCounters tracks jobsCompleted broken down by terminal status, so a
// bulk scan can be finalized the instant sum(counters) == jobTotal without
// a second pass over storage.
type JobCounters struct {
	Success          int64 `json:"success"`
	Error            int64 `json:"error"`
	Interrupted      int64 `json:"interrupted"`
	InternalError    int64 `json:"internalError"`
	ResolutionError  int64 `json:"resolutionError"`
	Denylisted       int64 `json:"denylisted"`
	Unresolvable     int64 `json:"unresolvable"`
	Cancelled        int64 `json:"cancelled"`
}

func (c *JobCounters) Add(status JobStatus) {
	switch status {
	case StatusSuccess:
		c.Success++
	case StatusError:
		c.Error++
	case StatusInterrupted:
		c.Interrupted++
	case StatusInternalError:
		c.InternalError++
	case StatusResolutionError:
		c.ResolutionError++
	case StatusDenylisted:
		c.Denylisted++
	case StatusUnresolvable:
		c.Unresolvable++
	case StatusCancelled:
		c.Cancelled++
	}
}

func (c JobCounters) Total() int64 {
	return c.Success + c.Error + c.Interrupted + c.InternalError +
		c.ResolutionError + c.Denylisted + c.Unresolvable + c.Cancelled
}

// BulkScan is a single invocation of the controller: a named run over a
// target list with one ScanConfig, tracked until every job it spawned has
// reached a terminal status.
type BulkScan struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	ScanConfig     ScanConfig  `json:"scanConfig"`
	StartTime      time.Time   `json:"startTime"`
	EndTime        *time.Time  `json:"endTime,omitempty"`
	JobTotal       int64       `json:"jobTotal"`
	JobsCompleted  JobCounters `json:"jobsCompleted"`
	Monitored      bool        `json:"monitored"`
	Finished       bool        `json:"finished"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

func (b BulkScan) Done() bool {
	return b.JobsCompleted.Total() >= b.JobTotal
}
