package scan

import (
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	StatusToBeExecuted     JobStatus = "TO_BE_EXECUTED"
	StatusResolutionError  JobStatus = "RESOLUTION_ERROR"
	StatusDenylisted       JobStatus = "DENYLISTED"
	StatusUnresolvable     JobStatus = "UNRESOLVABLE"
	StatusSuccess          JobStatus = "SUCCESS"
	StatusError            JobStatus = "ERROR"
	StatusInterrupted      JobStatus = "INTERRUPTED"
	StatusInternalError    JobStatus = "INTERNAL_ERROR"
	StatusSerializationErr JobStatus = "SERIALIZATION_ERROR"
	StatusCancelled        JobStatus = "CANCELLED"
)

// IsTerminal reports whether a job in this status will never transition
// again and should be counted towards a bulk scan's jobsCompleted total.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusInterrupted, StatusInternalError,
		StatusResolutionError, StatusDenylisted, StatusUnresolvable, StatusCancelled:
		return true
	default:
		return false
	}
}

var ErrJobNotFound = errors.New("scan job not found")

// ScanJobDescription is a single unit of dispatch work: one target,
// resolved against one bulk scan's config.
type ScanJobDescription struct {
	ID           string       `json:"id"`
	BulkScanID   string       `json:"bulkScanId"`
	ScanTarget   ScanTarget   `json:"scanTarget"`
	Status       JobStatus    `json:"status"`
	DeliveryTag  uint64       `json:"-"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Encode serializes a job description for placement on the orchestration
// bus's job destination.
func (j ScanJobDescription) Encode() ([]byte, error) {
	return json.Marshal(j)
}

func DecodeJobDescription(b []byte) (ScanJobDescription, error) {
	var j ScanJobDescription
	if err := json.Unmarshal(b, &j); err != nil {
		return ScanJobDescription{}, err
	}
	return j, nil
}

// DoneNotification is the message published to the bus's done destination
// once a ScanJobDescription has reached a terminal status.
type DoneNotification struct {
	JobID      string    `json:"jobId"`
	BulkScanID string    `json:"bulkScanId"`
	Status     JobStatus `json:"status"`
}

func (d DoneNotification) Encode() ([]byte, error) { return json.Marshal(d) }

func DecodeDoneNotification(b []byte) (DoneNotification, error) {
	var d DoneNotification
	if err := json.Unmarshal(b, &d); err != nil {
		return DoneNotification{}, err
	}
	return d, nil
}
