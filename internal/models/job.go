package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobExpired    JobStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobExpired:
		return true
	}
	return false
}

// allowedFrom lists the source states each target may be entered from.
var allowedFrom = map[JobStatus][]JobStatus{
	JobProcessing: {JobPending},
	JobCompleted:  {JobProcessing},
	JobFailed:     {JobProcessing},
	JobCancelled:  {JobPending, JobProcessing},
	JobExpired:    {JobPending, JobProcessing},
}

// SourcesFor returns the states a job may be in to move to target.
func SourcesFor(target JobStatus) []JobStatus {
	return allowedFrom[target]
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Job struct {
	ID           int64            `json:"id"`
	UserID       int64            `json:"user_id"`
	Type         string           `json:"type"`
	Status       JobStatus        `json:"status"`
	Priority     int              `json:"priority"`
	Progress     int              `json:"progress"`
	Params       json.RawMessage  `json:"params"`
	ResultURL    *string          `json:"result_url,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	CostEstimate decimal.Decimal  `json:"cost_estimate"`
	CostActual   *decimal.Decimal `json:"cost_actual,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ExpiresAt    time.Time        `json:"expires_at"`
	MaxRuntime   int              `json:"max_runtime"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	CancelledBy  *int64           `json:"cancelled_by,omitempty"`
	CancelReason *string          `json:"cancel_reason,omitempty"`
	LockToken    *string          `json:"-"`
}

// ReservationRef is the ledger ref_id of the job's reservation and charge.
func (j *Job) ReservationRef() string { return JobRef(j.ID) }

// JobRef formats the ledger ref_id used for a job.
func JobRef(jobID int64) string { return fmt.Sprintf("job_%d", jobID) }

// MaxRuntimeDuration returns MaxRuntime as a duration.
func (j *Job) MaxRuntimeDuration() time.Duration {
	return time.Duration(j.MaxRuntime) * time.Second
}
