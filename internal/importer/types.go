package importer

import (
	"time"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

// JobStatus represents the lifecycle state of an import job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Pending reports whether the job has not reached a terminal state.
func (s JobStatus) Pending() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Terminal reports whether no further transitions happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Counters tracks per-row outcomes of one job.
type Counters struct {
	Total    int      `json:"total"`
	Skipped  int      `json:"skipped"`
	Imported int      `json:"imported"`
	Failed   []string `json:"failed"`
}

// Clone returns a deep copy so stores never alias the failed list.
func (c Counters) Clone() Counters {
	out := c
	out.Failed = append([]string{}, c.Failed...)
	return out
}

// Balanced reports whether every counted row has exactly one outcome.
func (c Counters) Balanced() bool {
	return c.Total == c.Skipped+c.Imported+len(c.Failed)
}

// Job is the metadata persisted for each uploaded file.
type Job struct {
	ID         string             `json:"id"`
	Owner      string             `json:"owner"`
	Visibility catalog.Visibility `json:"visibility"`
	File       string             `json:"file"`
	Status     JobStatus          `json:"status"`
	Counters   Counters           `json:"counters"`
	ErrorText  string             `json:"error_text,omitempty"`
	Submitted  time.Time          `json:"submitted_at"`
	Started    *time.Time         `json:"started_at,omitempty"`
	Finished   *time.Time         `json:"finished_at,omitempty"`
}

// StatusRecord is the view of a job shown to its owner.
type StatusRecord struct {
	JobID      string             `json:"job_id"`
	Status     JobStatus          `json:"status"`
	Pending    bool               `json:"pending"`
	File       string             `json:"file"`
	Visibility catalog.Visibility `json:"visibility"`
	Total      int                `json:"total"`
	Skipped    int                `json:"skipped"`
	Imported   int                `json:"imported"`
	Failed     []string           `json:"failed"`
	Error      string             `json:"error,omitempty"`
}

// Record builds the owner-facing status view.
func (j Job) Record() StatusRecord {
	failed := j.Counters.Failed
	if failed == nil {
		failed = []string{}
	}
	return StatusRecord{
		JobID:      j.ID,
		Status:     j.Status,
		Pending:    j.Status.Pending(),
		File:       j.File,
		Visibility: j.Visibility,
		Total:      j.Counters.Total,
		Skipped:    j.Counters.Skipped,
		Imported:   j.Counters.Imported,
		Failed:     append([]string{}, failed...),
		Error:      j.ErrorText,
	}
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string `json:"job_id"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
	// DeliveryTag identifies a broker delivery for acknowledgement.
	DeliveryTag uint64 `json:"-"`
}
