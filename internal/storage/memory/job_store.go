package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/review-importer/internal/importer"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]importer.Job
	now  func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]importer.Job),
		now:  time.Now,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job importer.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", importer.ErrJobExists, job.ID)
	}
	job.Counters = job.Counters.Clone()
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status and counters for a job.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status importer.JobStatus,
	errText string,
	counters importer.Counters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", importer.ErrJobNotFound, jobID)
	}
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters.Clone()
	now := s.now().UTC()
	if status == importer.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if status.Terminal() && job.Finished == nil {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (importer.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return importer.Job{}, fmt.Errorf("%w: %s", importer.ErrJobNotFound, jobID)
	}
	job.Counters = job.Counters.Clone()
	return job, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
