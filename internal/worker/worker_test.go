package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-importer/internal/importer"
	"github.com/JakeFAU/review-importer/internal/queue"
	"github.com/JakeFAU/review-importer/internal/queue/memory"
	storemem "github.com/JakeFAU/review-importer/internal/storage/memory"
)

// fakeRunner records jobs and can block until canceled.
type fakeRunner struct {
	mu      sync.Mutex
	jobs    []string
	block   bool
	started chan struct{}
	result  importer.Counters
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, job importer.Job) (importer.Counters, error) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job.ID)
	r.mu.Unlock()
	if r.started != nil {
		close(r.started)
	}
	if r.block {
		<-ctx.Done()
		return importer.Counters{}, ctx.Err()
	}
	return r.result, r.err
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.jobs...)
}

func createJob(t *testing.T, jobs *storemem.JobStore, id string, status importer.JobStatus) {
	t.Helper()
	require.NoError(t, jobs.CreateJob(context.Background(), importer.Job{ID: id, Owner: "u", Status: status}))
}

func TestWorkerRunsQueuedJobs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memory.NewQueue(4)
	jobs := storemem.NewJobStore()
	createJob(t, jobs, "job-1", importer.JobStatusQueued)
	createJob(t, jobs, "job-2", importer.JobStatusQueued)
	runner := &fakeRunner{result: importer.Counters{Total: 1, Imported: 1}}

	w := New(q, jobs, runner, nil, Config{}, zap.NewNop())
	go w.Run(ctx)

	require.NoError(t, q.Enqueue(ctx, importer.QueueItem{JobID: "job-1"}))
	require.NoError(t, q.Enqueue(ctx, importer.QueueItem{JobID: "job-2"}))

	require.Eventually(t, func() bool {
		return len(runner.ran()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"job-1", "job-2"}, runner.ran())
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(q, storemem.NewJobStore(), &fakeRunner{}, nil, Config{}, zap.NewNop())
	require.NoError(t, q.Close())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue closed")
	}
}

func TestProcessJobSkipsTerminalJobs(t *testing.T) {
	t.Parallel()

	jobs := storemem.NewJobStore()
	createJob(t, jobs, "done", importer.JobStatusCanceled)
	item := importer.QueueItem{JobID: "done", DeliveryTag: 7}

	q := &queue.MockQueue{}
	q.On("Ack", mock.Anything, item).Return(nil).Once()
	runner := &fakeRunner{}

	w := New(q, jobs, runner, nil, Config{}, zap.NewNop())
	w.processJob(context.Background(), item)

	require.Empty(t, runner.ran())
	q.AssertExpectations(t)
}

func TestProcessJobAcksUnknownJobs(t *testing.T) {
	t.Parallel()

	item := importer.QueueItem{JobID: "ghost"}
	q := &queue.MockQueue{}
	q.On("Ack", mock.Anything, item).Return(nil).Once()

	w := New(q, storemem.NewJobStore(), &fakeRunner{}, nil, Config{}, zap.NewNop())
	w.processJob(context.Background(), item)
	q.AssertExpectations(t)
}

func TestProcessJobAcksAfterRunError(t *testing.T) {
	t.Parallel()

	jobs := storemem.NewJobStore()
	createJob(t, jobs, "job-1", importer.JobStatusQueued)
	item := importer.QueueItem{JobID: "job-1", DeliveryTag: 3}

	q := &queue.MockQueue{}
	q.On("Ack", mock.Anything, item).Return(errors.New("channel closed")).Once()
	runner := &fakeRunner{err: importer.ErrJobSetup}

	w := New(q, jobs, runner, nil, Config{}, zap.NewNop())
	w.processJob(context.Background(), item)

	require.Equal(t, []string{"job-1"}, runner.ran())
	q.AssertExpectations(t)
}

func TestProcessJobCanceledByUserIsAcked(t *testing.T) {
	t.Parallel()

	jobs := storemem.NewJobStore()
	createJob(t, jobs, "job-1", importer.JobStatusQueued)
	item := importer.QueueItem{JobID: "job-1"}

	q := &queue.MockQueue{}
	q.On("Ack", mock.Anything, item).Return(nil).Once()
	runner := &fakeRunner{block: true, started: make(chan struct{})}
	registry := NewRegistry()

	w := New(q, jobs, runner, registry, Config{}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.processJob(context.Background(), item)
		close(done)
	}()

	<-runner.started
	require.True(t, registry.Running("job-1"))
	require.True(t, registry.Cancel("job-1"))
	<-done

	require.False(t, registry.Running("job-1"))
	q.AssertExpectations(t)
}

func TestProcessJobShutdownLeavesJobForRedelivery(t *testing.T) {
	t.Parallel()

	jobs := storemem.NewJobStore()
	createJob(t, jobs, "job-1", importer.JobStatusQueued)
	require.NoError(t, jobs.UpdateJobStatus(context.Background(), "job-1", importer.JobStatusRunning, "",
		importer.Counters{Total: 3, Imported: 3}))

	q := &queue.MockQueue{}
	runner := &fakeRunner{block: true, started: make(chan struct{})}

	w := New(q, jobs, runner, nil, Config{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.processJob(ctx, importer.QueueItem{JobID: "job-1"})
		close(done)
	}()

	<-runner.started
	cancel()
	<-done

	job, err := jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, importer.JobStatusQueued, job.Status)
	require.Zero(t, job.Counters.Total)
	q.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
}
