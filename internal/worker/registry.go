package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrCanceledByUser is the cancel cause recorded for a requested cancellation.
var ErrCanceledByUser = errors.New("canceled by user")

// Registry tracks the cancel funcs of running jobs. It is shared by all
// workers of a dispatcher.
type Registry struct {
	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{running: make(map[string]context.CancelCauseFunc)}
}

func (r *Registry) register(jobID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[jobID] = cancel
}

func (r *Registry) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
}

// Cancel signals the running job and reports whether one was found.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		cancel(ErrCanceledByUser)
	}
	return ok
}

// Running reports whether jobID is currently being processed.
func (r *Registry) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[jobID]
	return ok
}
