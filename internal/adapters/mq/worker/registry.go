package worker

import (
	"context"
	"sync"
)

// registry tracks cancel functions of running jobs and cancellations that
// arrived before a job started.
type registry struct {
	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
}

func newRegistry() *registry {
	return &registry{
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

// start derives the job context. ok is false when the job was cancelled
// while it waited in the queue.
func (r *registry) start(ctx context.Context, id string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled[id] {
		return ctx, false
	}
	jctx, cancel := context.WithCancel(ctx)
	r.running[id] = cancel
	return jctx, true
}

func (r *registry) finish(id string) (cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.running[id]; ok {
		cancel()
		delete(r.running, id)
	}
	cancelled = r.cancelled[id]
	delete(r.cancelled, id)
	return cancelled
}

// cancel stops a running job or marks a queued one so start refuses it.
// When the job already finished, the caller must forget the mark.
func (r *registry) cancel(id string) (running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[id] = true
	if cancel, ok := r.running[id]; ok {
		cancel()
		return true
	}
	return false
}

// forget drops a cancellation mark left for a job that will never start.
func (r *registry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; !ok {
		delete(r.cancelled, id)
	}
}

func (r *registry) size() (running, cancelled int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running), len(r.cancelled)
}
