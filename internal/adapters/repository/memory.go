package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/okian/formlab/internal/domain/model"
)

// entry publishes an immutable snapshot of one task. Writers serialize on
// mu; readers only load the pointer.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[model.Task]
}

// MemoryTaskStore keeps tasks in process memory.
type MemoryTaskStore struct {
	opts options

	mu     sync.RWMutex
	byID   map[string]*entry
	closed atomic.Bool
}

// NewMemoryTaskStore constructs an empty in-memory store.
func NewMemoryTaskStore(opts ...Option) *MemoryTaskStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryTaskStore{opts: o, byID: make(map[string]*entry)}
}

// Create implements TaskStore.Create.
func (s *MemoryTaskStore) Create(_ context.Context, t *model.Task) error {
	if s.closed.Load() {
		return ErrClosed
	}
	e := &entry{}
	e.snap.Store(t.Clone())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, t.ID)
	}
	s.byID[t.ID] = e
	s.evictLocked()
	return nil
}

// Get implements TaskStore.Get.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snap.Load().Clone(), nil
}

// Update implements TaskStore.Update.
func (s *MemoryTaskStore) Update(_ context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.snap.Load().Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.UpdatedAt = s.opts.now().UTC()
	e.snap.Store(next)
	return next.Clone(), nil
}

// List implements TaskStore.List.
func (s *MemoryTaskStore) List(_ context.Context, limit int) ([]*model.Task, error) {
	s.mu.RLock()
	out := make([]*model.Task, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.snap.Load().Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements TaskStore.Close.
func (s *MemoryTaskStore) Close() error {
	s.closed.Store(true)
	return nil
}

// evictLocked drops the oldest finished tasks beyond maxTasks.
func (s *MemoryTaskStore) evictLocked() {
	if s.opts.maxTasks <= 0 || len(s.byID) <= s.opts.maxTasks {
		return
	}
	var done []*model.Task
	for _, e := range s.byID {
		if t := e.snap.Load(); t.Status.Terminal() {
			done = append(done, t)
		}
	}
	sortNewestFirst(done)
	for i := len(done) - 1; i >= 0 && len(s.byID) > s.opts.maxTasks; i-- {
		delete(s.byID, done[i].ID)
	}
}

func sortNewestFirst(ts []*model.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID > ts[j].ID
		}
		return ts[i].CreatedAt.After(ts[j].CreatedAt)
	})
}
