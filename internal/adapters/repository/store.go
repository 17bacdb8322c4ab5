// Package repository persists training task records.
package repository

import (
	"context"

	"github.com/okian/formlab/internal/domain/model"
)

// TaskStore provides read/write access to training tasks. Implementations
// hand out copies, so callers may keep returned tasks.
type TaskStore interface {
	// Create stores a new task. Returns ErrExists for a duplicate id.
	Create(ctx context.Context, t *model.Task) error

	// Get returns a task by id. Returns ErrNotFound if the id is unknown.
	Get(ctx context.Context, id string) (*model.Task, error)

	// Update applies fn to the current record and stores the result.
	// An error from fn aborts the update and is returned as is.
	Update(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error)

	// List returns up to limit tasks, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*model.Task, error)

	// Close releases resources.
	Close() error
}
