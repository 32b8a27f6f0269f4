package store

import (
	"context"
	"errors"
	"time"

	"tasktrack/internal/models"
)

// ErrNotFound is returned when the requested task does not exist.
var ErrNotFound = errors.New("task not found")

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	Title       string
	Description string
	Status      models.Status
	Priority    models.Priority
	DueDate     *time.Time
	UserID      string
}

// UpdateTaskParams is a field patch; nil members leave the column untouched.
type UpdateTaskParams struct {
	Title       *string
	Description *string
	Priority    *models.Priority
	DueDate     *time.Time
}

// QueryFilter narrows task listings.
type QueryFilter struct {
	Status   *models.Status
	Priority *models.Priority
	UserID   string
}

// TaskStore is the persistence contract for task records. Mutations invoked
// through the store handed to a WithTx callback share one transaction, so a
// task write and its siblings commit or roll back together.
type TaskStore interface {
	Create(ctx context.Context, p CreateTaskParams) (models.Task, error)
	Get(ctx context.Context, id string) (models.Task, error)
	Update(ctx context.Context, id string, p UpdateTaskParams) (models.Task, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) (models.Task, error)
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, f QueryFilter, page, limit int) ([]models.Task, int, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
	CountOverdue(ctx context.Context, before time.Time, status models.Status) (int, error)
	ListOverdue(ctx context.Context, before time.Time, status models.Status, offset, limit int) ([]models.Task, error)
	WithTx(ctx context.Context, fn func(tx TaskStore) error) error
}
