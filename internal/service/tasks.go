// Package service orchestrates task writes, lifecycle event enqueueing, and
// cache consistency. It is the only component allowed to mutate task rows.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tasktrack/internal/cache"
	"tasktrack/internal/models"
	"tasktrack/internal/store"
	"tasktrack/internal/telemetry"
)

// Error taxonomy. Write paths normalize store and queue failures into
// ErrOperationFailed; identity-bearing errors pass through so callers can
// branch on them.
var (
	ErrNotFound        = store.ErrNotFound
	ErrUnauthorized    = errors.New("actor may not modify this task")
	ErrInvalidStatus   = errors.New("unrecognized status")
	ErrInvalidPriority = errors.New("unrecognized priority")
	ErrInvalidAction   = errors.New("unknown batch action")
	ErrOperationFailed = errors.New("operation failed")
)

// Queue is the producer-side surface of the event queue.
type Queue interface {
	Enqueue(ctx context.Context, job models.Job) error
	EnqueueBulk(ctx context.Context, jobs []models.Job) error
}

// Service is the task lifecycle service.
type Service struct {
	store       store.TaskStore
	queue       Queue
	cache       *cache.Cache
	maxAttempts int
	log         zerolog.Logger
}

func New(st store.TaskStore, q Queue, c *cache.Cache, maxAttempts int, log zerolog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{store: st, queue: q, cache: c, maxAttempts: maxAttempts, log: log}
}

// CreateTaskInput carries the caller-supplied fields for a new task.
type CreateTaskInput struct {
	Title       string
	Description string
	Priority    models.Priority
	DueDate     *time.Time
	UserID      string
}

// CreateTask inserts a task and enqueues a status-update event carrying the
// initial status.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (models.Task, error) {
	if in.Priority != "" && !in.Priority.Valid() {
		return models.Task{}, ErrInvalidPriority
	}

	var task models.Task
	err := s.store.WithTx(ctx, func(tx store.TaskStore) error {
		var err error
		task, err = tx.Create(ctx, store.CreateTaskParams{
			Title:       in.Title,
			Description: in.Description,
			Status:      models.StatusPending,
			Priority:    in.Priority,
			DueDate:     in.DueDate,
			UserID:      in.UserID,
		})
		return err
	})
	if err != nil {
		s.log.Error().Err(err).Msg("create task failed")
		return models.Task{}, ErrOperationFailed
	}

	// Invalidate before enqueueing: the row is committed, so the cache must
	// not outlive it even if the enqueue below fails.
	s.invalidate(ctx, task.ID)
	if err := s.enqueue(ctx, models.NewStatusUpdate(task.ID, task.Status, s.maxAttempts)); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// GetTask reads a task, serving from cache when possible.
func (s *Service) GetTask(ctx context.Context, id string) (models.Task, error) {
	key := cache.TaskKey(id)
	var task models.Task
	if s.cache.Get(ctx, key, &task) {
		return task, nil
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Task{}, ErrNotFound
		}
		s.log.Error().Err(err).Str("task_id", id).Msg("get task failed")
		return models.Task{}, ErrOperationFailed
	}
	s.cache.Set(ctx, key, task)
	return task, nil
}

// TaskPage is a cached page of a filtered listing.
type TaskPage struct {
	Tasks []models.Task `json:"tasks"`
	Total int           `json:"total"`
}

// ListTasks returns one page of tasks matching the filter, cache-aside.
func (s *Service) ListTasks(ctx context.Context, f store.QueryFilter, page, limit int) (TaskPage, error) {
	var status models.Status
	if f.Status != nil {
		status = *f.Status
	}
	var priority models.Priority
	if f.Priority != nil {
		priority = *f.Priority
	}
	key := cache.ListKey(status, priority, page, limit)

	var cached TaskPage
	if f.UserID == "" && s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	tasks, total, err := s.store.Query(ctx, f, page, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list tasks failed")
		return TaskPage{}, ErrOperationFailed
	}
	result := TaskPage{Tasks: tasks, Total: total}
	if f.UserID == "" {
		s.cache.Set(ctx, key, result)
	}
	return result, nil
}

// Stats returns per-status task counts, cache-aside.
func (s *Service) Stats(ctx context.Context) (map[models.Status]int, error) {
	var cached map[models.Status]int
	if s.cache.Get(ctx, cache.StatsKey, &cached) {
		return cached, nil
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("stats failed")
		return nil, ErrOperationFailed
	}
	s.cache.Set(ctx, cache.StatsKey, counts)
	return counts, nil
}

// UpdateTask applies a field patch. No lifecycle event: status is not part of
// the patch surface.
func (s *Service) UpdateTask(ctx context.Context, id string, p store.UpdateTaskParams) (models.Task, error) {
	if p.Priority != nil && !p.Priority.Valid() {
		return models.Task{}, ErrInvalidPriority
	}
	var task models.Task
	err := s.store.WithTx(ctx, func(tx store.TaskStore) error {
		var err error
		task, err = tx.Update(ctx, id, p)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Task{}, ErrNotFound
		}
		s.log.Error().Err(err).Str("task_id", id).Msg("update task failed")
		return models.Task{}, ErrOperationFailed
	}
	s.invalidate(ctx, id)
	return task, nil
}

// ChangeStatus transitions a task and enqueues exactly one status-update
// event when the status actually changed. Setting the current status again is
// a no-op with no event, which is what makes redelivered jobs idempotent.
func (s *Service) ChangeStatus(ctx context.Context, id string, status models.Status) (models.Task, error) {
	if !status.Valid() {
		return models.Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var task models.Task
	var changed bool
	err := s.store.WithTx(ctx, func(tx store.TaskStore) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == status {
			task = current
			return nil
		}
		task, err = tx.UpdateStatus(ctx, id, status)
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Task{}, ErrNotFound
		}
		s.log.Error().Err(err).Str("task_id", id).Msg("change status failed")
		return models.Task{}, ErrOperationFailed
	}
	if !changed {
		return task, nil
	}

	s.invalidate(ctx, id)
	if err := s.enqueue(ctx, models.NewStatusUpdate(id, status, s.maxAttempts)); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// DeleteTask removes a task.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	err := s.store.WithTx(ctx, func(tx store.TaskStore) error {
		return tx.Delete(ctx, id)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		s.log.Error().Err(err).Str("task_id", id).Msg("delete task failed")
		return ErrOperationFailed
	}
	s.invalidate(ctx, id)
	return nil
}

// Batch actions.
const (
	ActionComplete = "complete"
	ActionDelete   = "delete"
)

// ItemResult is the per-id outcome of a batch operation.
type ItemResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BatchApply applies one action to each id under a single outer transaction.
// Per-item failures (not found, unauthorized, unknown action) are captured in
// the result entry for that id; only a failure of the transaction itself
// aborts the whole batch and rolls every item back.
func (s *Service) BatchApply(ctx context.Context, ids []string, action string, actor models.Actor) ([]ItemResult, error) {
	results := make([]ItemResult, 0, len(ids))
	var events []models.Job

	err := s.store.WithTx(ctx, func(tx store.TaskStore) error {
		for _, id := range ids {
			res := ItemResult{ID: id}
			current, err := tx.Get(ctx, id)
			if err != nil {
				res.Error = itemError(err)
				results = append(results, res)
				continue
			}
			if !actor.CanModify(current) {
				res.Error = ErrUnauthorized.Error()
				results = append(results, res)
				continue
			}

			switch action {
			case ActionComplete:
				if current.Status != models.StatusCompleted {
					if _, err := tx.UpdateStatus(ctx, id, models.StatusCompleted); err != nil {
						res.Error = itemError(err)
						results = append(results, res)
						continue
					}
					events = append(events, models.NewStatusUpdate(id, models.StatusCompleted, s.maxAttempts))
				}
				res.OK = true
			case ActionDelete:
				if err := tx.Delete(ctx, id); err != nil {
					res.Error = itemError(err)
					results = append(results, res)
					continue
				}
				res.OK = true
			default:
				res.Error = ErrInvalidAction.Error()
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("batch transaction failed")
		return nil, ErrOperationFailed
	}

	if len(events) > 0 {
		if err := s.queue.EnqueueBulk(ctx, events); err != nil {
			// The item writes are already committed; the events for this
			// batch are lost. See the delivery-model note in DESIGN.md.
			telemetry.EnqueueFailures.Inc()
			s.log.Error().Err(err).Int("events", len(events)).Msg("bulk enqueue failed after commit")
		} else {
			telemetry.EventsEnqueued.Add(float64(len(events)))
		}
	}
	s.invalidate(ctx, ids...)
	return results, nil
}

// enqueue pushes one lifecycle event, normalizing failures. The task write is
// already committed at this point; a lost event is logged and counted.
func (s *Service) enqueue(ctx context.Context, job models.Job) error {
	if err := s.queue.Enqueue(ctx, job); err != nil {
		telemetry.EnqueueFailures.Inc()
		s.log.Error().Err(err).Str("task_id", job.TaskID).Str("kind", string(job.Kind)).Msg("enqueue failed after commit")
		return ErrOperationFailed
	}
	telemetry.EventsEnqueued.Inc()
	return nil
}

// invalidate drops the single-entity keys, every list key, and the stats key.
// List membership depends on filters, so lists can only be cleared by prefix.
func (s *Service) invalidate(ctx context.Context, ids ...string) {
	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, cache.StatsKey)
	for _, id := range ids {
		keys = append(keys, cache.TaskKey(id))
	}
	s.cache.Delete(ctx, keys...)
	s.cache.DeleteByPrefix(ctx, cache.ListPrefix)
}

func itemError(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound.Error()
	}
	return err.Error()
}
