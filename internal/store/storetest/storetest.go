// Package storetest provides an in-memory TaskStore for tests that exercise
// the service, scanner, and worker without Postgres.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tasktrack/internal/models"
	"tasktrack/internal/store"
)

// Store is a map-backed store.TaskStore. WithTx snapshots state and restores
// it when the callback errors, mimicking a rollback.
type Store struct {
	mu          sync.Mutex
	tasks       map[string]models.Task
	deadLetters []models.DeadLetter

	// ListOverdueCalls counts batch fetches for scanner pagination tests.
	ListOverdueCalls int
}

func New() *Store {
	return &Store{tasks: make(map[string]models.Task)}
}

// Seed inserts a task directly, bypassing Create defaults.
func (s *Store) Seed(t models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	s.tasks[t.ID] = t
}

func (s *Store) Create(_ context.Context, p store.CreateTaskParams) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	if p.Priority == "" {
		p.Priority = models.PriorityMedium
	}
	now := time.Now().UTC()
	t := models.Task{
		ID:          uuid.New().String(),
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		Priority:    p.Priority,
		DueDate:     p.DueDate,
		UserID:      p.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) Get(_ context.Context, id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) Update(_ context.Context, id string, p store.UpdateTaskParams) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, store.ErrNotFound
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.DueDate != nil {
		t.DueDate = p.DueDate
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return t, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status models.Status) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, store.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return t, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *Store) Query(_ context.Context, f store.QueryFilter, page, limit int) ([]models.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	var matched []models.Task
	for _, t := range s.tasks {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Priority != nil && t.Priority != *f.Priority {
			continue
		}
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[models.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *Store) overdue(before time.Time, status models.Status) []models.Task {
	var matched []models.Task
	for _, t := range s.tasks {
		if t.Status == status && t.DueDate != nil && t.DueDate.Before(before) {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DueDate.Equal(*matched[j].DueDate) {
			return matched[i].DueDate.Before(*matched[j].DueDate)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

func (s *Store) CountOverdue(_ context.Context, before time.Time, status models.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overdue(before, status)), nil
}

func (s *Store) ListOverdue(_ context.Context, before time.Time, status models.Status, offset, limit int) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListOverdueCalls++
	matched := s.overdue(before, status)
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.TaskStore) error) error {
	s.mu.Lock()
	snapshot := make(map[string]models.Task, len(s.tasks))
	for k, v := range s.tasks {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.tasks = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) InsertDeadLetter(_ context.Context, dl models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.deadLetters) {
		limit = len(s.deadLetters)
	}
	out := make([]models.DeadLetter, limit)
	copy(out, s.deadLetters[len(s.deadLetters)-limit:])
	return out, nil
}
