package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tasktrack/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same Store
// methods run pooled or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements TaskStore on Postgres.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, db: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithTx runs fn against a transaction-scoped store. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx TaskStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(&Store{pool: s.pool, db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const taskColumns = "id, title, description, status, priority, due_date, user_id, created_at, updated_at"

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.DueDate, &t.UserID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// Create inserts a task row.
func (s *Store) Create(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	if p.Status == "" {
		p.Status = models.StatusPending
	}
	if p.Priority == "" {
		p.Priority = models.PriorityMedium
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, due_date, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.Title, p.Description, p.Status, p.Priority, p.DueDate, p.UserID, now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}

	return models.Task{
		ID:          id,
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		Priority:    p.Priority,
		DueDate:     p.DueDate,
		UserID:      p.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get fetches a task by id.
func (s *Store) Get(ctx context.Context, id string) (models.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// Update applies a field patch; nil patch members leave columns unchanged.
func (s *Store) Update(ctx context.Context, id string, p UpdateTaskParams) (models.Task, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE tasks
		SET title = COALESCE($2, title),
		    description = COALESCE($3, description),
		    priority = COALESCE($4, priority),
		    due_date = COALESCE($5, due_date),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+taskColumns,
		id, p.Title, p.Description, (*string)(p.Priority), p.DueDate)
	return scanTask(row)
}

// UpdateStatus sets the status column.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.Status) (models.Task, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1
		RETURNING `+taskColumns, id, status)
	return scanTask(row)
}

// Delete removes a task row.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// buildFilter renders a WHERE clause for the filter, with placeholders
// starting at $1.
func buildFilter(f QueryFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.Priority != nil {
		add("priority", *f.Priority)
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns one page of tasks plus the unpaginated total.
func (s *Store) Query(ctx context.Context, f QueryFilter, page, limit int) ([]models.Task, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	where, args := buildFilter(f)

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	listArgs := append(args, limit, (page-1)*limit)
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM tasks%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)+1, len(args)+2), listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, total, nil
}

// CountByStatus returns per-status task counts for the stats endpoint.
func (s *Store) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountOverdue counts tasks past due before the cutoff in the given status.
func (s *Store) CountOverdue(ctx context.Context, before time.Time, status models.Status) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE due_date IS NOT NULL AND due_date < $1 AND status = $2
	`, before, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count overdue: %w", err)
	}
	return n, nil
}

// ListOverdue pages through overdue tasks with stable ordering so concurrent
// writes cannot reshuffle rows between batches of the same scan pass.
func (s *Store) ListOverdue(ctx context.Context, before time.Time, status models.Status, offset, limit int) ([]models.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE due_date IS NOT NULL AND due_date < $1 AND status = $2
		ORDER BY due_date, id
		LIMIT $3 OFFSET $4
	`, before, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// InsertDeadLetter appends a dead-letter row.
func (s *Store) InsertDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dead_letters (job_id, kind, payload, reason, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, dl.JobID, dl.Kind, dl.Payload, dl.Reason, dl.Attempts, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead-letter records.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	rows, err := s.db.Query(ctx, `
		SELECT job_id, kind, payload, reason, attempts, failed_at
		FROM dead_letters ORDER BY failed_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		if err := rows.Scan(&dl.JobID, &dl.Kind, &dl.Payload, &dl.Reason, &dl.Attempts, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
