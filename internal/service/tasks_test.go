package service

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tasktrack/internal/cache"
	"tasktrack/internal/models"
	"tasktrack/internal/queue"
	"tasktrack/internal/store"
	"tasktrack/internal/store/storetest"
)

type fixture struct {
	svc   *Service
	store *storetest.Store
	queue *queue.Queue
	cache *cache.Cache
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client, 30*time.Second, time.Second, zerolog.Nop())
	c := cache.New(client, 300*time.Second, zerolog.Nop())
	st := storetest.New()
	return fixture{
		svc:   New(st, q, c, 3, zerolog.Nop()),
		store: st,
		queue: q,
		cache: c,
	}
}

func (f fixture) readyDepth(t *testing.T) int64 {
	t.Helper()
	ready, _, _, err := f.queue.Depths(context.Background())
	require.NoError(t, err)
	return ready
}

func (f fixture) drainOne(t *testing.T) models.Job {
	t.Helper()
	job, raw, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, f.queue.Ack(context.Background(), raw))
	return *job
}

func filterPriority(p models.Priority) store.QueryFilter {
	return store.QueryFilter{Priority: &p}
}

// brokenQueue rejects every push, like Redis refusing writes under memory
// pressure while still serving reads.
type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, models.Job) error { return errors.New("OOM") }

func (brokenQueue) EnqueueBulk(context.Context, []models.Job) error { return errors.New("OOM") }

func newBrokenQueueFixture(t *testing.T) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.New(client, 300*time.Second, zerolog.Nop())
	st := storetest.New()
	return fixture{
		svc:   New(st, brokenQueue{}, c, 3, zerolog.Nop()),
		store: st,
		cache: c,
	}
}

func TestCreateTaskEnqueuesInitialEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "file taxes", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, task.Status)
	require.Equal(t, models.PriorityMedium, task.Priority)

	require.Equal(t, int64(1), f.readyDepth(t))
	job := f.drainOne(t)
	require.Equal(t, models.KindStatusUpdate, job.Kind)
	require.Equal(t, task.ID, job.TaskID)
	require.Equal(t, models.StatusPending, job.Status)
}

func TestChangeStatusEnqueuesExactlyOneEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "t", UserID: "u1"})
	require.NoError(t, err)
	f.drainOne(t) // creation event

	updated, err := f.svc.ChangeStatus(ctx, created.ID, models.StatusCompleted)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, updated.Status)

	require.Equal(t, int64(1), f.readyDepth(t))
	job := f.drainOne(t)
	require.Equal(t, models.KindStatusUpdate, job.Kind)
	require.Equal(t, created.ID, job.TaskID)
	require.Equal(t, models.StatusCompleted, job.Status)
}

func TestChangeStatusSameStatusIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "t", UserID: "u1"})
	require.NoError(t, err)
	f.drainOne(t)

	got, err := f.svc.ChangeStatus(ctx, created.ID, models.StatusPending)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, int64(0), f.readyDepth(t))
}

// The committed row must win over the cache even when the post-commit
// enqueue fails: the caller retries the event, not the read path.
func TestChangeStatusEnqueueFailureStillInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newBrokenQueueFixture(t)
	f.store.Seed(models.Task{ID: "t1", Title: "x", Status: models.StatusPending, Priority: models.PriorityMedium, UserID: "u1"})

	// Prime the entity cache.
	first, err := f.svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, first.Status)

	_, err = f.svc.ChangeStatus(ctx, "t1", models.StatusCompleted)
	require.ErrorIs(t, err, ErrOperationFailed)

	// The write committed before the enqueue failed.
	stored, err := f.store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, stored.Status)

	got, err := f.svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
}

func TestCreateTaskEnqueueFailureStillInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newBrokenQueueFixture(t)

	// Prime the stats cache with the empty store.
	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats[models.StatusPending])

	_, err = f.svc.CreateTask(ctx, CreateTaskInput{Title: "t", UserID: "u1"})
	require.ErrorIs(t, err, ErrOperationFailed)

	stats, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[models.StatusPending])
}

func TestChangeStatusNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ChangeStatus(context.Background(), "does-not-exist", models.StatusCompleted)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChangeStatusRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ChangeStatus(context.Background(), "any", models.Status("ARCHIVED"))
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestReadAfterWriteIsFresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "t", UserID: "u1"})
	require.NoError(t, err)
	f.drainOne(t)

	// Populate the cache through the read path.
	first, err := f.svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, first.Status)

	_, err = f.svc.ChangeStatus(ctx, created.ID, models.StatusInProgress)
	require.NoError(t, err)

	// The write invalidated the entity key, so this read must not be stale.
	second, err := f.svc.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, second.Status)
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "t", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteTask(ctx, created.ID))
	_, err = f.svc.GetTask(ctx, created.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, f.svc.DeleteTask(ctx, created.ID), ErrNotFound)
}

func TestBatchApplyCollectsPartialResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	actor := models.Actor{ID: "u1"}

	owned, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "mine", UserID: "u1"})
	require.NoError(t, err)
	f.drainOne(t)

	results, err := f.svc.BatchApply(ctx, []string{owned.ID, "missing"}, ActionComplete, actor)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.True(t, results[0].OK)
	require.Empty(t, results[0].Error)
	require.False(t, results[1].OK)
	require.Contains(t, results[1].Error, "not found")

	// The failed sibling did not roll back the successful item.
	got, err := f.svc.GetTask(ctx, owned.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)

	// One event for the one completed item.
	require.Equal(t, int64(1), f.readyDepth(t))
	job := f.drainOne(t)
	require.Equal(t, owned.ID, job.TaskID)
	require.Equal(t, models.StatusCompleted, job.Status)
}

func TestBatchApplyUnauthorizedItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	theirs, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "theirs", UserID: "u2"})
	require.NoError(t, err)
	f.drainOne(t)

	results, err := f.svc.BatchApply(ctx, []string{theirs.ID}, ActionComplete, models.Actor{ID: "u1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].OK)
	require.Equal(t, ErrUnauthorized.Error(), results[0].Error)

	got, err := f.svc.GetTask(ctx, theirs.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
}

func TestBatchApplyAdminBypassesOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	theirs, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "theirs", UserID: "u2"})
	require.NoError(t, err)
	f.drainOne(t)

	results, err := f.svc.BatchApply(ctx, []string{theirs.ID}, ActionDelete, models.Actor{ID: "ops", Role: models.RoleAdmin})
	require.NoError(t, err)
	require.True(t, results[0].OK)

	_, err = f.svc.GetTask(ctx, theirs.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

// An unknown action fails only its own item; siblings proceed.
func TestBatchApplyUnknownActionFailsItemOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owned, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "mine", UserID: "u1"})
	require.NoError(t, err)
	f.drainOne(t)

	results, err := f.svc.BatchApply(ctx, []string{owned.ID}, "archive", models.Actor{ID: "u1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].OK)
	require.Equal(t, ErrInvalidAction.Error(), results[0].Error)

	got, err := f.svc.GetTask(ctx, owned.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
}

func TestListTasksFiltersAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "t", Priority: models.PriorityHigh, UserID: "u1"})
		require.NoError(t, err)
	}
	_, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "t", Priority: models.PriorityLow, UserID: "u1"})
	require.NoError(t, err)

	high := models.PriorityHigh
	page, err := f.svc.ListTasks(ctx, filterPriority(high), 1, 10)
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Tasks, 3)

	// Second read is served from cache and stays consistent.
	again, err := f.svc.ListTasks(ctx, filterPriority(high), 1, 10)
	require.NoError(t, err)
	require.Equal(t, page.Total, again.Total)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateTask(ctx, CreateTaskInput{Title: "t", UserID: "u1"})
	require.NoError(t, err)
	f.drainOne(t)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[models.StatusPending])

	_, err = f.svc.ChangeStatus(ctx, created.ID, models.StatusCompleted)
	require.NoError(t, err)

	stats, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats[models.StatusPending])
	require.Equal(t, 1, stats[models.StatusCompleted])
}
