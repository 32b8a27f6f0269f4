package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tasktrack/internal/cache"
	"tasktrack/internal/models"
	"tasktrack/internal/queue"
	"tasktrack/internal/ratelimit"
	"tasktrack/internal/service"
	"tasktrack/internal/store/storetest"
)

type apiFixture struct {
	srv    *httptest.Server
	store  *storetest.Store
	client *redis.Client
}

func newAPIFixture(t *testing.T, limiter *ratelimit.TokenBucket) apiFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.New(client, 30*time.Second, time.Second, zerolog.Nop())
	c := cache.New(client, 300*time.Second, zerolog.Nop())
	st := storetest.New()
	svc := service.New(st, q, c, 3, zerolog.Nop())

	srv := httptest.NewServer(New(svc, st, limiter, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return apiFixture{srv: srv, store: st, client: client}
}

func (f apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateAndGetTask(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/tasks", map[string]any{
		"title":    "write report",
		"priority": "HIGH",
	}, map[string]string{"X-User-ID": "u1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[models.Task](t, resp)
	require.NotEmpty(t, created.ID)
	require.Equal(t, models.StatusPending, created.Status)
	require.Equal(t, models.PriorityHigh, created.Priority)
	require.Equal(t, "u1", created.UserID)

	resp = f.do(t, http.MethodGet, "/tasks/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Task](t, resp)
	require.Equal(t, created.ID, got.ID)
}

func TestCreateValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/tasks", map[string]any{"priority": "HIGH"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/tasks", map[string]any{"title": "x", "priority": "URGENT"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMissingTaskIs404(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/tasks/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChangeStatus(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.Seed(models.Task{ID: "t1", Title: "x", Status: models.StatusPending, Priority: models.PriorityMedium, UserID: "u1"})

	resp := f.do(t, http.MethodPatch, "/tasks/t1/status", map[string]string{"status": "IN_PROGRESS"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Task](t, resp)
	require.Equal(t, models.StatusInProgress, got.Status)

	resp = f.do(t, http.MethodPatch, "/tasks/t1/status", map[string]string{"status": "ARCHIVED"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdatePatchesFields(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.Seed(models.Task{ID: "t1", Title: "old", Description: "d", Status: models.StatusPending, Priority: models.PriorityMedium, UserID: "u1"})

	resp := f.do(t, http.MethodPatch, "/tasks/t1", map[string]string{"title": "new"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Task](t, resp)
	require.Equal(t, "new", got.Title)
	require.Equal(t, "d", got.Description)
}

func TestListWithFilters(t *testing.T) {
	f := newAPIFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.store.Seed(models.Task{ID: fmt.Sprintf("h%d", i), Title: "x", Status: models.StatusPending, Priority: models.PriorityHigh, UserID: "u1"})
	}
	f.store.Seed(models.Task{ID: "l1", Title: "x", Status: models.StatusCompleted, Priority: models.PriorityLow, UserID: "u2"})

	resp := f.do(t, http.MethodGet, "/tasks?priority=HIGH", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[map[string]any](t, resp)
	require.Equal(t, float64(3), page["total"])

	resp = f.do(t, http.MethodGet, "/tasks?status=COMPLETED&user_id=u2", nil, nil)
	page = decode[map[string]any](t, resp)
	require.Equal(t, float64(1), page["total"])

	resp = f.do(t, http.MethodGet, "/tasks?status=bogus", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.Seed(models.Task{ID: "t1", Title: "x", Status: models.StatusPending, Priority: models.PriorityMedium, UserID: "u1"})
	f.store.Seed(models.Task{ID: "t2", Title: "x", Status: models.StatusCompleted, Priority: models.PriorityMedium, UserID: "u1"})

	resp := f.do(t, http.MethodGet, "/tasks/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]int](t, resp)
	require.Equal(t, 1, stats["PENDING"])
	require.Equal(t, 1, stats["COMPLETED"])
}

func TestDeleteTask(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.Seed(models.Task{ID: "t1", Title: "x", Status: models.StatusPending, Priority: models.PriorityMedium, UserID: "u1"})

	resp := f.do(t, http.MethodDelete, "/tasks/t1", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/tasks/t1", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.Seed(models.Task{ID: "t1", Title: "x", Status: models.StatusPending, Priority: models.PriorityMedium, UserID: "u1"})

	resp := f.do(t, http.MethodPost, "/tasks/batch", map[string]any{
		"ids":    []string{"t1", "missing"},
		"action": "complete",
	}, map[string]string{"X-User-ID": "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Results []service.ItemResult `json:"results"`
	}](t, resp)
	require.Len(t, body.Results, 2)
	require.True(t, body.Results[0].OK)
	require.False(t, body.Results[1].OK)

	resp = f.do(t, http.MethodPost, "/tasks/batch", map[string]any{"action": "complete"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDLQEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.NoError(t, f.store.InsertDeadLetter(context.Background(), models.DeadLetter{
		JobID: "j1", Kind: models.KindStatusUpdate, Payload: []byte(`{}`), Reason: "boom", Attempts: 3, FailedAt: time.Now().UTC(),
	}))

	resp := f.do(t, http.MethodGet, "/dlq", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Items []models.DeadLetter `json:"items"`
	}](t, resp)
	require.Len(t, body.Items, 1)
	require.Equal(t, "j1", body.Items[0].JobID)
}

func TestPerUserRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(client, 2, 0.0001, time.Hour)

	f := newAPIFixture(t, limiter)

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodGet, "/tasks", nil, map[string]string{"X-User-ID": "u1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/tasks", nil, map[string]string{"X-User-ID": "u1"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// A different user has their own bucket.
	resp = f.do(t, http.MethodGet, "/tasks", nil, map[string]string{"X-User-ID": "u2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
