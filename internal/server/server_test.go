package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/toolshelf/internal/cache"
	"github.com/ChuLiYu/toolshelf/internal/duplicate"
	"github.com/ChuLiYu/toolshelf/internal/jobmanager"
	"github.com/ChuLiYu/toolshelf/internal/metrics"
	"github.com/ChuLiYu/toolshelf/internal/queue"
	"github.com/ChuLiYu/toolshelf/internal/worker"
	"github.com/ChuLiYu/toolshelf/pkg/types"
)

type stubChecker struct {
	result duplicate.Result
	err    error

	mu        sync.Mutex
	forgotten []string
	forgotAll int
}

func (c *stubChecker) Forget(_ context.Context, rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, rawURL)
}

func (c *stubChecker) ForgetAll(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotAll++
}

func (c *stubChecker) Check(_ context.Context, rawURL string) (duplicate.Result, error) {
	if c.err != nil {
		return duplicate.Result{}, c.err
	}
	if _, err := duplicate.Normalize(rawURL); err != nil {
		return duplicate.Result{}, err
	}
	return c.result, nil
}

func newTestQueue(t *testing.T, fn worker.ProcessorFunc) *queue.Queue {
	t.Helper()
	var processor worker.Processor
	if fn != nil {
		processor = fn
	}
	store := jobmanager.NewJobManager(jobmanager.Config{})
	q := queue.New(store, worker.NewExecutor(processor, nil), queue.Config{DrainDelay: 5 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return q
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestScreenshotLifecycle(t *testing.T) {
	q := newTestQueue(t, func(_ context.Context, payload map[string]interface{}) ([]string, error) {
		return []string{"/screenshots/" + payload["tool_id"].(string) + ".png"}, nil
	})
	h := NewServer(q).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/screenshots", EnqueueRequest{URL: "https://figma.com", ToolID: "42"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var enq EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enq))
	require.NotEmpty(t, enq.JobID)

	var job JobResponse
	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/api/screenshots/"+string(enq.JobID), nil)
		if rec.Code != http.StatusOK {
			return false
		}
		job = JobResponse{}
		return json.Unmarshal(rec.Body.Bytes(), &job) == nil && job.IsComplete
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, []string{"/screenshots/42.png"}, job.Artifacts)
	assert.Equal(t, types.DefaultPriority, job.Priority)
	assert.False(t, job.IsFailed)
	assert.False(t, job.IsPending)
	assert.False(t, job.IsProcessing)

	rec = doJSON(t, h, http.MethodGet, "/api/screenshots/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats types.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
}

func TestScreenshotFailureFlags(t *testing.T) {
	q := newTestQueue(t, func(context.Context, map[string]interface{}) ([]string, error) {
		return nil, errors.New("render service down")
	})
	h := NewServer(q).Handler()

	priority := 1
	rec := doJSON(t, h, http.MethodPost, "/api/screenshots", EnqueueRequest{URL: "https://linear.app", Priority: &priority})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var enq EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enq))

	var job JobResponse
	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/api/screenshots/"+string(enq.JobID), nil)
		job = JobResponse{}
		return json.Unmarshal(rec.Body.Bytes(), &job) == nil && job.IsFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Priority)
	assert.Contains(t, job.Error, "render service down")
	assert.Empty(t, job.Artifacts)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	h := NewServer(newTestQueue(t, nil)).Handler()

	testCases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing url", `{}`},
		{"relative url", `{"url":"/pricing"}`},
		{"unsupported scheme", `{"url":"ftp://example.com"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/screenshots", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, "400", errResp.Code)
		})
	}
}

func TestScreenshotStatusNotFound(t *testing.T) {
	h := NewServer(newTestQueue(t, nil)).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/screenshots/nonexistent-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestCheckDuplicate(t *testing.T) {
	q := newTestQueue(t, nil)

	t.Run("not configured", func(t *testing.T) {
		h := NewServer(q).Handler()
		rec := doJSON(t, h, http.MethodPost, "/api/duplicates/check", DuplicateRequest{URL: "https://figma.com"})
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("duplicate", func(t *testing.T) {
		checker := &stubChecker{result: duplicate.Result{Duplicate: true, NormalizedURL: "https://figma.com", ToolID: "42", ToolName: "Figma"}}
		h := NewServer(q, WithDuplicateChecker(checker)).Handler()

		rec := doJSON(t, h, http.MethodPost, "/api/duplicates/check", DuplicateRequest{URL: "https://www.figma.com/"})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp DuplicateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, DuplicateResponse{Duplicate: true, NormalizedURL: "https://figma.com", ToolID: "42", ToolName: "Figma"}, resp)
	})

	t.Run("invalid url", func(t *testing.T) {
		h := NewServer(q, WithDuplicateChecker(&stubChecker{})).Handler()
		rec := doJSON(t, h, http.MethodPost, "/api/duplicates/check", DuplicateRequest{URL: "figma"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("lookup failure", func(t *testing.T) {
		h := NewServer(q, WithDuplicateChecker(&stubChecker{err: errors.New("db down")})).Handler()
		rec := doJSON(t, h, http.MethodPost, "/api/duplicates/check", DuplicateRequest{URL: "https://figma.com"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.NotContains(t, rec.Body.String(), "db down")
	})
}

func TestEnqueueForgetsDuplicateLookup(t *testing.T) {
	checker := &stubChecker{}
	h := NewServer(newTestQueue(t, nil), WithDuplicateChecker(checker)).Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/screenshots", EnqueueRequest{URL: "https://figma.com"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, checker.forgotten, "screenshots without a tool keep the lookup")

	rec = doJSON(t, h, http.MethodPost, "/api/screenshots", EnqueueRequest{URL: "https://linear.app", ToolID: "7"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"https://linear.app"}, checker.forgotten)
}

func TestForgetDuplicates(t *testing.T) {
	q := newTestQueue(t, nil)

	rec := doJSON(t, NewServer(q).Handler(), http.MethodDelete, "/api/duplicates", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	checker := &stubChecker{}
	rec = doJSON(t, NewServer(q, WithDuplicateChecker(checker)).Handler(), http.MethodDelete, "/api/duplicates", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, checker.forgotAll)
}

func TestCacheEndpoints(t *testing.T) {
	ctx := context.Background()
	dups := cache.New[string](cache.Config{Name: "duplicates", CleanupInterval: -1})
	tools := cache.New[int](cache.Config{Name: "tools", CleanupInterval: -1})
	t.Cleanup(func() {
		dups.Close()
		tools.Close()
	})

	dups.Set(ctx, "dup:https://figma.com", "x", cache.Options{})
	dups.Set(ctx, "dup:https://linear.app", "y", cache.Options{})
	tools.Set(ctx, "dup:https://figma.com", 1, cache.Options{})

	h := NewServer(newTestQueue(t, nil), WithCaches(dups, tools)).Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats CacheStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Caches["duplicates"].Total)
	assert.Equal(t, 1, stats.Caches["tools"].Total)

	rec = doJSON(t, h, http.MethodDelete, "/api/cache?pattern=dup:https://figma.*&cache=duplicates", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, dups.Stats().Total)
	assert.Equal(t, 1, tools.Stats().Total, "other caches untouched")

	rec = doJSON(t, h, http.MethodDelete, "/api/cache?pattern=*", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, dups.Stats().Total)
	assert.Equal(t, 0, tools.Stats().Total)

	rec = doJSON(t, h, http.MethodDelete, "/api/cache", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/cache?pattern=*&cache=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector(nil)
	collector.RecordEnqueue()
	h := NewServer(newTestQueue(t, nil), WithMetricsHandler(collector.Handler())).Handler()

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "toolshelf_queue_jobs_enqueued_total")
}

func TestRecovererReturns500(t *testing.T) {
	s := NewServer(newTestQueue(t, nil))
	s.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := doJSON(t, s.Handler(), http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthz(t *testing.T) {
	health := NewHealth()
	h := NewServer(newTestQueue(t, nil), WithHealth(health)).Handler()

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	health.Shutdown()
	rec = doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGRPCHealth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	health := NewHealth()
	health.Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	health.SetServing(false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "figma-desktop-1a2b3c4d.png"), []byte("png"), 0644))
	h := NewServer(newTestQueue(t, nil), WithFiles("/screenshots/", dir)).Handler()

	rec := doJSON(t, h, http.MethodGet, "/screenshots/figma-desktop-1a2b3c4d.png", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png", rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/screenshots/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
