package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/toolshelf/internal/config"
	"github.com/ChuLiYu/toolshelf/internal/jobmanager"
	"github.com/ChuLiYu/toolshelf/internal/queue"
	"github.com/ChuLiYu/toolshelf/internal/server"
	"github.com/ChuLiYu/toolshelf/internal/worker"
	"github.com/ChuLiYu/toolshelf/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "toolshelf", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}
	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["enqueue"], "Should have 'enqueue' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"), "Should have --server flag")
}

func TestBuildEnqueueCommand(t *testing.T) {
	cmd := buildEnqueueCommand()

	assert.Equal(t, "enqueue", cmd.Name())
	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand)
	assert.Equal(t, "10", cmd.Flags().Lookup("priority").DefValue)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Name())
	assert.Contains(t, cmd.Short, "status")
	assert.Error(t, cmd.Args(cmd, []string{"a", "b"}), "at most one job id")
}

func TestReadJobFile(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(tmpDir, "jobs.json")
		content := `[{"url":"https://figma.com","tool_id":"42","priority":1},{"url":"https://linear.app"}]`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		jobs, err := readJobFile(path)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "42", jobs[0].ToolID)
		require.NotNil(t, jobs[0].Priority)
		assert.Equal(t, 1, *jobs[0].Priority)
		assert.Nil(t, jobs[1].Priority)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := readJobFile("/nonexistent/jobs.json")
		assert.ErrorContains(t, err, "failed to read job file")
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(tmpDir, "invalid.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"invalid json structure`), 0644))

		_, err := readJobFile(path)
		assert.ErrorContains(t, err, "failed to parse job file")
	})
}

// newAPI 啟動一個以假處理器執行的 API
func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	store := jobmanager.NewJobManager(jobmanager.Config{})
	processor := worker.ProcessorFunc(func(_ context.Context, payload map[string]interface{}) ([]string, error) {
		return []string{"/screenshots/shot.png"}, nil
	})
	q := queue.New(store, worker.NewExecutor(processor, nil), queue.Config{DrainDelay: 5 * time.Millisecond})
	srv := httptest.NewServer(server.NewServer(q).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return srv
}

func TestEnqueueAndStatus(t *testing.T) {
	srv := newAPI(t)
	client := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	p := 1
	var out bytes.Buffer
	err := enqueueJobs(ctx, client, []jobInput{
		{URL: "https://figma.com", ToolID: "42", Priority: &p},
		{URL: "not-a-url"},
	}, &out)
	assert.ErrorContains(t, err, "enqueued 1/2 jobs")
	assert.Contains(t, out.String(), "https://figma.com\tshot_")
	assert.Contains(t, out.String(), "not-a-url\tERROR")

	stats, err := client.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	id, err := client.Enqueue(ctx, server.EnqueueRequest{URL: "https://linear.app"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := client.Job(ctx, id)
		return err == nil && job.Status == types.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	out.Reset()
	require.NoError(t, showJob(ctx, client, id, &out))
	assert.Contains(t, out.String(), "completed")
	assert.Contains(t, out.String(), "/screenshots/shot.png")

	out.Reset()
	require.NoError(t, showStatus(ctx, client, &out))
	assert.Contains(t, out.String(), "Total:      2")

	err = showJob(ctx, client, "nonexistent-id", &out)
	assert.ErrorContains(t, err, "404")
}

func TestEnqueueCommandRequiresInput(t *testing.T) {
	cmd := BuildCLI()
	cmd.SetArgs([]string{"enqueue"})
	cmd.SetOut(&bytes.Buffer{})
	assert.ErrorContains(t, cmd.Execute(), "nothing to enqueue")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	cfg.Screenshot.Dir = filepath.Join(t.TempDir(), "shots")
	cfg.Cache.Store = config.StoreFile
	cfg.Cache.FilePath = filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestAppRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotEmpty(t, app.GRPCAddr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	base := "http://" + app.HTTPAddr()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// 未設定 Postgres 時重複檢查未啟用
	resp, err = http.Post(base+"/api/duplicates/check", "application/json", bytes.NewBufferString(`{"url":"https://figma.com"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
	assert.False(t, app.health.Serving())
}

func TestNewAppListenFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = "256.0.0.1:bad"

	_, err := NewApp(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "listen http")
}

func TestNewAppPostgresFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Postgres.DSN = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"

	_, err := NewApp(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "ping postgres")
}
