// ============================================================================
// Toolshelf CLI
// ============================================================================
//
// 指令結構：
//   toolshelf                      # 根指令
//   ├── run                        # 啟動服務（HTTP API + gRPC health + 佇列）
//   ├── enqueue [URL...]           # 透過 HTTP 提交截圖任務
//   │   ├── --file, -f            # 由 JSON 檔批次提交
//   │   ├── --priority            # 優先序（數字越小越優先）
//   │   └── --tool-id             # 關聯的工具 ID
//   ├── status [JOB_ID]            # 查詢單一任務或整體佇列統計
//   ├── --config, -c               # 設定檔（預設 configs/default.yaml）
//   └── --server                   # enqueue/status 使用的服務位址
//
// run 指令流程：
//   1. 載入設定（YAML + TOOLSHELF_* 環境變數）
//   2. 建立 logger、metrics、儲存後端、快取、截圖處理器與佇列
//   3. 啟動 HTTP 與 gRPC 服務
//   4. 監看設定檔，log level 可即時調整
//   5. 等待 SIGINT / SIGTERM
//   6. 優雅關閉：health 轉 NOT_SERVING → HTTP → 佇列 → gRPC → 快取與連線
//
// enqueue JSON 格式：
//   [
//     {"url": "https://figma.com", "tool_id": "42", "priority": 1}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/toolshelf/internal/config"
	"github.com/ChuLiYu/toolshelf/internal/logging"
	"github.com/ChuLiYu/toolshelf/internal/server"
	"github.com/ChuLiYu/toolshelf/pkg/types"
)

// Version 由建置時注入
var Version = "dev"

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolshelf",
		Short: "Toolshelf: screenshot queue and lookup cache service",
		Long: `Toolshelf runs the background engines of a tool directory:
- a priority screenshot queue with a single worker
- a TTL cache with stale-while-revalidate for duplicate-URL checks
- an HTTP API, gRPC health service and Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "toolshelf HTTP address used by enqueue and status")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the toolshelf service",
		Long:  "Start the HTTP API, the gRPC health service and the screenshot queue, and block until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			logger, level, err := logging.NewWithLevel(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := os.Stat(configFile); err == nil {
				go watchLogLevel(ctx, level, logger)
			}

			return runService(ctx, cfg, logger)
		},
	}
}

// watchLogLevel 在設定檔變更時套用新的 log level；其餘設定需重新啟動
func watchLogLevel(ctx context.Context, level zap.AtomicLevel, logger *zap.Logger) {
	err := config.Watch(ctx, configFile, logger, func(cfg *config.Config) {
		if err := logging.SetLevel(level, cfg.Log.Level); err != nil {
			logger.Warn("ignoring log level from reloaded config", zap.Error(err))
			return
		}
		logger.Info("log level updated", zap.String("level", level.String()))
	})
	if err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
	}
}

// runService 建立並執行服務直到 ctx 結束
func runService(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	logger.Info("toolshelf started",
		zap.String("http", cfg.HTTP.Addr),
		zap.String("grpc", cfg.GRPC.Addr),
		zap.String("cache_store", cfg.Cache.Store))

	err = app.Run(ctx)
	logger.Info("toolshelf stopped", zap.Error(err))
	return err
}

// jobInput 為 enqueue JSON 檔中的一筆
type jobInput struct {
	URL      string `json:"url"`
	ToolID   string `json:"tool_id,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

func buildEnqueueCommand() *cobra.Command {
	var (
		jobFile  string
		priority int
		toolID   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [URL...]",
		Short: "Submit screenshot jobs to a running server",
		Long:  "Submit one job per URL argument, or every entry of a JSON file given with --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []jobInput
			if jobFile != "" {
				loaded, err := readJobFile(jobFile)
				if err != nil {
					return err
				}
				jobs = loaded
			}
			for _, u := range args {
				p := priority
				jobs = append(jobs, jobInput{URL: u, ToolID: toolID, Priority: &p})
			}
			if len(jobs) == 0 {
				return fmt.Errorf("nothing to enqueue: pass URLs or --file")
			}

			client := NewClient(serverAddr, nil)
			return enqueueJobs(cmd.Context(), client, jobs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().IntVar(&priority, "priority", types.DefaultPriority, "priority for URL arguments (lower runs first)")
	cmd.Flags().StringVar(&toolID, "tool-id", "", "tool id attached to URL arguments")

	return cmd
}

func readJobFile(path string) ([]jobInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []jobInput
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return jobs, nil
}

// enqueueJobs 逐筆提交；單筆失敗不會中斷其餘任務
func enqueueJobs(ctx context.Context, client *Client, jobs []jobInput, out io.Writer) error {
	ok := 0
	for _, j := range jobs {
		id, err := client.Enqueue(ctx, server.EnqueueRequest{URL: j.URL, ToolID: j.ToolID, Priority: j.Priority})
		if err != nil {
			fmt.Fprintf(out, "%s\tERROR %v\n", j.URL, err)
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", j.URL, id)
		ok++
	}
	if ok < len(jobs) {
		return fmt.Errorf("enqueued %d/%d jobs", ok, len(jobs))
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [JOB_ID]",
		Short: "Show job status or queue statistics",
		Long:  "With a job id, print that job's status; without one, print queue and cache statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(serverAddr, nil)
			if len(args) == 1 {
				return showJob(cmd.Context(), client, types.JobID(args[0]), cmd.OutOrStdout())
			}
			return showStatus(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
}

func showJob(ctx context.Context, client *Client, id types.JobID, out io.Writer) error {
	job, err := client.Job(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Job:       %s\n", job.ID)
	fmt.Fprintf(out, "Status:    %s\n", job.Status)
	fmt.Fprintf(out, "Priority:  %d\n", job.Priority)
	for _, a := range job.Artifacts {
		fmt.Fprintf(out, "Artifact:  %s\n", a)
	}
	if job.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", job.Error)
	}
	return nil
}

func showStatus(ctx context.Context, client *Client, out io.Writer) error {
	stats, err := client.QueueStats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Queue:")
	fmt.Fprintf(out, "  Total:      %d\n", stats.Total)
	fmt.Fprintf(out, "  Pending:    %d\n", stats.Pending)
	fmt.Fprintf(out, "  Processing: %d\n", stats.Processing)
	fmt.Fprintf(out, "  Completed:  %d\n", stats.Completed)
	fmt.Fprintf(out, "  Failed:     %d\n", stats.Failed)
	fmt.Fprintf(out, "  Timed out:  %d\n", stats.TimedOut)

	caches, err := client.CacheStats(ctx)
	if err != nil {
		return err
	}
	for name, c := range caches.Caches {
		fmt.Fprintf(out, "Cache %s:\n", name)
		fmt.Fprintf(out, "  Entries:    %d (expired %d, stale %d)\n", c.Total, c.Expired, c.Stale)
		fmt.Fprintf(out, "  Hits:       %d (stale %d)\n", c.Hits, c.StaleHits)
		fmt.Fprintf(out, "  Misses:     %d\n", c.Misses)
	}
	return nil
}
