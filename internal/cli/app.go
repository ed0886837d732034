package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/toolshelf/internal/cache"
	"github.com/ChuLiYu/toolshelf/internal/cachestore"
	"github.com/ChuLiYu/toolshelf/internal/config"
	"github.com/ChuLiYu/toolshelf/internal/duplicate"
	"github.com/ChuLiYu/toolshelf/internal/jobmanager"
	"github.com/ChuLiYu/toolshelf/internal/metrics"
	"github.com/ChuLiYu/toolshelf/internal/queue"
	"github.com/ChuLiYu/toolshelf/internal/screenshot"
	"github.com/ChuLiYu/toolshelf/internal/server"
	"github.com/ChuLiYu/toolshelf/internal/worker"
)

// App 持有 run 指令建立的所有元件
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	db     *sql.DB
	redis  *r.Client
	dups   *cache.Manager[duplicate.Result]
	queue  *queue.Queue
	health *server.Health

	httpServer *http.Server
	grpcServer *grpc.Server
	httpLis    net.Listener
	grpcLis    net.Listener
}

// NewApp 依設定建立元件並開啟監聽埠；失敗時釋放已建立的資源
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(nil),
		health:  server.NewHealth(),
	}
	defer func() {
		if err != nil {
			a.closeListeners()
			err = multierr.Append(err, a.closeResources())
		}
	}()

	var (
		artifacts screenshot.ArtifactRecorder
		finder    duplicate.ToolFinder
	)
	if cfg.Postgres.DSN != "" {
		if a.db, err = openPostgres(ctx, cfg.Postgres.DSN); err != nil {
			return nil, err
		}
		repo := screenshot.NewArtifactRepository(a.db)
		if err = repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		artifacts = repo
		finder = duplicate.NewPostgresFinder(a.db)
	} else {
		logger.Warn("postgres not configured, artifacts are not recorded and duplicate checks are disabled")
	}

	store, err := a.openCacheStore(ctx)
	if err != nil {
		return nil, err
	}

	a.dups = cache.New[duplicate.Result](cache.Config{
		Name:            "duplicates",
		DefaultTTL:      cfg.Cache.DefaultTTL,
		MaxEntries:      cfg.Cache.MaxEntries,
		CleanupInterval: cfg.Cache.CleanupInterval,
	},
		cache.WithStore(store),
		cache.WithLogger(logger),
		cache.WithRecorder(a.metrics))

	blobs, err := screenshot.NewDirStore(cfg.Screenshot.Dir, cfg.Screenshot.BaseURL)
	if err != nil {
		return nil, err
	}
	capturer := screenshot.NewCapturer(cfg.CaptureConfig(), nil, blobs, artifacts, logger)

	jobs := jobmanager.NewJobManager(jobmanager.Config{
		TTL:     cfg.Queue.JobTTL,
		MaxJobs: cfg.Queue.MaxJobs,
	})
	a.queue = queue.New(jobs, worker.NewExecutor(capturer, logger), queue.Config{
		JobTimeout: cfg.Queue.JobTimeout,
		DrainDelay: cfg.Queue.DrainDelay,
	},
		queue.WithLogger(logger),
		queue.WithRecorder(a.metrics))

	opts := []server.Option{
		server.WithCaches(a.dups),
		server.WithHealth(a.health),
		server.WithLogger(logger),
	}
	if finder != nil {
		opts = append(opts, server.WithDuplicateChecker(duplicate.NewChecker(finder, a.dups, cfg.Cache.DuplicateTTL, logger)))
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetricsHandler(a.metrics.Handler()))
	}
	if strings.HasPrefix(cfg.Screenshot.BaseURL, "/") {
		opts = append(opts, server.WithFiles(cfg.Screenshot.BaseURL, cfg.Screenshot.Dir))
	}

	a.httpServer = &http.Server{
		Handler:           server.NewServer(a.queue, opts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if a.httpLis, err = net.Listen("tcp", cfg.HTTP.Addr); err != nil {
		return nil, fmt.Errorf("listen http %s: %w", cfg.HTTP.Addr, err)
	}

	if cfg.GRPC.Addr != "" {
		a.grpcServer = grpc.NewServer()
		a.health.Register(a.grpcServer)
		if a.grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return nil, fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
		}
	}

	return a, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (a *App) openCacheStore(ctx context.Context) (cachestore.Store, error) {
	switch a.cfg.Cache.Store {
	case config.StoreFile:
		return cachestore.NewFileStore(a.cfg.Cache.FilePath, a.logger)
	case config.StoreRedis:
		a.redis = r.NewClient(&r.Options{Addr: a.cfg.Cache.RedisAddr, Password: a.cfg.Cache.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", a.cfg.Cache.RedisAddr, err)
		}
		return cachestore.NewRedisStore(a.redis, a.cfg.Cache.RedisPrefix), nil
	default:
		return cachestore.NewMemoryStore(), nil
	}
}

// HTTPAddr 回傳實際監聽位址（設定為 :0 時有用）
func (a *App) HTTPAddr() string {
	return a.httpLis.Addr().String()
}

// GRPCAddr 回傳 gRPC 監聽位址；未啟用時為空字串
func (a *App) GRPCAddr() string {
	if a.grpcLis == nil {
		return ""
	}
	return a.grpcLis.Addr().String()
}

// Run 服務請求直到 ctx 結束或任一服務失敗，之後執行優雅關閉
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.Serve(a.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.grpcServer != nil {
		g.Go(func() error {
			if err := a.grpcServer.Serve(a.grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown 依序關閉所有元件並合併錯誤
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	a.health.Shutdown()

	err := a.httpServer.Shutdown(ctx)
	if stopErr := a.queue.Stop(ctx); stopErr != nil {
		err = multierr.Append(err, fmt.Errorf("queue stop: %w", stopErr))
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	a.closeListeners()
	return multierr.Append(err, a.closeResources())
}

func (a *App) closeResources() error {
	var err error
	if a.dups != nil {
		err = multierr.Append(err, a.dups.Close())
	}
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	return err
}

// closeListeners 關閉尚未交給 Serve 的監聽埠；重複關閉的錯誤可忽略
func (a *App) closeListeners() {
	for _, lis := range []net.Listener{a.httpLis, a.grpcLis} {
		if lis != nil {
			lis.Close()
		}
	}
}
