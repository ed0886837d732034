// ============================================================================
// Toolshelf 設定載入
// ============================================================================
//
// 載入順序：
//   1. Default()：內建預設值
//   2. YAML 檔（gopkg.in/yaml.v3），檔案不存在時略過
//   3. 環境變數覆寫（caarlos0/env，前綴 TOOLSHELF_）
//   4. Validate()
//
// 範例：
//   TOOLSHELF_HTTP_ADDR=:9000
//   TOOLSHELF_QUEUE_JOB_TIMEOUT=45s
//   TOOLSHELF_CACHE_STORE=redis TOOLSHELF_CACHE_REDIS_ADDR=localhost:6379
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/toolshelf/internal/screenshot"
)

// EnvPrefix 為所有環境變數覆寫的前綴
const EnvPrefix = "TOOLSHELF_"

// 快取後端
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config 為整個服務的設定
type Config struct {
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	HTTP       HTTPConfig       `yaml:"http" envPrefix:"HTTP_"`
	GRPC       GRPCConfig       `yaml:"grpc" envPrefix:"GRPC_"`
	Queue      QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	Cache      CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Screenshot ScreenshotConfig `yaml:"screenshot" envPrefix:"SCREENSHOT_"`
	Postgres   PostgresConfig   `yaml:"postgres" envPrefix:"POSTGRES_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// GRPCConfig 僅承載 health service；Addr 為空則不啟動
type GRPCConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

type QueueConfig struct {
	JobTTL     time.Duration `yaml:"job_ttl" env:"JOB_TTL"`
	MaxJobs    int           `yaml:"max_jobs" env:"MAX_JOBS"`
	JobTimeout time.Duration `yaml:"job_timeout" env:"JOB_TIMEOUT"`
	DrainDelay time.Duration `yaml:"drain_delay" env:"DRAIN_DELAY"`
}

type CacheConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	MaxEntries      int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	DuplicateTTL    time.Duration `yaml:"duplicate_ttl" env:"DUPLICATE_TTL"`

	// Store: memory | file | redis
	Store         string `yaml:"store" env:"STORE"`
	FilePath      string `yaml:"file_path" env:"FILE_PATH"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

type ScreenshotConfig struct {
	Endpoint     string                `yaml:"endpoint" env:"ENDPOINT"`
	Dir          string                `yaml:"dir" env:"DIR"`
	BaseURL      string                `yaml:"base_url" env:"BASE_URL"`
	RatePerSec   float64               `yaml:"rate_per_sec" env:"RATE_PER_SEC"`
	Burst        int                   `yaml:"burst" env:"BURST"`
	MaxAttempts  int                   `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	RetryBackoff time.Duration         `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	Viewports    []screenshot.Viewport `yaml:"viewports"`
}

// PostgresConfig DSN 為空時不連線：不記錄截圖、重複檢查一律視為未重複
type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// Default 回傳內建預設值
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		GRPC: GRPCConfig{Addr: ":9090"},
		Queue: QueueConfig{
			JobTTL:     30 * time.Minute,
			MaxJobs:    100,
			JobTimeout: 30 * time.Second,
			DrainDelay: time.Second,
		},
		Cache: CacheConfig{
			DefaultTTL:      5 * time.Minute,
			MaxEntries:      10000,
			CleanupInterval: time.Minute,
			DuplicateTTL:    10 * time.Minute,
			Store:           StoreMemory,
			FilePath:        "data/cache.json",
			RedisPrefix:     "toolshelf:",
		},
		Screenshot: ScreenshotConfig{
			Endpoint:     "http://localhost:3000/screenshot",
			Dir:          "data/screenshots",
			BaseURL:      "/screenshots/",
			RatePerSec:   2,
			Burst:        1,
			MaxAttempts:  3,
			RetryBackoff: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load 讀取 path（可為空或不存在）並套用環境變數覆寫
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// 僅使用預設值與環境變數
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	// viewports 只能由 YAML 設定
	viewports := cfg.Screenshot.Viewports
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	cfg.Screenshot.Viewports = viewports

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查設定值範圍
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Queue.JobTTL <= 0 {
		errs = append(errs, errors.New("queue.job_ttl must be positive"))
	}
	if c.Queue.MaxJobs <= 0 {
		errs = append(errs, errors.New("queue.max_jobs must be positive"))
	}
	if c.Queue.JobTimeout <= 0 {
		errs = append(errs, errors.New("queue.job_timeout must be positive"))
	}
	if c.Queue.DrainDelay < 0 {
		errs = append(errs, errors.New("queue.drain_delay must not be negative"))
	}
	if c.Cache.DefaultTTL <= 0 {
		errs = append(errs, errors.New("cache.default_ttl must be positive"))
	}
	if c.Cache.DuplicateTTL <= 0 {
		errs = append(errs, errors.New("cache.duplicate_ttl must be positive"))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}

	switch c.Cache.Store {
	case StoreMemory:
	case StoreFile:
		if c.Cache.FilePath == "" {
			errs = append(errs, errors.New("cache.file_path is required for the file store"))
		}
	case StoreRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.store must be memory, file or redis, got %q", c.Cache.Store))
	}

	if c.Screenshot.Endpoint == "" {
		errs = append(errs, errors.New("screenshot.endpoint is required"))
	}
	if c.Screenshot.Dir == "" {
		errs = append(errs, errors.New("screenshot.dir is required"))
	}
	for i, vp := range c.Screenshot.Viewports {
		if vp.Name == "" || vp.Width <= 0 || vp.Height <= 0 {
			errs = append(errs, fmt.Errorf("screenshot.viewports[%d] needs a name and positive size", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// CaptureConfig 轉換為 screenshot.Config
func (c *Config) CaptureConfig() screenshot.Config {
	return screenshot.Config{
		Endpoint:     c.Screenshot.Endpoint,
		Viewports:    c.Screenshot.Viewports,
		RatePerSec:   c.Screenshot.RatePerSec,
		Burst:        c.Screenshot.Burst,
		MaxAttempts:  c.Screenshot.MaxAttempts,
		RetryBackoff: c.Screenshot.RetryBackoff,
	}
}
