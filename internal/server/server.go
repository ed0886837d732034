// Package server exposes the queue and caches over HTTP (chi) and reports
// liveness through the standard gRPC health service.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ChuLiYu/toolshelf/internal/cache"
	"github.com/ChuLiYu/toolshelf/internal/duplicate"
	"github.com/ChuLiYu/toolshelf/internal/logging"
	"github.com/ChuLiYu/toolshelf/pkg/types"
)

// JobQueue is the part of queue.Queue the API needs.
type JobQueue interface {
	Enqueue(payload map[string]interface{}, priority int) types.JobID
	GetStatus(id types.JobID) (types.Job, error)
	GetQueueStats() types.QueueStats
}

// DuplicateChecker answers whether a tool URL was already submitted and drops
// remembered answers once they may be outdated.
type DuplicateChecker interface {
	Check(ctx context.Context, rawURL string) (duplicate.Result, error)
	Forget(ctx context.Context, rawURL string)
	ForgetAll(ctx context.Context)
}

// CacheAdmin is implemented by every cache.Manager regardless of its value type.
type CacheAdmin interface {
	Name() string
	Stats() cache.Stats
	InvalidatePattern(ctx context.Context, pattern string)
}

// Server holds the HTTP handlers.
type Server struct {
	queue   JobQueue
	checker DuplicateChecker
	caches  []CacheAdmin
	metrics http.Handler
	health  *Health
	files   map[string]string
	logger  *zap.Logger
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithDuplicateChecker enables POST /api/duplicates/check and
// DELETE /api/duplicates.
func WithDuplicateChecker(checker DuplicateChecker) Option {
	return func(s *Server) { s.checker = checker }
}

// WithCaches exposes caches under /api/cache.
func WithCaches(caches ...CacheAdmin) Option {
	return func(s *Server) { s.caches = append(s.caches, caches...) }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealth makes /healthz follow the gRPC health status.
func WithHealth(h *Health) Option {
	return func(s *Server) { s.health = h }
}

// WithFiles serves dir under the URL prefix, e.g. stored screenshots.
func WithFiles(prefix, dir string) Option {
	return func(s *Server) {
		if s.files == nil {
			s.files = make(map[string]string)
		}
		s.files[strings.TrimSuffix(prefix, "/")] = dir
	}
}

// WithLogger sets the request and handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds the router.
func NewServer(q JobQueue, opts ...Option) *Server {
	s := &Server{
		queue:  q,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("http")
	s.router = s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	for prefix, dir := range s.files {
		r.Handle(prefix+"/*", http.StripPrefix(prefix+"/", http.FileServer(http.Dir(dir))))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/screenshots", s.enqueueScreenshot)
		r.Get("/screenshots/stats", s.queueStats)
		r.Get("/screenshots/{id}", s.screenshotStatus)

		r.Post("/duplicates/check", s.checkDuplicate)
		r.Delete("/duplicates", s.forgetDuplicates)

		r.Get("/cache/stats", s.cacheStats)
		r.Delete("/cache", s.invalidateCache)
	})
	return r
}

// requestLog writes one line per request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logging.FromContext(r.Context(), s.logger).Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}
