package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ChuLiYu/toolshelf/internal/cache"
	"github.com/ChuLiYu/toolshelf/internal/duplicate"
	"github.com/ChuLiYu/toolshelf/internal/logging"
	"github.com/ChuLiYu/toolshelf/internal/queue"
	"github.com/ChuLiYu/toolshelf/internal/screenshot"
	"github.com/ChuLiYu/toolshelf/pkg/types"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// EnqueueRequest is the body of POST /api/screenshots.
type EnqueueRequest struct {
	URL      string `json:"url"`
	ToolID   string `json:"tool_id,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// EnqueueResponse carries the id to poll.
type EnqueueResponse struct {
	JobID types.JobID `json:"job_id"`
}

// JobResponse is the polling view of a job.
type JobResponse struct {
	ID           types.JobID     `json:"id"`
	Status       types.JobStatus `json:"status"`
	Priority     int             `json:"priority"`
	Artifacts    []string        `json:"artifacts"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
	IsComplete   bool            `json:"isComplete"`
	IsFailed     bool            `json:"isFailed"`
	IsPending    bool            `json:"isPending"`
	IsProcessing bool            `json:"isProcessing"`
}

// DuplicateRequest is the body of POST /api/duplicates/check.
type DuplicateRequest struct {
	URL string `json:"url"`
}

// DuplicateResponse reports the match, if any.
type DuplicateResponse struct {
	Duplicate     bool   `json:"duplicate"`
	NormalizedURL string `json:"normalized_url"`
	ToolID        string `json:"tool_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
}

// CacheStatsResponse maps cache names to their stats.
type CacheStatsResponse struct {
	Caches map[string]cache.Stats `json:"caches"`
}

func newJobResponse(job types.Job) JobResponse {
	artifacts := job.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	return JobResponse{
		ID:           job.ID,
		Status:       job.Status,
		Priority:     job.Priority,
		Artifacts:    artifacts,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		IsComplete:   job.Status == types.StatusCompleted,
		IsFailed:     job.Status == types.StatusFailed || job.Status == types.StatusTimedOut,
		IsPending:    job.Status == types.StatusPending,
		IsProcessing: job.Status == types.StatusProcessing,
	}
}

// healthz handles GET /healthz.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.Serving() {
		s.httpError(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.respondJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// enqueueScreenshot handles POST /api/screenshots.
func (s *Server) enqueueScreenshot(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}

	payload := map[string]interface{}{"url": req.URL}
	if req.ToolID != "" {
		payload["tool_id"] = req.ToolID
	}
	if _, err := screenshot.TargetURL(payload); err != nil {
		s.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	priority := types.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	id := s.queue.Enqueue(payload, priority)
	if s.checker != nil && req.ToolID != "" {
		// A submitted tool outdates an earlier "not a duplicate" answer
		s.checker.Forget(r.Context(), req.URL)
	}
	logging.FromContext(r.Context(), s.logger).Debug("screenshot enqueued",
		zap.String("job_id", string(id)), zap.String("url", req.URL))
	s.respondJson(w, http.StatusAccepted, EnqueueResponse{JobID: id})
}

// screenshotStatus handles GET /api/screenshots/{id}.
func (s *Server) screenshotStatus(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	job, err := s.queue.GetStatus(id)
	if errors.Is(err, queue.ErrNotFound) {
		s.httpError(w, "job not found or expired", http.StatusNotFound)
		return
	}
	if err != nil {
		s.httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJson(w, http.StatusOK, newJobResponse(job))
}

// queueStats handles GET /api/screenshots/stats.
func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	s.respondJson(w, http.StatusOK, s.queue.GetQueueStats())
}

// checkDuplicate handles POST /api/duplicates/check.
func (s *Server) checkDuplicate(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.httpError(w, "duplicate detection is not configured", http.StatusNotImplemented)
		return
	}

	var req DuplicateRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.checker.Check(r.Context(), req.URL)
	if errors.Is(err, duplicate.ErrInvalidURL) {
		s.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("duplicate check failed", zap.Error(err))
		s.httpError(w, "duplicate check failed", http.StatusBadGateway)
		return
	}

	s.respondJson(w, http.StatusOK, DuplicateResponse{
		Duplicate:     res.Duplicate,
		NormalizedURL: res.NormalizedURL,
		ToolID:        res.ToolID,
		ToolName:      res.ToolName,
	})
}

// forgetDuplicates handles DELETE /api/duplicates.
func (s *Server) forgetDuplicates(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		s.httpError(w, "duplicate detection is not configured", http.StatusNotImplemented)
		return
	}
	s.checker.ForgetAll(r.Context())
	logging.FromContext(r.Context(), s.logger).Info("duplicate lookups forgotten")
	w.WriteHeader(http.StatusNoContent)
}

// cacheStats handles GET /api/cache/stats.
func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	resp := CacheStatsResponse{Caches: make(map[string]cache.Stats, len(s.caches))}
	for _, c := range s.caches {
		resp.Caches[c.Name()] = c.Stats()
	}
	s.respondJson(w, http.StatusOK, resp)
}

// invalidateCache handles DELETE /api/cache?pattern=...&cache=...
// pattern is required; "*" clears. cache limits the call to one cache by name.
func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		s.httpError(w, "pattern is required", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("cache")

	matched := 0
	for _, c := range s.caches {
		if name != "" && c.Name() != name {
			continue
		}
		c.InvalidatePattern(r.Context(), pattern)
		matched++
	}
	if name != "" && matched == 0 {
		s.httpError(w, "unknown cache "+strconv.Quote(name), http.StatusNotFound)
		return
	}

	logging.FromContext(r.Context(), s.logger).Info("cache invalidated",
		zap.String("pattern", pattern), zap.Int("caches", matched))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.httpError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Warn("encode response failed", zap.Error(err))
		}
	}
}

func (s *Server) httpError(w http.ResponseWriter, message string, code int) {
	s.respondJson(w, code, ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
