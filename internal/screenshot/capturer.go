// Package screenshot captures web pages through an external rendering service
// and stores the resulting images. Capturer is the queue's job processor.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidPayload is returned for a job payload without a usable url.
	ErrInvalidPayload = errors.New("screenshot: invalid payload")
	// ErrCaptureFailed is returned when the capture service does not produce an image.
	ErrCaptureFailed = errors.New("screenshot: capture failed")
)

// maxImageBytes caps a single response body.
const maxImageBytes = 20 << 20

// Viewport is one rendering size.
type Viewport struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// DefaultViewports are used when Config.Viewports is empty.
var DefaultViewports = []Viewport{
	{Name: "desktop", Width: 1280, Height: 800},
	{Name: "mobile", Width: 390, Height: 844},
}

// Config configures a Capturer.
type Config struct {
	Endpoint     string        // capture service URL
	Viewports    []Viewport    // one image per viewport
	RatePerSec   float64       // downstream request rate; <= 0 means unlimited
	Burst        int           // limiter burst
	MaxAttempts  int           // per viewport, retried on transport errors and 5xx
	RetryBackoff time.Duration // wait between attempts, doubled each time
}

// ArtifactRecorder stores capture references. ArtifactRepository implements it.
type ArtifactRecorder interface {
	Record(ctx context.Context, artifacts []Artifact) error
}

// Capturer renders a page once per viewport and stores every image.
type Capturer struct {
	config    Config
	client    *http.Client
	limiter   *rate.Limiter
	blobs     BlobStore
	artifacts ArtifactRecorder
	logger    *zap.Logger
}

// NewCapturer builds a Capturer. artifacts may be nil.
func NewCapturer(cfg Config, client *http.Client, blobs BlobStore, artifacts ArtifactRecorder, logger *zap.Logger) *Capturer {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Viewports) == 0 {
		cfg.Viewports = DefaultViewports
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Capturer{
		config:    cfg,
		client:    client,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		blobs:     blobs,
		artifacts: artifacts,
		logger:    logger.Named("screenshot"),
	}
}

// Process captures payload["url"] and returns the stored image references.
func (c *Capturer) Process(ctx context.Context, payload map[string]interface{}) ([]string, error) {
	target, err := TargetURL(payload)
	if err != nil {
		return nil, err
	}
	toolID, _ := payload["tool_id"].(string)

	refs := make([]string, 0, len(c.config.Viewports))
	records := make([]Artifact, 0, len(c.config.Viewports))
	for _, vp := range c.config.Viewports {
		data, ext, err := c.captureWithRetry(ctx, target, vp)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", target, vp.Name, err)
		}

		name := blobName(target, vp, ext)
		ref, err := c.blobs.Put(ctx, name, data)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		refs = append(refs, ref)
		records = append(records, Artifact{ToolID: toolID, PageURL: target, Viewport: vp.Name, ArtifactURL: ref})
	}

	if c.artifacts != nil {
		if err := c.artifacts.Record(ctx, records); err != nil {
			return nil, fmt.Errorf("record artifacts: %w", err)
		}
	}

	c.logger.Info("page captured", zap.String("url", target), zap.Int("images", len(refs)))
	return refs, nil
}

// TargetURL extracts and validates the url of a job payload.
func TargetURL(payload map[string]interface{}) (string, error) {
	raw, _ := payload["url"].(string)
	if raw == "" {
		return "", fmt.Errorf("%w: missing url", ErrInvalidPayload)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be absolute http(s), got %q", ErrInvalidPayload, raw)
	}
	return u.String(), nil
}

func (c *Capturer) captureWithRetry(ctx context.Context, target string, vp Viewport) ([]byte, string, error) {
	backoff := c.config.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}

		data, ext, retryable, err := c.capture(ctx, target, vp)
		if err == nil {
			return data, ext, nil
		}
		lastErr = err
		if !retryable || attempt == c.config.MaxAttempts {
			break
		}

		c.logger.Debug("retrying capture",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, "", ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, "", lastErr
}

// capture performs one request. retryable reports whether a later attempt may succeed.
func (c *Capturer) capture(ctx context.Context, target string, vp Viewport) (data []byte, ext string, retryable bool, err error) {
	endpoint, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return nil, "", false, fmt.Errorf("invalid capture endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("url", target)
	q.Set("width", strconv.Itoa(vp.Width))
	q.Set("height", strconv.Itoa(vp.Height))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, "", false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", resp.StatusCode >= 500, fmt.Errorf("%w: status %d", ErrCaptureFailed, resp.StatusCode)
	}

	ext, ok := imageExt(resp.Header.Get("Content-Type"))
	if !ok {
		return nil, "", false, fmt.Errorf("%w: unexpected content type %q", ErrCaptureFailed, resp.Header.Get("Content-Type"))
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", true, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 || len(data) > maxImageBytes {
		return nil, "", false, fmt.Errorf("%w: image size %d", ErrCaptureFailed, len(data))
	}
	return data, ext, false, nil
}

func imageExt(contentType string) (string, bool) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	switch mediaType {
	case "image/png":
		return ".png", true
	case "image/jpeg":
		return ".jpg", true
	case "image/webp":
		return ".webp", true
	}
	if strings.HasPrefix(mediaType, "image/") {
		return ".img", true
	}
	return "", false
}

// blobName is <host>-<viewport>-<random><ext>.
func blobName(target string, vp Viewport, ext string) string {
	host := "page"
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		host = strings.ReplaceAll(u.Hostname(), ".", "-")
	}
	return fmt.Sprintf("%s-%s-%s%s", host, vp.Name, uuid.NewString()[:8], ext)
}
