// Package duplicate detects tool submissions whose URL is already listed.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/toolshelf/internal/cache"
)

// ErrInvalidURL is returned for input that is not an absolute http(s) URL.
var ErrInvalidURL = errors.New("duplicate: invalid url")

// KeyPrefix namespaces duplicate lookups inside a shared cache.
const KeyPrefix = "dup:"

// DefaultTTL bounds how long a lookup result is reused.
const DefaultTTL = 10 * time.Minute

// Result is the outcome of a duplicate check.
type Result struct {
	Duplicate     bool   `json:"duplicate"`
	NormalizedURL string `json:"normalized_url"`
	ToolID        string `json:"tool_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
}

// Checker memoizes ToolFinder lookups per normalized URL.
type Checker struct {
	finder ToolFinder
	cache  *cache.Manager[Result]
	opts   cache.Options
	logger *zap.Logger
}

// NewChecker builds a Checker. ttl <= 0 uses DefaultTTL.
func NewChecker(finder ToolFinder, c *cache.Manager[Result], ttl time.Duration, logger *zap.Logger) *Checker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		finder: finder,
		cache:  c,
		opts: cache.Options{
			TTL:                  ttl,
			StaleTime:            ttl / 2,
			StaleWhileRevalidate: true,
			Persistent:           true,
		},
		logger: logger.Named("duplicate"),
	}
}

// Check reports whether rawURL matches a listed tool.
func (c *Checker) Check(ctx context.Context, rawURL string) (Result, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return Result{}, err
	}

	return c.cache.FetchWithCache(ctx, KeyPrefix+normalized, func(ctx context.Context) (Result, error) {
		match, err := c.finder.FindByURL(ctx, normalized)
		if err != nil {
			return Result{}, err
		}
		res := Result{NormalizedURL: normalized}
		if match != nil {
			res.Duplicate = true
			res.ToolID = match.ToolID
			res.ToolName = match.ToolName
		}
		c.logger.Debug("duplicate lookup", zap.String("url", normalized), zap.Bool("duplicate", res.Duplicate))
		return res, nil
	}, c.opts)
}

// Forget drops the cached result for rawURL, e.g. after a new submission.
func (c *Checker) Forget(ctx context.Context, rawURL string) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return
	}
	c.cache.Invalidate(ctx, KeyPrefix+normalized)
}

// ForgetAll drops every cached duplicate lookup.
func (c *Checker) ForgetAll(ctx context.Context) {
	c.cache.InvalidatePrefix(ctx, KeyPrefix)
}

// Normalize lowercases scheme and host, strips a leading "www.", drops the
// fragment, default ports and the trailing slash.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host += ":" + port
	}

	u.Scheme = scheme
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}
