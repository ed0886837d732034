// Package logging builds the process-wide zap logger.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for the given level (debug, info, warn, error) and
// format ("json" or "console"). Empty values mean info and json.
func New(level, format string) (*zap.Logger, error) {
	logger, _, err := NewWithLevel(level, format)
	return logger, err
}

// NewWithLevel is New plus the level handle, which can be changed while the
// logger is in use.
func NewWithLevel(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	atom := zap.NewAtomicLevel()
	if err := SetLevel(atom, level); err != nil {
		return nil, atom, err
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, atom, fmt.Errorf("invalid log format %q", format)
	}
	cfg.Level = atom

	logger, err := cfg.Build()
	return logger, atom, err
}

// SetLevel parses level into atom. An empty level means info.
func SetLevel(atom zap.AtomicLevel, level string) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	atom.SetLevel(lvl)
	return nil
}

// FromContext attaches the request id set by chi's RequestID middleware.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		return base.With(zap.String("request_id", reqID))
	}
	return base
}
