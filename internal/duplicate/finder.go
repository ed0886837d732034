package duplicate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Match is an existing tool whose URL equals a submitted one.
type Match struct {
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
}

// ToolFinder looks up tools by normalized URL.
type ToolFinder interface {
	FindByURL(ctx context.Context, normalized string) (*Match, error)
}

// PostgresFinder queries the tools table.
type PostgresFinder struct {
	db *sql.DB
}

// NewPostgresFinder wraps an open database handle.
func NewPostgresFinder(db *sql.DB) *PostgresFinder {
	return &PostgresFinder{db: db}
}

// FindByURL returns nil, nil when no tool matches.
func (f *PostgresFinder) FindByURL(ctx context.Context, normalized string) (*Match, error) {
	query := "SELECT id, name FROM tools WHERE normalized_url = $1 LIMIT 1"

	var m Match
	err := f.db.QueryRowContext(ctx, query, normalized).Scan(&m.ToolID, &m.ToolName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find tool by url: %w", err)
	}
	return &m, nil
}
