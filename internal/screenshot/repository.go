package screenshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS screenshots (
	id           UUID PRIMARY KEY,
	tool_id      TEXT,
	page_url     TEXT NOT NULL,
	viewport     TEXT NOT NULL,
	artifact_url TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
)`

// Artifact is one stored capture.
type Artifact struct {
	ID          uuid.UUID
	ToolID      string
	PageURL     string
	Viewport    string
	ArtifactURL string
	CreatedAt   time.Time
}

// ArtifactRepository records capture references in Postgres.
type ArtifactRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewArtifactRepository wraps an open database handle.
func NewArtifactRepository(db *sql.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db, now: time.Now}
}

// EnsureSchema creates the screenshots table when missing.
func (r *ArtifactRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create screenshots table: %w", err)
	}
	return nil
}

// Record inserts all artifacts of one capture in a single transaction.
func (r *ArtifactRepository) Record(ctx context.Context, artifacts []Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO screenshots (id, tool_id, page_url, viewport, artifact_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for i := range artifacts {
		a := &artifacts[i]
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = r.now()
		}
		var toolID sql.NullString
		if a.ToolID != "" {
			toolID = sql.NullString{String: a.ToolID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query, a.ID, toolID, a.PageURL, a.Viewport, a.ArtifactURL, a.CreatedAt); err != nil {
			return fmt.Errorf("insert screenshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListByTool returns the artifacts of a tool, newest first.
func (r *ArtifactRepository) ListByTool(ctx context.Context, toolID string) ([]Artifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, page_url, viewport, artifact_url, created_at FROM screenshots WHERE tool_id = $1 ORDER BY created_at DESC`,
		toolID)
	if err != nil {
		return nil, fmt.Errorf("query screenshots: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a := Artifact{ToolID: toolID}
		if err := rows.Scan(&a.ID, &a.PageURL, &a.Viewport, &a.ArtifactURL, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
