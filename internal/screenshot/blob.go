package screenshot

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore persists captured images and returns a reference to each.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// DirStore writes images under a directory and serves them from baseURL.
type DirStore struct {
	dir     string
	baseURL string
}

// NewDirStore creates dir if needed.
func NewDirStore(dir, baseURL string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	return &DirStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes data atomically and returns its public URL.
func (s *DirStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}

	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return s.baseURL + "/" + url.PathEscape(name), nil
}
