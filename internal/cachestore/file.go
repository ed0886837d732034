package cachestore

// ============================================================================
// 職責說明：
// 1. 將所有持久化快取項目序列化為單一 JSON 文件
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 損壞或版本不符的文件視為空快取（快取永遠不是唯一真實來源）
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedFile       = errors.New("cache file is corrupted")
	ErrIncompatibleVersion = errors.New("cache file schema version is incompatible")
)

const fileSchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// fileEntry 單一項目；ExpiresAt 為 Unix 毫秒，0 表示不過期
type fileEntry struct {
	Data      []byte `json:"data"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// fileDocument 磁碟上的完整文件
type fileDocument struct {
	SchemaVer int                  `json:"schema_version"`
	Entries   map[string]fileEntry `json:"entries"`
}

// FileStore 以單一 JSON 文件保存的 Store
type FileStore struct {
	path   string     // 文件路徑
	mu     sync.Mutex // 保護檔案操作
	logger *zap.Logger
	now    func() time.Time
}

// NewFileStore 建立 FileStore；目錄不存在時自動建立
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &FileStore{
		path:   path,
		logger: logger.Named("filestore"),
		now:    time.Now,
	}, nil
}

// Path 取得文件路徑（用於測試與除錯）
func (s *FileStore) Path() string {
	return s.path
}

// ============================================================================
// Store 介面實作
// ============================================================================

func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readLocked()
	entry, ok := doc.Entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.ExpiresAt > 0 && s.now().UnixMilli() >= entry.ExpiresAt {
		return nil, ErrNotFound
	}
	return entry.Data, nil
}

func (s *FileStore) Save(_ context.Context, key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readLocked()
	s.pruneLocked(&doc)

	entry := fileEntry{Data: data}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl).UnixMilli()
	}
	doc.Entries[key] = entry
	return s.writeLocked(doc)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readLocked()
	if _, ok := doc.Entries[key]; !ok {
		return nil
	}
	delete(doc.Entries, key)
	return s.writeLocked(doc)
}

func (s *FileStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readLocked()
	removed := 0
	for key := range doc.Entries {
		if strings.HasPrefix(key, prefix) {
			delete(doc.Entries, key)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return s.writeLocked(doc)
}

// ============================================================================
// 檔案讀寫
// ============================================================================

// readLocked 載入文件
//
// 行為：
//   - 檔案不存在時回傳空文件（首次啟動）
//   - 損壞或版本不符時記錄警告並回傳空文件
func (s *FileStore) readLocked() fileDocument {
	empty := fileDocument{SchemaVer: fileSchemaVersion, Entries: make(map[string]fileEntry)}

	doc, err := s.decode()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("discarding unreadable cache file",
				zap.String("path", s.path), zap.Error(err))
		}
		return empty
	}
	return doc
}

func (s *FileStore) decode() (fileDocument, error) {
	var doc fileDocument

	jsonBytes, err := os.ReadFile(s.path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrCorruptedFile, err)
	}
	if doc.SchemaVer != fileSchemaVersion {
		return doc, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, fileSchemaVersion)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]fileEntry)
	}
	return doc, nil
}

// pruneLocked 移除已過期項目，避免文件無限成長
func (s *FileStore) pruneLocked(doc *fileDocument) {
	nowMs := s.now().UnixMilli()
	for key, entry := range doc.Entries {
		if entry.ExpiresAt > 0 && nowMs >= entry.ExpiresAt {
			delete(doc.Entries, key)
		}
	}
}

// writeLocked 原子性寫入
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (s *FileStore) writeLocked(doc fileDocument) error {
	doc.SchemaVer = fileSchemaVersion

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal cache file: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}
