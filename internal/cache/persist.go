package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/toolshelf/internal/cachestore"
)

// record is the durable encoding of an entry. Times are Unix milliseconds.
type record struct {
	Value     json.RawMessage `json:"value"`
	WrittenAt int64           `json:"written_at"`
	ExpiresAt int64           `json:"expires_at"`
	StaleAt   int64           `json:"stale_at,omitempty"`
}

// persist mirrors e into the store. Failures are logged; memory stays
// authoritative.
func (m *Manager[T]) persist(ctx context.Context, e *entry[T]) {
	if m.store == nil {
		return
	}

	value, err := json.Marshal(e.value)
	if err != nil {
		m.logger.Warn("cannot encode persistent entry", zap.String("key", e.key), zap.Error(err))
		return
	}
	rec := record{
		Value:     value,
		WrittenAt: e.writtenAt.UnixMilli(),
		ExpiresAt: e.expiresAt.UnixMilli(),
	}
	if !e.staleAt.IsZero() {
		rec.StaleAt = e.staleAt.UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn("cannot encode persistent entry", zap.String("key", e.key), zap.Error(err))
		return
	}

	if err := m.store.Save(ctx, e.key, data, e.expiresAt.Sub(e.writtenAt)); err != nil {
		m.logger.Warn("store save failed", zap.String("key", e.key), zap.Error(err))
	}
}

// hydrate loads key from the store into memory. It reports whether a usable
// entry was loaded. Missing, corrupt, expired and unreadable records are all
// treated as a miss.
func (m *Manager[T]) hydrate(ctx context.Context, key string, now time.Time) bool {
	if m.store == nil {
		return false
	}

	data, err := m.store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			m.logger.Warn("store load failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}

	var rec record
	var value T
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logger.Warn("discarding corrupt persistent entry", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		m.logger.Warn("discarding corrupt persistent entry", zap.String("key", key), zap.Error(err))
		return false
	}

	e := &entry[T]{
		key:        key,
		value:      value,
		writtenAt:  time.UnixMilli(rec.WrittenAt),
		expiresAt:  time.UnixMilli(rec.ExpiresAt),
		persistent: true,
	}
	if rec.StaleAt > 0 {
		e.staleAt = time.UnixMilli(rec.StaleAt)
	}
	if e.expired(now) {
		return false
	}

	m.mu.Lock()
	if _, ok := m.lookupLocked(key, now); !ok {
		m.insertLocked(e, now)
	}
	m.mu.Unlock()
	return true
}
