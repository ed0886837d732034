package cache

import (
	"time"

	"go.uber.org/zap"
)

// sweepLoop periodically removes expired entries so keys written once and
// never read again do not pin memory.
func (m *Manager[T]) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep removes expired entries now and returns how many were removed.
func (m *Manager[T]) Sweep() int {
	now := m.now()

	m.mu.Lock()
	removed := m.deleteExpiredLocked(now)
	entries := len(m.items)
	m.mu.Unlock()

	if removed > 0 {
		m.recorder.RecordCacheEviction(m.name, removed)
		m.logger.Debug("expired entries swept", zap.Int("removed", removed))
	}
	m.recorder.SetCacheEntries(m.name, entries)
	return removed
}

func (m *Manager[T]) deleteExpiredLocked(now time.Time) int {
	removed := 0
	for elem := m.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry[T])
		if e.expired(now) {
			m.order.Remove(elem)
			delete(m.items, e.key)
			removed++
		}
		elem = next
	}
	return removed
}

// evictLocked enforces MaxEntries: expired entries go first, then the oldest
// writes. The newest write sits at the back and is only removed when
// MaxEntries is smaller than one.
func (m *Manager[T]) evictLocked(now time.Time) int {
	if m.config.MaxEntries <= 0 || len(m.items) <= m.config.MaxEntries {
		return 0
	}

	removed := m.deleteExpiredLocked(now)
	for len(m.items) > m.config.MaxEntries {
		front := m.order.Front()
		if front == nil {
			break
		}
		m.order.Remove(front)
		delete(m.items, front.Value.(*entry[T]).key)
		removed++
	}
	return removed
}
