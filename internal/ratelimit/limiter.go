// Package ratelimit — ограничение частоты запросов по произвольному ключу
// (например "login:1.2.3.4"). Фиксированное окно: простой счётчик, на границе
// окна возможно до 2×limit запросов — осознанный компромисс для защиты от
// злоупотреблений, а не точного квотирования.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter — true, если вызов по ключу надо заблокировать.
// Реализации: Memory (в рамках процесса), Redis (общий счётчик на все инстансы).
type Limiter interface {
	Limited(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

const pruneThreshold = 4096

type counter struct {
	count   int
	resetAt time.Time
}

// Memory — процесс-локальный лимитер. Создаётся один раз в main и передаётся
// явно (без скрытых глобалов), чтобы тесты могли строить изолированные инстансы.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{counters: make(map[string]*counter), now: time.Now}
}

func (m *Memory) Limited(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.resetAt) {
		if len(m.counters) >= pruneThreshold {
			m.prune(now)
		}
		m.counters[key] = &counter{count: 1, resetAt: now.Add(window)}
		return false, nil
	}
	if c.count >= limit {
		return true, nil
	}
	c.count++
	return false, nil
}

// prune удаляет истёкшие счётчики; вызывается под mu.
func (m *Memory) prune(now time.Time) {
	for k, c := range m.counters {
		if !now.Before(c.resetAt) {
			delete(m.counters, k)
		}
	}
}
