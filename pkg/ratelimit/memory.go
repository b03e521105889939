package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

type windowCounter struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a process-local fixed-window limiter. Expired windows are
// swept periodically until Stop is called.
type MemoryLimiter struct {
	mu       sync.Mutex
	windows  map[string]*windowCounter
	now      func() time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryLimiter creates a limiter and starts its cleanup loop.
func NewMemoryLimiter() *MemoryLimiter {
	l := newMemoryLimiter(time.Now)
	go l.cleanupExpiredWindows(5 * time.Minute)
	return l
}

func newMemoryLimiter(now func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*windowCounter),
		now:     now,
		stop:    make(chan struct{}),
	}
}

func (l *MemoryLimiter) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	if limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	key := scope + ":" + subject
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &windowCounter{resetAt: now.Add(window)}
		l.windows[key] = w
	}
	w.count++

	retryAfter := int(math.Ceil(w.resetAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return w.count, retryAfter, nil
}

func (l *MemoryLimiter) cleanupExpiredWindows(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *MemoryLimiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// Stop ends the cleanup loop.
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
