package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter_CountsWithinWindowAndResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newMemoryLimiter(func() time.Time { return now })

	for i := 1; i <= 3; i++ {
		count, retryAfter, err := l.ConsumeRateLimit(context.Background(), "claim", "10.0.0.1", 2, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != i {
			t.Fatalf("expected count %d, got %d", i, count)
		}
		if retryAfter != 60 {
			t.Fatalf("expected retry after 60s, got %d", retryAfter)
		}
	}

	now = now.Add(61 * time.Second)
	count, _, _ := l.ConsumeRateLimit(context.Background(), "claim", "10.0.0.1", 2, time.Minute)
	if count != 1 {
		t.Fatalf("expected window reset, got count %d", count)
	}
}

func TestMemoryLimiter_SubjectsAreIndependent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newMemoryLimiter(func() time.Time { return now })

	l.ConsumeRateLimit(context.Background(), "claim", "a", 1, time.Minute)
	count, _, _ := l.ConsumeRateLimit(context.Background(), "claim", "b", 1, time.Minute)
	if count != 1 {
		t.Fatalf("expected independent counter, got %d", count)
	}
}

func TestMemoryLimiter_DisabledLimitIsNoop(t *testing.T) {
	l := newMemoryLimiter(time.Now)
	count, retryAfter, err := l.ConsumeRateLimit(context.Background(), "claim", "a", 0, time.Minute)
	if err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("expected no-op, got count=%d retry=%d err=%v", count, retryAfter, err)
	}
}

func TestMemoryLimiter_SweepDropsExpiredWindows(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newMemoryLimiter(func() time.Time { return now })
	l.ConsumeRateLimit(context.Background(), "claim", "a", 5, time.Minute)

	now = now.Add(2 * time.Minute)
	l.sweep()

	if len(l.windows) != 0 {
		t.Fatalf("expected expired windows to be swept, %d left", len(l.windows))
	}
}

func TestRedisLimiter_KeyUsesTrimmedPrefix(t *testing.T) {
	l := NewRedisLimiter(nil, " transfa:reward: ")
	if got := l.key("claim", "10.0.0.1"); got != "transfa:reward:claim:10.0.0.1" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := NewRedisLimiter(nil, "").key("claim", "x"); got != defaultRedisPrefix+":claim:x" {
		t.Fatalf("unexpected default key %q", got)
	}
}
