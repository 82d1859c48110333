package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMemoryLimiter(t *testing.T) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewMemoryLimiter(DefaultPolicy())
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestMemoryLimiter_AllowsUpToMaxThenDenies(t *testing.T) {
	l, _ := newTestMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4", OpRegister)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, _ := l.Allow(ctx, "1.2.3.4", OpRegister)
	if ok {
		t.Error("11th request within the window should be denied")
	}
}

func TestMemoryLimiter_DeniedRequestIsNotRecorded(t *testing.T) {
	l, clock := newTestMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "1.2.3.4", OpLogin)
	}
	// 拒否されたリクエストはウィンドウを延長しない
	clock.Advance(4 * time.Minute)
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(ctx, "1.2.3.4", OpLogin); ok {
			t.Fatal("request should still be denied")
		}
	}

	clock.Advance(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "1.2.3.4", OpLogin); !ok {
		t.Error("request after the window should be allowed")
	}
}

func TestMemoryLimiter_WindowSlides(t *testing.T) {
	l, clock := newTestMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Allow(ctx, "1.2.3.4", OpRegister)
	}
	clock.Advance(3 * time.Minute)
	for i := 0; i < 5; i++ {
		l.Allow(ctx, "1.2.3.4", OpRegister)
	}
	if ok, _ := l.Allow(ctx, "1.2.3.4", OpRegister); ok {
		t.Fatal("bucket should be full")
	}

	// 最初の5件がウィンドウ外に出る
	clock.Advance(2*time.Minute + time.Second)
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(ctx, "1.2.3.4", OpRegister); !ok {
			t.Fatalf("request %d should be allowed after oldest entries expire", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "1.2.3.4", OpRegister); ok {
		t.Error("bucket should be full again")
	}
}

func TestMemoryLimiter_BucketsAreIndependent(t *testing.T) {
	l, _ := newTestMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "1.2.3.4", OpRegister)
	}

	if ok, _ := l.Allow(ctx, "1.2.3.4", OpLogin); !ok {
		t.Error("different operation should use a separate bucket")
	}
	if ok, _ := l.Allow(ctx, "5.6.7.8", OpRegister); !ok {
		t.Error("different ip should use a separate bucket")
	}
}

func TestMemoryLimiter_EmptyIPUsesAnonBucket(t *testing.T) {
	l, _ := newTestMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "", OpRegister)
	}
	if ok, _ := l.Allow(ctx, AnonymousIP, OpRegister); ok {
		t.Error("explicit anon and empty ip should share a bucket")
	}
}

func TestMemoryLimiter_CleanupRemovesIdleBuckets(t *testing.T) {
	l, clock := newTestMemoryLimiter(t)
	ctx := context.Background()

	l.Allow(ctx, "1.1.1.1", OpLogin)
	l.Allow(ctx, "2.2.2.2", OpLogin)
	clock.Advance(3 * time.Minute)
	l.Allow(ctx, "3.3.3.3", OpLogin)

	clock.Advance(3 * time.Minute)
	l.cleanup()

	if got := l.BucketCount(); got != 1 {
		t.Errorf("BucketCount = %d, want 1", got)
	}
}

func TestMemoryLimiter_ConcurrentAccess(t *testing.T) {
	l, _ := newTestMemoryLimiter(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow(ctx, "9.9.9.9", OpRegister); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}

func TestKey(t *testing.T) {
	if got := Key("1.2.3.4", OpLogin); got != "1.2.3.4:login" {
		t.Errorf("Key = %q", got)
	}
	if got := Key("", OpRegister); got != "anon:register" {
		t.Errorf("Key = %q", got)
	}
}
