package verification

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func guardsForTest(t *testing.T) (map[string]Guard, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Guard{
		"memory": NewMemoryGuard(time.Hour),
		"redis":  NewRedisGuard(client, time.Hour, "test"),
	}, server
}

func TestGuard_SecondClaimFails(t *testing.T) {
	guards, _ := guardsForTest(t)

	for name, g := range guards {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := g.Claim(ctx, "token-1")
			if err != nil || !ok {
				t.Fatalf("first Claim = (%v, %v), want (true, nil)", ok, err)
			}
			ok, err = g.Claim(ctx, "token-1")
			if err != nil || ok {
				t.Errorf("second Claim = (%v, %v), want (false, nil)", ok, err)
			}
			ok, _ = g.Claim(ctx, "token-2")
			if !ok {
				t.Error("a different token should be claimable")
			}
		})
	}
}

func TestGuard_ReleaseAllowsRetry(t *testing.T) {
	guards, _ := guardsForTest(t)

	for name, g := range guards {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			g.Claim(ctx, "retry-me")
			if err := g.Release(ctx, "retry-me"); err != nil {
				t.Fatalf("Release: %v", err)
			}
			if ok, _ := g.Claim(ctx, "retry-me"); !ok {
				t.Error("token should be claimable after Release")
			}
		})
	}
}

func TestMemoryGuard_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewMemoryGuard(time.Hour)
	g.now = func() time.Time { return now }

	g.Claim(context.Background(), "t")
	now = now.Add(time.Hour)

	if ok, _ := g.Claim(context.Background(), "t"); !ok {
		t.Error("expired claim should not block")
	}
	if g.Len() != 1 {
		t.Errorf("Len = %d, want 1", g.Len())
	}
}

func TestMemoryGuard_ConcurrentClaims(t *testing.T) {
	g := NewMemoryGuard(time.Hour)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.Claim(context.Background(), "same"); ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("winners = %d, want 1", won)
	}
}

func TestRedisGuard_StoresHashWithTTL(t *testing.T) {
	guards, server := guardsForTest(t)
	g := guards["redis"]

	g.Claim(context.Background(), "raw-secret-token")

	keys := server.Keys()
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want 1 key", keys)
	}
	if strings.Contains(keys[0], "raw-secret-token") {
		t.Errorf("raw token stored in key %q", keys[0])
	}
	if ttl := server.TTL(keys[0]); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	server.FastForward(time.Hour + time.Second)
	if ok, _ := g.Claim(context.Background(), "raw-secret-token"); !ok {
		t.Error("claim should be possible after TTL expiry")
	}
}

func TestRedisGuard_ServerDown(t *testing.T) {
	guards, server := guardsForTest(t)
	server.Close()

	if _, err := guards["redis"].Claim(context.Background(), "t"); err == nil {
		t.Error("expected error when redis is unavailable")
	}
}
