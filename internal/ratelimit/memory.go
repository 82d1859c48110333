package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter はプロセス内のマップでバケットを管理するLimiter実装。
// 再起動するとバケットはリセットされる。
type MemoryLimiter struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewMemoryLimiter は新しいMemoryLimiterを生成する。
// バックグラウンドでアイドル状態のバケットのクリーンアップを開始する。
func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	l := &MemoryLimiter{
		policy:          policy,
		now:             time.Now,
		buckets:         make(map[string][]time.Time),
		cleanupInterval: policy.Window,
		stopCh:          make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow はウィンドウ外の記録を削除したうえで残数を判定する。
// 上限に達している場合は記録せずにfalseを返す。
func (l *MemoryLimiter) Allow(_ context.Context, ip, operation string) (bool, error) {
	key := Key(ip, operation)
	now := l.now()
	cutoff := now.Add(-l.policy.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.buckets[key], cutoff)
	if len(kept) >= l.policy.Max {
		l.buckets[key] = kept
		return false, nil
	}

	l.buckets[key] = append(kept, now)
	return true, nil
}

// BucketCount は現在管理されているバケット数を返す。
// テストおよびメトリクス用。
func (l *MemoryLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup はウィンドウ内の記録が1件も残っていないバケットを削除する。
func (l *MemoryLimiter) cleanup() {
	cutoff := l.now().Add(-l.policy.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, stamps := range l.buckets {
		kept := prune(stamps, cutoff)
		if len(kept) == 0 {
			delete(l.buckets, key)
			continue
		}
		l.buckets[key] = kept
	}
}

// prune はcutoffより後の記録だけを残す。記録は時刻順に並んでいる。
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
