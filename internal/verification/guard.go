// Package verification はメール確認トークンの再利用を防ぐ使用済み記録を提供する。
package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Guard はトークンの使用済み記録のインターフェース。
type Guard interface {
	// Claim は未使用のトークンを使用済みにしてtrueを返す。使用済みならfalseを返す。
	Claim(ctx context.Context, token string) (bool, error)
	// Release は確認に失敗したトークンの記録を取り消す。
	Release(ctx context.Context, token string) error
}

// hashToken はトークンを記録用のキーに変換する。生のトークンは保持しない。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryGuard はプロセス内のTTL付きマップで記録するGuard実装。
type MemoryGuard struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	claims map[string]time.Time // キー → 失効時刻
}

// NewMemoryGuard はMemoryGuardを生成する。
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		ttl:    ttl,
		now:    time.Now,
		claims: make(map[string]time.Time),
	}
}

func (g *MemoryGuard) Claim(_ context.Context, token string) (bool, error) {
	key := hashToken(token)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	// 失効済みの記録はClaimのたびに掃除する
	for k, exp := range g.claims {
		if !now.Before(exp) {
			delete(g.claims, k)
		}
	}

	if _, used := g.claims[key]; used {
		return false, nil
	}
	g.claims[key] = now.Add(g.ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, hashToken(token))
	return nil
}

// Len は保持している記録数を返す。テスト用。
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claims)
}
