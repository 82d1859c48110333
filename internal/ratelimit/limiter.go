// Package ratelimit はクライアントIPと操作名ごとのスライディングウィンドウ型レート制限を提供する。
package ratelimit

import (
	"context"
	"time"
)

// 操作名。バケットキーの後半に使われる。
const (
	OpRegister           = "register"
	OpLogin              = "login"
	OpRefresh            = "refresh"
	OpResendVerification = "resend-verification"
	OpVerifyEmail        = "verify-email"
)

// AnonymousIP はクライアントIPが特定できない場合のバケット名。
// 匿名クライアントは操作ごとに1つのバケットを共有する。
const AnonymousIP = "anon"

// Policy はウィンドウ長と最大リクエスト数を保持する。
type Policy struct {
	Window time.Duration
	Max    int
}

// DefaultPolicy は5分間に10リクエストのポリシーを返す。
func DefaultPolicy() Policy {
	return Policy{
		Window: 5 * time.Minute,
		Max:    10,
	}
}

// Limiter はレート制限判定のインターフェース。
// Allowは許可した場合のみ現在時刻を記録する。
type Limiter interface {
	Allow(ctx context.Context, ip, operation string) (bool, error)
}

// Key はバケットキー "{ip}:{operation}" を返す。
func Key(ip, operation string) string {
	if ip == "" {
		ip = AnonymousIP
	}
	return ip + ":" + operation
}
