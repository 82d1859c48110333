// Package notify はトランザクションメールの送信を提供する。
// 送信失敗は呼び出し元のHTTPレスポンスを失敗させず、結果として返すのみ。
package notify

import (
	"context"
)

// Result は1通分の送信結果。
type Result struct {
	Sent    bool
	Skipped bool // 送信プロバイダ未設定のため送信しなかった
	Err     error
}

// Dispatcher はメール送信のインターフェース。
type Dispatcher interface {
	SendWelcome(ctx context.Context, email string) Result
	SendVerification(ctx context.Context, email, username, verifyURL string) Result
	SendResend(ctx context.Context, email string) Result
}

// NoopDispatcher はメール送信が設定されていない場合のDispatcher。
// すべての呼び出しがSkippedを返す。
type NoopDispatcher struct{}

func (NoopDispatcher) SendWelcome(context.Context, string) Result {
	return Result{Skipped: true}
}

func (NoopDispatcher) SendVerification(context.Context, string, string, string) Result {
	return Result{Skipped: true}
}

func (NoopDispatcher) SendResend(context.Context, string) Result {
	return Result{Skipped: true}
}
