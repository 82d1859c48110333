package ratelimit

import (
	"context"
	"log/slog"
)

// FailurePolicy はバックエンド障害時の判定方針でLimiterを包む。
type FailurePolicy struct {
	inner    Limiter
	failOpen bool
	logger   *slog.Logger
}

// WithFailurePolicy はinnerがエラーを返したときにfailOpenに従って判定するLimiterを返す。
// failOpen=trueなら許可、falseなら拒否する。いずれの場合もエラーは呼び出し側に返さない。
func WithFailurePolicy(inner Limiter, failOpen bool, logger *slog.Logger) *FailurePolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailurePolicy{inner: inner, failOpen: failOpen, logger: logger}
}

func (p *FailurePolicy) Allow(ctx context.Context, ip, operation string) (bool, error) {
	ok, err := p.inner.Allow(ctx, ip, operation)
	if err != nil {
		p.logger.Warn("rate limiter unavailable",
			slog.String("operation", operation),
			slog.Bool("fail_open", p.failOpen),
			slog.String("error", err.Error()),
		)
		return p.failOpen, nil
	}
	return ok, nil
}
