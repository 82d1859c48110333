// Package postcommit は主処理の成功後に行うベストエフォートの副作用を実行する。
// 副作用の失敗は主処理の結果に影響しない。
package postcommit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Hook は1つの副作用。
// Statusは上流のHTTPステータスなど診断用の値で、不明な場合は0を返す。
type Hook struct {
	Name string
	Run  func(ctx context.Context) (status int, err error)
}

// Outcome は1つのHookの実行結果。
type Outcome struct {
	Name     string
	Status   int
	Err      error
	Duration time.Duration
}

// OK はHookが成功したかを返す。
func (o Outcome) OK() bool {
	return o.Err == nil
}

// FailureRecorder はHookの失敗を記録する。
type FailureRecorder interface {
	RecordSideEffectFailure(hook string)
}

// Runner はHookを並行実行する。
type Runner struct {
	logger   *slog.Logger
	recorder FailureRecorder
	timeout  time.Duration
}

// NewRunner はRunnerを生成する。timeoutが0以下の場合はHook全体に期限を設けない。
func NewRunner(logger *slog.Logger, recorder FailureRecorder, timeout time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, recorder: recorder, timeout: timeout}
}

// Run はhooksを並行に実行し、登録順の結果を返す。
// 各Hookのエラーとpanicは個別に捕捉し、他のHookを中断しない。
func (r *Runner) Run(ctx context.Context, hooks ...Hook) []Outcome {
	outcomes := make([]Outcome, len(hooks))
	if len(hooks) == 0 {
		return outcomes
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// errgroup.WithContextは使わない。1つの失敗で他をキャンセルしないため。
	var g errgroup.Group
	for i, h := range hooks {
		g.Go(func() error {
			outcomes[i] = r.runOne(ctx, h)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		r.logger.Warn("post-commit hook failed",
			slog.String("hook", o.Name),
			slog.Int("status", o.Status),
			slog.String("error", o.Err.Error()),
		)
		if r.recorder != nil {
			r.recorder.RecordSideEffectFailure(o.Name)
		}
	}
	return outcomes
}

func (r *Runner) runOne(ctx context.Context, h Hook) (out Outcome) {
	out.Name = h.Name
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out.Err = fmt.Errorf("panic in hook %s: %v", h.Name, rec)
		}
		out.Duration = time.Since(start)
	}()

	out.Status, out.Err = h.Run(ctx)
	return out
}
