package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/postcommit"
	"github.com/hitoshi/authgate/internal/ratelimit"
)

// ResendVerification は確認メールの再送を依頼する。
// アカウントの存在を推測させないため、結果に関わらず success:true を返す。
// POST /auth/resend-verification
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	decodeBody(r, &body)
	email := strings.TrimSpace(body.Email)

	if email == "" {
		middleware.WriteError(w, http.StatusBadRequest, msgMissingEmail)
		return
	}
	if !h.allow(w, r, ratelimit.OpResendVerification) {
		return
	}

	h.hooks.Run(r.Context(),
		postcommit.Hook{Name: "backend_resend", Run: func(ctx context.Context) (int, error) {
			return statusOf(h.identity.ResendSignupConfirmation(ctx, email))
		}},
		postcommit.Hook{Name: "resend_email", Run: func(ctx context.Context) (int, error) {
			return 0, h.notifier.SendResend(ctx, email).Err
		}},
	)

	slog.Info("verification resend requested", slog.String("email_domain", logger.EmailDomain(email)))
	h.metrics.RecordAuthRequest(ratelimit.OpResendVerification, metrics.OutcomeSuccess)
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// VerifyEmail はメール確認リンクのトークンを検証する。
// トークンは一度だけ使用でき、検証に失敗した場合は再試行できるよう使用済み記録を取り消す。
// GET /auth/verify-email?token=...&uid=...
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		token = q.Get("token_hash")
	}
	if token == "" {
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Missing token"})
		return
	}
	if !h.allow(w, r, ratelimit.OpVerifyEmail) {
		return
	}

	claimed, err := h.guard.Claim(r.Context(), token)
	if err != nil {
		slog.Error("verification replay guard unavailable", slog.String("error", err.Error()))
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"error":   "Verification temporarily unavailable",
		})
		return
	}
	if !claimed {
		h.metrics.RecordAuthRequest(ratelimit.OpVerifyEmail, metrics.OutcomeFailure)
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "Verification link has already been used",
		})
		return
	}

	strategy, err := h.verifier.Verify(r.Context(), identity.VerifyRequest{
		Token:  token,
		UserID: q.Get("uid"),
	})
	if err != nil {
		if relErr := h.guard.Release(r.Context(), token); relErr != nil {
			slog.Warn("failed to release verification token", slog.String("error", relErr.Error()))
		}
		h.recordFailure(ratelimit.OpVerifyEmail, err)
		slog.Info("email verification failed", slog.String("error", err.Error()))
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]bool{"success": false})
		return
	}

	slog.Info("email verified", slog.String("strategy", strategy))
	h.metrics.RecordAuthRequest(ratelimit.OpVerifyEmail, metrics.OutcomeSuccess)
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
