package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/postcommit"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/role"
)

// 登録後の副作用の名前。diagnosticsのtypeとメトリクスのhookラベルに使う。
const (
	hookRoleInsert     = "role_table_insert"
	hookMetadataUpdate = "user_metadata_update"
	hookEmail          = "email"
)

// VerificationModeProxy はプロキシが確認トークンを発行するモード。
const VerificationModeProxy = "proxy"

// Register はアカウントを作成し、自動ログインを試みる。
// サインアップ成功後の副作用や自動ログインの失敗はdebugにのみ記録し、success:trueを返す。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var body credentials
	decodeBody(r, &body)
	body.Email = strings.TrimSpace(body.Email)
	body.Username = strings.TrimSpace(body.Username)

	if body.Email == "" || body.Password == "" {
		middleware.WriteError(w, http.StatusBadRequest, msgMissingCredentials)
		return
	}
	if h.config.RequireUsername && body.Username == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Email, password and username required")
		return
	}
	if !h.allow(w, r, ratelimit.OpRegister) {
		return
	}

	var metadata map[string]any
	if body.Username != "" {
		metadata = map[string]any{"username": body.Username}
	}

	user, _, err := h.identity.SignUp(r.Context(), body.Email, body.Password, metadata)
	if err != nil {
		h.writeSignUpError(w, body.Email, err)
		return
	}

	diag := model.Diagnostics{RoleEnrichmentAttempts: []model.EnrichmentAttempt{}}
	user = h.runRegistrationHooks(r.Context(), user, body, &diag)

	// Cookieは認証済みの応答を受け取ってからのみ発行する
	sess, loginErr := h.identity.PasswordLogin(r.Context(), body.Email, body.Password)
	if loginErr == nil {
		cookies, err := h.cookies.IssueSession(sess)
		loginErr = err
		if err == nil {
			diag.AutoLogin = true
			h.setCookies(w, cookies)
		}
	}
	if loginErr != nil {
		slog.Info("auto-login after registration failed",
			slog.String("email_domain", logger.EmailDomain(body.Email)),
			slog.String("error", loginErr.Error()),
		)
	}

	h.metrics.RecordAuthRequest(ratelimit.OpRegister, metrics.OutcomeSuccess)

	resp := map[string]any{"success": true, "user": user}
	if h.config.ExposeDiagnostics {
		resp["debug"] = diag
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// writeSignUpError はサインアップの失敗を上流のステータスとメッセージのまま返す。
func (h *AuthHandler) writeSignUpError(w http.ResponseWriter, email string, err error) {
	h.recordFailure(ratelimit.OpRegister, err)

	status, msg := http.StatusBadRequest, "Registration failed"
	if ae, ok := model.AsAuthError(err); ok {
		status, msg = ae.Status, ae.Message
	}
	slog.Info("registration failed",
		slog.String("email_domain", logger.EmailDomain(email)),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	resp := map[string]any{"error": msg}
	if h.config.ExposeDiagnostics {
		resp["debug"] = map[string]any{
			"status":    status,
			"timestamp": h.now().UTC().Format(time.RFC3339Nano),
		}
	}
	middleware.WriteJSON(w, status, resp)
}

// runRegistrationHooks はロール行の作成とメタデータのミラーを並行に実行し、続けてメールを送る。
// メタデータの書き込み（確認トークンを含む）がメール送信より先に完了している必要があるため2段階で実行する。
// ロールの付与に成功した場合はロール付きのユーザーを返す。
func (h *AuthHandler) runRegistrationHooks(ctx context.Context, user *model.User, body credentials, diag *model.Diagnostics) *model.User {
	if user == nil || user.ID == "" {
		diag.RoleEnrichmentAttempts = append(diag.RoleEnrichmentAttempts, model.EnrichmentAttempt{
			Type:   "skipped",
			Reason: "No user ID",
		})
		diag.EmailSent = h.sendRegistrationEmail(ctx, body, "", diag)
		return user
	}

	defaultRole := h.roles.Profile().Default
	proxyMode := h.config.VerificationMode == VerificationModeProxy

	// プロキシモードでは確認トークンをロールと同じ書き込みでuser_metadataに保存する
	mirrored := *user
	var token string
	if proxyMode {
		var err error
		token, err = identity.GenerateVerificationToken()
		if err != nil {
			slog.Error("failed to generate verification token", slog.String("error", err.Error()))
		} else {
			mirrored.UserMetadata = identity.VerificationMetadata(user.UserMetadata, token, h.now().Add(h.config.VerificationTokenTTL))
		}
	}

	outcomes := h.hooks.Run(ctx,
		postcommit.Hook{Name: hookRoleInsert, Run: func(ctx context.Context) (int, error) {
			return statusOf(h.roles.InsertDefaultRole(ctx, user.ID))
		}},
		postcommit.Hook{Name: hookMetadataUpdate, Run: func(ctx context.Context) (int, error) {
			return statusOf(h.roles.MirrorToMetadata(ctx, &mirrored, defaultRole))
		}},
	)

	metadataOK := false
	for _, o := range outcomes {
		diag.RoleEnrichmentAttempts = append(diag.RoleEnrichmentAttempts, attemptOf(o))
		if o.Name == hookMetadataUpdate && o.OK() {
			metadataOK = true
		}
	}

	if proxyMode && (!metadataOK || token == "") {
		// トークンが保存されていないリンクは検証できないため送らない
		token = ""
	}
	diag.EmailSent = h.sendRegistrationEmail(ctx, body, h.verifyURL(token, user.ID), diag)

	if metadataOK {
		enriched := user.WithRole(defaultRole)
		return &enriched
	}
	return user
}

// sendRegistrationEmail はモードに応じてウェルカムメールまたは確認メールを送る。
// verifyURLが空の場合、プロキシモードでは送信しない。
func (h *AuthHandler) sendRegistrationEmail(ctx context.Context, body credentials, verifyURL string, diag *model.Diagnostics) bool {
	proxyMode := h.config.VerificationMode == VerificationModeProxy
	if proxyMode && verifyURL == "" {
		return false
	}

	var sent bool
	h.hooks.Run(ctx, postcommit.Hook{Name: hookEmail, Run: func(ctx context.Context) (int, error) {
		var res notify.Result
		if proxyMode {
			username := body.Username
			if username == "" {
				username = body.Email
			}
			res = h.notifier.SendVerification(ctx, body.Email, username, verifyURL)
		} else {
			res = h.notifier.SendWelcome(ctx, body.Email)
		}
		sent = res.Sent
		return 0, res.Err
	}})

	return sent
}

// verifyURL はプロキシモードの確認リンクを組み立てる。tokenが空なら空文字を返す。
func (h *AuthHandler) verifyURL(token, userID string) string {
	if token == "" {
		return ""
	}
	q := url.Values{}
	q.Set("token", token)
	q.Set("uid", userID)
	return h.config.AppBaseURL + h.config.RoutePrefix + "/auth/verify-email?" + q.Encode()
}

// attemptOf はフックの結果をdiagnosticsのエントリに変換する。
func attemptOf(o postcommit.Outcome) model.EnrichmentAttempt {
	a := model.EnrichmentAttempt{Type: o.Name, Success: o.OK(), Status: o.Status}
	if o.Err != nil {
		a.Error = o.Err.Error()
	}
	return a
}

// statusOf は副作用の結果を診断用のステータスに変換する。
func statusOf(err error) (int, error) {
	if err == nil {
		return http.StatusOK, nil
	}
	if status := identity.StatusOf(err); status != 0 {
		return status, err
	}
	return role.StatusOf(err), err
}
