// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
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
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/verification"
)

// ユーザーに返す固定メッセージ。
const (
	msgMissingCredentials = "Email and password required"
	msgMissingEmail       = "Email required"
	msgInvalidCredentials = "Invalid email or password. Please check your credentials."
	msgEmailNotConfirmed  = "Please check your email and confirm your account before signing in."
	msgUnavailable        = "Authentication service unavailable"
)

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 1 << 20

// IdentityClient は認証ハンドラーが必要とするアイデンティティバックエンドの操作。
type IdentityClient interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*model.User, *model.Session, error)
	PasswordLogin(ctx context.Context, email, password string) (*model.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error)
	GetUser(ctx context.Context, accessToken string) (*model.User, error)
	ResendSignupConfirmation(ctx context.Context, email string) error
}

// RoleService はロールの参照と更新を行うサービスインターフェース。
type RoleService interface {
	Profile() model.RoleProfile
	Enrich(ctx context.Context, user *model.User) *model.User
	SetRole(ctx context.Context, userID, raw string) (role.SetResult, error)
	InsertDefaultRole(ctx context.Context, userID string) error
	MirrorToMetadata(ctx context.Context, user *model.User, r model.Role) error
}

// HookRunner は登録後の副作用を実行する。
type HookRunner interface {
	Run(ctx context.Context, hooks ...postcommit.Hook) []postcommit.Outcome
}

// EmailVerifier はメール確認トークンを検証し、成功した手段の名前を返す。
type EmailVerifier interface {
	Verify(ctx context.Context, req identity.VerifyRequest) (string, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	AppBaseURL           string
	RoutePrefix          string
	VerificationMode     string // "backend" または "proxy"
	VerificationTokenTTL time.Duration
	RequireUsername      bool
	ExposeDiagnostics    bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	identity IdentityClient
	roles    RoleService
	limiter  ratelimit.Limiter
	cookies  *session.Manager
	hooks    HookRunner
	notifier notify.Dispatcher
	verifier EmailVerifier
	guard    verification.Guard
	metrics  metrics.MetricsCollector
	config   AuthHandlerConfig
	now      func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(deps *RouterDeps) *AuthHandler {
	m := deps.Metrics
	if m == nil {
		m = metrics.NoopCollector{}
	}
	return &AuthHandler{
		identity: deps.Identity,
		roles:    deps.Roles,
		limiter:  deps.Limiter,
		cookies:  deps.Cookies,
		hooks:    deps.Hooks,
		notifier: deps.Notifier,
		verifier: deps.Verifier,
		guard:    deps.ReplayGuard,
		metrics:  m,
		config:   deps.AuthConfig,
		now:      time.Now,
	}
}

// credentials は登録・ログインのリクエストボディ。
type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// Hello は稼働確認用のメッセージを返す。
// GET /auth/hello
func (h *AuthHandler) Hello(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"message": "Worker is live ✅"})
}

// Login はメールアドレスとパスワードでログインし、セッションCookieを発行する。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body credentials
	decodeBody(r, &body)
	body.Email = strings.TrimSpace(body.Email)

	if body.Email == "" || body.Password == "" {
		middleware.WriteError(w, http.StatusBadRequest, msgMissingCredentials)
		return
	}
	if !h.allow(w, r, ratelimit.OpLogin) {
		return
	}

	sess, err := h.identity.PasswordLogin(r.Context(), body.Email, body.Password)
	if err != nil {
		status, msg := loginErrorResponse(err)
		h.recordFailure(ratelimit.OpLogin, err)
		slog.Info("login failed",
			slog.String("email_domain", logger.EmailDomain(body.Email)),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, status, msg)
		return
	}

	user := sess.User
	if user != nil {
		user = h.roles.Enrich(r.Context(), user)
	}

	cookies, err := h.cookies.IssueSession(sess)
	if err != nil {
		h.rejectSession(w, ratelimit.OpLogin, err)
		return
	}
	h.setCookies(w, cookies)
	h.metrics.RecordAuthRequest(ratelimit.OpLogin, metrics.OutcomeSuccess)
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

// loginErrorResponse はログイン失敗をステータスとユーザー向けメッセージに変換する。
func loginErrorResponse(err error) (int, string) {
	if identity.IsUnavailable(err) {
		return http.StatusBadGateway, msgUnavailable
	}
	ae, ok := model.AsAuthError(err)
	if !ok {
		// 2xxだがトークンがない応答など
		return http.StatusUnauthorized, msgInvalidCredentials
	}
	msg := strings.ToLower(ae.Message)
	switch {
	case ae.Code == "invalid_credentials" || strings.Contains(msg, "invalid login credentials"):
		return http.StatusUnauthorized, msgInvalidCredentials
	case ae.Code == "email_not_confirmed" || strings.Contains(msg, "email not confirmed"):
		return http.StatusForbidden, msgEmailNotConfirmed
	case ae.Kind == model.KindBackend && ae.Status == http.StatusTooManyRequests:
		return http.StatusTooManyRequests, ae.Message
	default:
		return http.StatusUnauthorized, ae.Message
	}
}

// Logout はセッションCookieとリフレッシュCookieを削除する。バックエンドは呼ばない。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.setCookies(w, h.cookies.ClearAll())
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Refresh はリフレッシュCookieでセッションを更新する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	refreshToken, ok := h.cookies.ReadRefresh(r.Header.Get("Cookie"))
	if !ok || refreshToken == "" {
		middleware.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if !h.allow(w, r, ratelimit.OpRefresh) {
		return
	}

	sess, err := h.identity.RefreshSession(r.Context(), refreshToken)
	if err != nil {
		h.recordFailure(ratelimit.OpRefresh, err)
		if identity.IsUnavailable(err) {
			middleware.WriteError(w, http.StatusBadGateway, msgUnavailable)
			return
		}
		h.setCookies(w, h.cookies.ClearAll())
		middleware.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	cookies, err := h.cookies.IssueSession(sess)
	if err != nil {
		h.rejectSession(w, ratelimit.OpRefresh, err)
		return
	}
	h.setCookies(w, cookies)
	h.metrics.RecordAuthRequest(ratelimit.OpRefresh, metrics.OutcomeSuccess)
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Verify はセッションの有効性を返す。未ログインはエラーではなく loggedIn:false を返す。
// GET /auth/verify
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		middleware.WriteJSON(w, http.StatusOK, map[string]bool{"loggedIn": false})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"loggedIn": true, "user": user})
}

// Me は現在のログインユーザーを返す。未ログインまたは無効なセッションは401。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		middleware.WriteJSON(w, http.StatusUnauthorized, map[string]any{"loggedIn": false, "error": "Unauthorized"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"loggedIn": true, "user": user})
}

// currentUser はセッショントークンをバックエンドで検証し、ロールを付与したユーザーを返す。
// 結果はキャッシュしない。
func (h *AuthHandler) currentUser(r *http.Request) (*model.User, error) {
	token, ok := middleware.AccessTokenFromContext(r.Context())
	if !ok {
		return nil, model.NewNotAuthenticatedError()
	}
	user, err := h.identity.GetUser(r.Context(), token)
	if err != nil {
		slog.Debug("session lookup failed", slog.String("error", err.Error()))
		return nil, err
	}
	return h.roles.Enrich(r.Context(), user), nil
}

// allow はクライアントIPと操作のレート制限を確認する。
// 超過時は429を書き込んでfalseを返す。
func (h *AuthHandler) allow(w http.ResponseWriter, r *http.Request, op string) bool {
	ip := middleware.ClientIPFromContext(r.Context())
	ok, err := h.limiter.Allow(r.Context(), ip, op)
	if err != nil {
		// FailurePolicyでラップされていない場合のみ到達する
		slog.Error("rate limiter failed", slog.String("operation", op), slog.String("error", err.Error()))
		ok = true
	}
	if !ok {
		h.metrics.RecordRateLimited(op)
		h.metrics.RecordAuthRequest(op, metrics.OutcomeRateLimited)
		middleware.WriteAuthError(w, model.NewRateLimitError())
		return false
	}
	return true
}

func (h *AuthHandler) recordFailure(op string, err error) {
	outcome := metrics.OutcomeFailure
	if identity.IsUnavailable(err) {
		outcome = metrics.OutcomeUpstream
	}
	h.metrics.RecordAuthRequest(op, outcome)
}

// rejectSession はCookieに載せられないトークンを受け取った場合に502を返す。
func (h *AuthHandler) rejectSession(w http.ResponseWriter, op string, err error) {
	slog.Error("backend returned a token that cannot be stored in a cookie",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	h.metrics.RecordAuthRequest(op, metrics.OutcomeUpstream)
	middleware.WriteError(w, http.StatusBadGateway, msgUnavailable)
}

func (h *AuthHandler) setCookies(w http.ResponseWriter, cookies []string) {
	for _, c := range cookies {
		w.Header().Add("Set-Cookie", c)
	}
}

// decodeBody はJSONボディをdstに読み込む。不正なJSONは空のボディとして扱う。
func decodeBody(r *http.Request, dst any) {
	if r.Body == nil {
		return
	}
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("ignoring malformed request body", slog.String("error", err.Error()))
	}
}
