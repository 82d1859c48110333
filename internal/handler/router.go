package handler

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/verification"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	TrustedProxies    []netip.Prefix          // 空の場合はクライアントIPヘッダーを無視する
	Throttle          *middleware.RateLimiter // nilの場合はIPごとの全体スロットルを適用しない
	Logger            *slog.Logger

	// 認証
	Identity    IdentityClient
	Roles       RoleService
	Limiter     ratelimit.Limiter
	Cookies     *session.Manager
	Hooks       HookRunner
	Notifier    notify.Dispatcher
	Verifier    EmailVerifier
	ReplayGuard verification.Guard
	AuthConfig  AuthHandlerConfig

	// 運用
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → ClientIP → Recovery → Logging → Metrics → SecurityHeaders → CORS → OriginCheck → Throttle → Session
//
// 認証ルートはRoutePrefix（デフォルト /api）の下に配置する。/healthと/metricsはプレフィックスの外に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NoopCollector{}
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(log))
	r.Use(middleware.NewMetricsMiddleware(m))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	// OPTIONSはここで204を返して終端する
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewOriginCheckMiddleware(middleware.OriginCheckConfig{AllowedOrigin: deps.CORSAllowedOrigin}))
	if deps.Throttle != nil {
		r.Use(deps.Throttle.Middleware())
	}
	r.Use(middleware.NewSessionMiddleware(deps.Cookies))

	// サブルーターに引き継がれるよう、ルート定義より前に設定する
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteAuthError(w, model.NewNotFoundError())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/health", Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps)
	authRoutes := func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/hello", authHandler.Hello)

			// 認証情報
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
			r.Post("/refresh", authHandler.Refresh)

			// セッション確認
			r.Get("/verify", authHandler.Verify)
			r.Get("/me", authHandler.Me)

			// メール確認
			r.Post("/resend-verification", authHandler.ResendVerification)
			r.Get("/verify-email", authHandler.VerifyEmail)

			// ロール
			r.Put("/role", authHandler.UpdateRole)
		})
	}

	if prefix := deps.AuthConfig.RoutePrefix; prefix != "" {
		r.Route(prefix, authRoutes)
	} else {
		authRoutes(r)
	}

	return r
}

// Health はコンテナのヘルスチェック用エンドポイント。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
