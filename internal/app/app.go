package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/resend/resend-go/v2"

	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/handler"
	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/observability"
	"github.com/hitoshi/authgate/internal/postcommit"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/redisclient"
	"github.com/hitoshi/authgate/internal/role"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/verification"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映して再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Server は配線済みのHTTPハンドラーと、停止時に解放するリソースを保持する。
type Server struct {
	Handler http.Handler

	closers []func(ctx context.Context) error
}

// Close は生成と逆順にリソースを解放する。
func (s *Server) Close(ctx context.Context) error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) onClose(fn func(ctx context.Context) error) {
	s.closers = append(s.closers, fn)
}

// NewServer は設定に従って全依存関係をワイヤリングし、ルーターを構築する。
// 失敗した場合はそれまでに確保したリソースを解放してから返す。
func NewServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *Server, err error) {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{}
	defer func() {
		if err != nil {
			_ = srv.Close(context.Background())
		}
	}()

	// 1. トレース
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: cfg.ServiceName,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	var shutdownTracing observability.ShutdownFunc = tp.Shutdown
	srv.onClose(shutdownTracing)

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. 上流呼び出し用のHTTPクライアント
	httpClient := &http.Client{
		Timeout:   cfg.UpstreamTimeout,
		Transport: observability.NewTransport(http.DefaultTransport),
	}

	// 4. アイデンティティバックエンド
	idClient := identity.NewClient(httpClient, identity.Options{
		BaseURL:    cfg.SupabaseURL,
		AnonKey:    cfg.SupabaseAnonKey,
		ServiceKey: cfg.SupabaseServiceKey,
	}, log)
	idClient.SetObserver(collector)

	// 5. Redis（いずれかのバックエンドで選択された場合のみ）
	var redisClient *redis.Client
	if cfg.RateLimitBackend == "redis" || cfg.ReplayGuardBackend == "redis" {
		redisClient, err = redisclient.New(ctx, cfg.RedisURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		srv.onClose(func(context.Context) error { return redisClient.Close() })
	}

	// 6. ロールストア
	store, err := newRoleStore(ctx, cfg, httpClient, log, srv)
	if err != nil {
		return nil, err
	}
	roles := role.NewService(store, idClient, cfg.RoleProfile, log)

	// 7. レート制限
	policy := ratelimit.Policy{Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax}
	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedisLimiter(redisClient, policy, "")
	} else {
		mem := ratelimit.NewMemoryLimiter(policy)
		srv.onClose(func(context.Context) error { mem.Stop(); return nil })
		limiter = mem
	}
	limiter = ratelimit.WithFailurePolicy(limiter, cfg.RateLimitFailOpen, log)

	var throttle *middleware.RateLimiter
	if cfg.RateLimitGeneral > 0 {
		throttle = middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral), collector)
		srv.onClose(func(context.Context) error { throttle.Stop(); return nil })
	}

	// 8. メール確認の使用済み記録
	var guard verification.Guard
	if cfg.ReplayGuardBackend == "redis" {
		guard = verification.NewRedisGuard(redisClient, cfg.VerificationTokenTTL, "")
	} else {
		guard = verification.NewMemoryGuard(cfg.VerificationTokenTTL)
	}

	// 9. メール確認の戦略（上から順に試行する）
	strategies := []identity.Strategy{idClient.TokenHashStrategy(), idClient.OTPStrategy()}
	if cfg.VerificationMode == handler.VerificationModeProxy {
		strategies = append([]identity.Strategy{idClient.MetadataStrategy()}, strategies...)
	}
	verifier := identity.NewVerifier(log, strategies...)

	// 10. ルーター
	deps := &handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustedProxies:    cfg.TrustedProxies,
		Throttle:          throttle,
		Logger:            log,

		Identity: idClient,
		Roles:    roles,
		Limiter:  limiter,
		Cookies: session.NewManager(session.Options{
			Name:          cfg.SessionCookieName,
			RefreshName:   cfg.RefreshCookieName,
			Secure:        cfg.CookieSecure,
			Domain:        cfg.CookieDomain,
			DefaultMaxAge: cfg.SessionMaxAge,
			RefreshMaxAge: cfg.RefreshMaxAge,
		}),
		Hooks:       postcommit.NewRunner(log, collector, cfg.UpstreamTimeout),
		Notifier:    newDispatcher(cfg, httpClient, log),
		Verifier:    verifier,
		ReplayGuard: guard,
		AuthConfig: handler.AuthHandlerConfig{
			AppBaseURL:           cfg.AppBaseURL,
			RoutePrefix:          cfg.RoutePrefix,
			VerificationMode:     cfg.VerificationMode,
			VerificationTokenTTL: cfg.VerificationTokenTTL,
			RequireUsername:      cfg.RegisterRequireUsername,
			ExposeDiagnostics:    cfg.ExposeDiagnostics,
		},

		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
	}

	srv.Handler = observability.Middleware(cfg.ServiceName)(handler.NewRouter(deps))
	return srv, nil
}

// newRoleStore はROLE_STOREに応じたロールストアを返す。
func newRoleStore(ctx context.Context, cfg *config.Config, httpClient *http.Client, log *slog.Logger, srv *Server) (role.Store, error) {
	if cfg.RoleStore != "postgres" {
		return role.NewRESTStore(httpClient, cfg.SupabaseURL, cfg.SupabaseServiceKey, log), nil
	}

	db, err := database.Open(cfg.RoleDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	srv.onClose(func(context.Context) error { return db.Close() })

	if err := database.Ping(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	return role.NewPostgresStore(db), nil
}

// newDispatcher はメール送信が設定されている場合のみResendの送信者を返す。
func newDispatcher(cfg *config.Config, httpClient *http.Client, log *slog.Logger) notify.Dispatcher {
	if !cfg.EmailEnabled() {
		log.Info("email dispatch disabled")
		return notify.NoopDispatcher{}
	}
	client := resend.NewCustomClient(httpClient, cfg.ResendAPIKey.Value())
	return notify.NewResendDispatcher(client.Emails, cfg.ResendFrom, "", security.NewSanitizer(), log)
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	srv, err := NewServer(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.UpstreamTimeout*3 + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Any("config", cfg),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-stop:
		slog.Info("shutting down API server...")
	case serveErr = <-errCh:
		slog.Error("server listen error", slog.String("error", serveErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := srv.Close(shutdownCtx); err != nil {
		slog.Warn("failed to release resources", slog.String("error", err.Error()))
	}
	if serveErr != nil {
		return fmt.Errorf("server listen failed: %w", serveErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はロールテーブルのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.RoleDatabaseURL == "" {
		return fmt.Errorf("ROLE_DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.RoleDatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.RoleDatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	healthURL := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はログ出力用にDSNのパスワードを伏字にする。
// クエリ（sslpassword等を含みうる）は落とす。URLとして解釈できない場合は全体を伏せる。
func maskDatabaseURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.Redacted()
}
