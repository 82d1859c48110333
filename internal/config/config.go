package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/hitoshi/authgate/internal/model"
)

// Secret はログや文字列化で値を出力しない秘密値。
// 特権キーを誤ってログに出さないため、slog.LogValuerとfmt.Stringerの両方で伏字にする。
type Secret string

// Value は生の値を返す。HTTPヘッダー設定時のみ使用する。
func (s Secret) Value() string {
	return string(s)
}

// String はfmt.Stringerを実装する。
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// LogValue はslog.LogValuerを実装する。
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Identity backend
	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseAnonKey    Secret `env:"SUPABASE_ANON_KEY"`
	SupabaseServiceKey Secret `env:"SUPABASE_SERVICE_ROLE_KEY"`

	// Application
	AppBaseURL  string `env:"APP_BASE_URL"`
	ServerPort  string `env:"SERVER_PORT" envDefault:"8080"`
	RoutePrefix string `env:"ROUTE_PREFIX" envDefault:"/api"`

	// Email
	ResendAPIKey Secret `env:"RESEND_API_KEY"`
	ResendFrom   string `env:"RESEND_FROM"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`

	// Cookie
	SessionCookieName string `env:"SESSION_COOKIE_NAME" envDefault:"sb_access_token"`
	RefreshCookieName string `env:"REFRESH_COOKIE_NAME" envDefault:"sb_refresh_token"`
	SessionMaxAge     int    `env:"SESSION_MAX_AGE" envDefault:"3600"`
	RefreshMaxAge     int    `env:"REFRESH_MAX_AGE" envDefault:"2592000"`
	CookieDomain      string `env:"COOKIE_DOMAIN"`

	// Rate Limit
	RateLimitBackend  string        `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"5m"`
	RateLimitMax      int           `env:"RATE_LIMIT_MAX" envDefault:"10"`
	RateLimitFailOpen bool          `env:"RATE_LIMIT_FAIL_OPEN" envDefault:"true"`
	RateLimitGeneral  int           `env:"RATE_LIMIT_GENERAL" envDefault:"120"`

	// Redis
	RedisURL string `env:"REDIS_URL"`

	// Role
	RoleStore       string `env:"ROLE_STORE" envDefault:"rest"`
	RoleDatabaseURL string `env:"ROLE_DATABASE_URL"`
	RoleProfileName string `env:"ROLE_PROFILE" envDefault:"dashboard"`

	// Verification
	VerificationMode     string        `env:"VERIFICATION_MODE" envDefault:"backend"`
	VerificationTokenTTL time.Duration `env:"VERIFICATION_TOKEN_TTL" envDefault:"24h"`
	ReplayGuardBackend   string        `env:"REPLAY_GUARD_BACKEND" envDefault:"memory"`

	// Behaviour
	RegisterRequireUsername bool          `env:"REGISTER_REQUIRE_USERNAME" envDefault:"false"`
	ExposeDiagnostics       bool          `env:"EXPOSE_DIAGNOSTICS" envDefault:"true"`
	TrustedProxyList        []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	UpstreamTimeout         time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`

	// Observability
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"authgate"`

	// 以下は読み込み後に導出する
	CookieSecure   bool
	RoleProfile    model.RoleProfile
	TrustedProxies []netip.Prefix // CF-Connecting-IP/X-Forwarded-Forを信頼する接続元。空なら常にRemoteAddr
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数の未設定や不正値はまとめて1つのエラーとして返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	// Required fields
	var missing []string
	if cfg.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if cfg.SupabaseAnonKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY")
	}
	if cfg.SupabaseServiceKey == "" {
		missing = append(missing, "SUPABASE_SERVICE_ROLE_KEY")
	}
	if cfg.AppBaseURL == "" {
		missing = append(missing, "APP_BASE_URL")
	}
	if cfg.RateLimitBackend == "redis" || cfg.ReplayGuardBackend == "redis" {
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	}
	if cfg.RoleStore == "postgres" && cfg.RoleDatabaseURL == "" {
		missing = append(missing, "ROLE_DATABASE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Derived / validated fields
	var invalid []string

	if _, err := url.ParseRequestURI(cfg.SupabaseURL); err != nil {
		invalid = append(invalid, "SUPABASE_URL")
	}
	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")
	cfg.AppBaseURL = strings.TrimRight(cfg.AppBaseURL, "/")

	profile, err := model.LookupRoleProfile(cfg.RoleProfileName)
	if err != nil {
		invalid = append(invalid, "ROLE_PROFILE")
	}
	cfg.RoleProfile = profile

	if !slices.Contains([]string{"memory", "redis"}, cfg.RateLimitBackend) {
		invalid = append(invalid, "RATE_LIMIT_BACKEND")
	}
	if !slices.Contains([]string{"memory", "redis"}, cfg.ReplayGuardBackend) {
		invalid = append(invalid, "REPLAY_GUARD_BACKEND")
	}
	if !slices.Contains([]string{"rest", "postgres"}, cfg.RoleStore) {
		invalid = append(invalid, "ROLE_STORE")
	}
	if !slices.Contains([]string{"backend", "proxy"}, cfg.VerificationMode) {
		invalid = append(invalid, "VERIFICATION_MODE")
	}
	trusted, err := parseTrustedProxies(cfg.TrustedProxyList)
	if err != nil {
		invalid = append(invalid, "TRUSTED_PROXIES")
	}
	cfg.TrustedProxies = trusted

	if cfg.RateLimitMax <= 0 {
		invalid = append(invalid, "RATE_LIMIT_MAX")
	}
	if cfg.RateLimitWindow <= 0 {
		invalid = append(invalid, "RATE_LIMIT_WINDOW")
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	cfg.RoutePrefix = normalizePrefix(cfg.RoutePrefix)
	cfg.CookieSecure = strings.HasPrefix(cfg.AppBaseURL, "https://")
	if cfg.CORSAllowedOrigin == "" {
		cfg.CORSAllowedOrigin = originOf(cfg.AppBaseURL)
	}

	return cfg, nil
}

// EmailEnabled はメール送信プロバイダが設定済みかを返す。
func (c *Config) EmailEnabled() bool {
	return c.ResendAPIKey != "" && c.ResendFrom != ""
}

// LogValue は設定内容をログ出力用に要約する。秘密値は含めない。
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("supabase_url", c.SupabaseURL),
		slog.String("app_base_url", c.AppBaseURL),
		slog.String("route_prefix", c.RoutePrefix),
		slog.String("rate_limit_backend", c.RateLimitBackend),
		slog.String("role_store", c.RoleStore),
		slog.String("role_profile", c.RoleProfile.Name),
		slog.String("verification_mode", c.VerificationMode),
		slog.Bool("email_enabled", c.EmailEnabled()),
		slog.Bool("cookie_secure", c.CookieSecure),
		slog.Int("trusted_proxies", len(c.TrustedProxies)),
	)
}

func normalizePrefix(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// parseTrustedProxies はCIDRまたは単一IPのリストをプレフィックスに変換する。
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// originOf はURLからスキーム+ホスト部分のみを取り出す。
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
