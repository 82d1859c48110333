package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// OriginCheckConfig はオリジン検証ミドルウェアの設定。
type OriginCheckConfig struct {
	// AllowedOrigin はCookie付きの状態変更リクエストを許可するオリジン。
	AllowedOrigin string
}

// NewOriginCheckMiddleware はCookieセッションに対するCSRF対策として、
// 状態変更メソッド（POST, PUT, PATCH, DELETE）のOrigin（なければReferer）を検証するミドルウェアを返す。
// どちらのヘッダーもないリクエスト（ブラウザ外のクライアント）は通過させる。
func NewOriginCheckMiddleware(config OriginCheckConfig) func(next http.Handler) http.Handler {
	allowed := strings.TrimRight(config.AllowedOrigin, "/")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := requestOrigin(r)
			if origin == "" || origin == allowed {
				next.ServeHTTP(w, r)
				return
			}

			slog.Warn("origin check failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("origin", origin),
			)
			WriteError(w, http.StatusForbidden, "Forbidden")
		})
	}
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// requestOrigin はOriginヘッダー、なければRefererのスキーム+ホストを返す。
// Origin: null（サンドボックスiframe等）はそのまま返し、許可オリジンと一致しないため拒否される。
func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return strings.TrimRight(o, "/")
	}
	ref := r.Header.Get("Referer")
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
