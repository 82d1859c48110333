// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/hitoshi/authgate/internal/ratelimit"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	accessTokenContextKey = contextKey("access_token")
	clientIPContextKey    = contextKey("client_ip")
)

// TokenReader はCookieヘッダーからセッショントークンを取り出す。
// session.Managerが実装する。
type TokenReader interface {
	Read(cookieHeader string) (string, bool)
}

// NewSessionMiddleware はセッションCookieからアクセストークンを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// トークンの有効性はここでは検証しない。検証は各ハンドラーがバックエンドに問い合わせて行う。
func NewSessionMiddleware(reader TokenReader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := reader.Read(r.Header.Get("Cookie"))
			if !ok || token == "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAccessToken(r.Context(), token)))
		})
	}
}

// AccessTokenFromContext はリクエストコンテキストからアクセストークンを取得する。
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(accessTokenContextKey).(string)
	return token, ok && token != ""
}

// ContextWithAccessToken はコンテキストにアクセストークンを注入する。
func ContextWithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenContextKey, token)
}

// NewClientIPMiddleware はクライアントIPを判定してコンテキストに注入するミドルウェアを返す。
// RemoteAddrがtrustedProxiesのいずれかに含まれる場合のみ、CF-Connecting-IP、X-Forwarded-Forの先頭を参照する。
// それ以外はRemoteAddrを使う。判定できない場合は匿名バケット用のratelimit.AnonymousIPになる。
func NewClientIPMiddleware(trustedProxies []netip.Prefix) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustedProxies)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPContextKey, ip)))
		})
	}
}

// ClientIPFromContext はコンテキストのクライアントIPを返す。未設定ならratelimit.AnonymousIP。
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPContextKey).(string); ok && ip != "" {
		return ip
	}
	return ratelimit.AnonymousIP
}

// ContextWithClientIP はコンテキストにクライアントIPを注入する。テスト用。
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}

func clientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ratelimit.AnonymousIP
	}
	if !isTrustedProxy(host, trustedProxies) {
		return host
	}

	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return host
}

func isTrustedProxy(host string, trustedProxies []netip.Prefix) bool {
	if len(trustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
