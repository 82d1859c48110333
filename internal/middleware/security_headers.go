package middleware

import "net/http"

// NewSecurityHeadersMiddleware は認証APIのレスポンスに共通のセキュリティヘッダーを付与するミドルウェアを返す。
// 応答はJSONのみで、ユーザー情報やSet-Cookieを含むため、共有キャッシュとブラウザキャッシュの双方に残さない。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}
