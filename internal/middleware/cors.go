package middleware

import "net/http"

const (
	corsAllowMethods  = "GET, POST, PUT, OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, apikey"
	corsExposeHeaders = "Retry-After"
	corsMaxAgeSeconds = "86400"
)

// NewCORSMiddleware はフロントエンドのオリジンからCookieセッション付きで認証APIを呼ぶためのCORSミドルウェアを返す。
// 許可するメソッドは認証ルートが使うGET/POST/PUTのみ。429のRetry-Afterをブラウザから読めるよう公開する。
// OPTIONSはパスを問わずここで204を返し、オリジン検証・スロットル・ルーティングには進まない。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAgeSeconds)
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
