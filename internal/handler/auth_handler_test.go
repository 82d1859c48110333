package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"testing"

	"github.com/hitoshi/authgate/internal/model"
)

// TestHello は稼働確認メッセージを返すことを検証する。
func TestHello(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/auth/hello", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decodeJSON(t, w)["message"]; got != "Worker is live ✅" {
		t.Errorf("message = %v", got)
	}
}

// TestLogin_Success はログイン成功時にCookieを発行しロール付きユーザーを返すことを検証する。
func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	env.roles.getRoleFn = func(context.Context, string) model.Role { return model.RoleManager }

	w := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	user, _ := body["user"].(map[string]any)
	if user["role"] != "Manager" {
		t.Errorf("user.role = %v, want Manager", user["role"])
	}

	cookies := setCookies(w)
	if !hasCookie(cookies, "sb_access_token=access-token;") {
		t.Errorf("access cookie not issued: %v", cookies)
	}
	if !hasCookie(cookies, "sb_refresh_token=refresh-token;") {
		t.Errorf("refresh cookie not issued: %v", cookies)
	}
	for _, c := range cookies {
		if !strings.Contains(c, "HttpOnly") || !strings.Contains(c, "Secure") {
			t.Errorf("cookie missing attributes: %s", c)
		}
	}
}

// TestLogin_MissingCredentials は入力不備の場合にバックエンドを呼ばず400を返すことを検証する。
func TestLogin_MissingCredentials(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"空ボディ", ""},
		{"パスワードなし", `{"email":"user@example.com"}`},
		{"メールが空白のみ", `{"email":"   ","password":"pw"}`},
		{"不正なJSON", `{"email":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.do(t, http.MethodPost, "/api/auth/login", tt.body, nil)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decodeJSON(t, w)["error"]; got != msgMissingCredentials {
				t.Errorf("error = %v", got)
			}
			if env.identity.loginCalls != 0 {
				t.Errorf("backend called %d times", env.identity.loginCalls)
			}
		})
	}
}

// TestLogin_ErrorMapping は上流のログイン失敗がステータスとメッセージに変換されることを検証する。
func TestLogin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "認証情報不一致（コード）",
			err:        &model.AuthError{Kind: model.KindBackend, Status: 400, Message: "whatever", Code: "invalid_credentials"},
			wantStatus: http.StatusUnauthorized,
			wantMsg:    msgInvalidCredentials,
		},
		{
			name:       "認証情報不一致（メッセージ）",
			err:        model.NewBackendError(400, "Invalid login credentials"),
			wantStatus: http.StatusUnauthorized,
			wantMsg:    msgInvalidCredentials,
		},
		{
			name:       "メール未確認",
			err:        model.NewBackendError(400, "Email not confirmed"),
			wantStatus: http.StatusForbidden,
			wantMsg:    msgEmailNotConfirmed,
		},
		{
			name:       "上流のレート制限",
			err:        model.NewBackendError(429, "Request rate limit reached"),
			wantStatus: http.StatusTooManyRequests,
			wantMsg:    "Request rate limit reached",
		},
		{
			name:       "その他の上流エラー",
			err:        model.NewBackendError(422, "User is banned"),
			wantStatus: http.StatusUnauthorized,
			wantMsg:    "User is banned",
		},
		{
			name:       "上流到達不能",
			err:        model.NewUpstreamUnavailableError("backend unreachable", errors.New("dial tcp: refused")),
			wantStatus: http.StatusBadGateway,
			wantMsg:    msgUnavailable,
		},
		{
			name:       "上流5xx",
			err:        model.NewBackendError(503, "Service Unavailable"),
			wantStatus: http.StatusBadGateway,
			wantMsg:    msgUnavailable,
		},
		{
			name:       "分類不能",
			err:        errors.New("no access token in response"),
			wantStatus: http.StatusUnauthorized,
			wantMsg:    msgInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.identity.passwordLoginFn = func(context.Context, string, string) (*model.Session, error) {
				return nil, tt.err
			}

			w := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`, nil)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decodeJSON(t, w)["error"]; got != tt.wantMsg {
				t.Errorf("error = %v, want %q", got, tt.wantMsg)
			}
			if len(setCookies(w)) != 0 {
				t.Errorf("no cookie should be set on failure: %v", setCookies(w))
			}
		})
	}
}

// TestLogin_RateLimited はレート制限超過時にバックエンドを呼ばず429を返すことを検証する。
func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.deps.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("198.51.100.0/24")}

	for i := 0; i < 10; i++ {
		w := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := decodeJSON(t, w)["error"]; got != "Too many requests" {
		t.Errorf("error = %v", got)
	}
	if env.identity.loginCalls != 10 {
		t.Errorf("loginCalls = %d, want 10", env.identity.loginCalls)
	}

	// 信頼済みプロキシ経由の別IPは独立したバケット
	w = env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`,
		map[string]string{"CF-Connecting-IP": "203.0.113.7"})
	if w.Code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", w.Code)
	}
}

// TestLogin_RateLimitIgnoresForwardedHeadersByDefault は信頼済みプロキシ未設定時、
// X-Forwarded-ForやCF-Connecting-IPを差し替えてもRemoteAddr単位で制限されることを検証する。
func TestLogin_RateLimitIgnoresForwardedHeadersByDefault(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 10; i++ {
		w := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`,
			map[string]string{
				"X-Forwarded-For":  fmt.Sprintf("10.0.0.%d", i),
				"CF-Connecting-IP": fmt.Sprintf("203.0.113.%d", i),
			})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`,
		map[string]string{"X-Forwarded-For": "10.0.0.99", "CF-Connecting-IP": "203.0.113.99"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request with new forwarded IP: status = %d, want 429", w.Code)
	}
	if env.identity.loginCalls != 10 {
		t.Errorf("loginCalls = %d, want 10", env.identity.loginCalls)
	}
}

// TestLogin_UnsafeTokenRejected はCookie値に使えない文字を含むトークンを受け取った場合、
// Set-Cookieを出さずに502を返すことを検証する。
func TestLogin_UnsafeTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	env.identity.passwordLoginFn = func(context.Context, string, string) (*model.Session, error) {
		return &model.Session{AccessToken: "access-token", RefreshToken: "rt; Domain=evil.example", ExpiresIn: 3600}, nil
	}

	w := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`, nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if got := decodeJSON(t, w)["error"]; got != "Authentication service unavailable" {
		t.Errorf("error = %v", got)
	}
	if len(setCookies(w)) != 0 {
		t.Errorf("no cookie should be set: %v", setCookies(w))
	}
}

// TestLogin_LimiterErrorAllows はレートリミッターのエラー時にリクエストを通すことを検証する。
func TestLogin_LimiterErrorAllows(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Limiter = &mockLimiter{allowFn: func(context.Context, string, string) (bool, error) {
		return false, errors.New("redis: connection refused")
	}}

	w := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"user@example.com","password":"pw"}`, nil)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// TestLogout_ClearsCookies はログアウトが未ログインでも成功し、両方のCookieを削除することを検証する。
func TestLogout_ClearsCookies(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, "/api/auth/logout", "", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		cookies := setCookies(w)
		if !hasCookie(cookies, "sb_access_token=;") || !hasCookie(cookies, "sb_refresh_token=;") {
			t.Errorf("both cookies should be cleared: %v", cookies)
		}
		for _, c := range cookies {
			if !strings.Contains(c, "Max-Age=0") {
				t.Errorf("cookie should expire immediately: %s", c)
			}
		}
	}
}

// TestRefresh はリフレッシュCookieによるセッション更新を検証する。
func TestRefresh(t *testing.T) {
	t.Run("Cookieなしは401", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/api/auth/refresh", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("成功時は新しいCookieを発行", func(t *testing.T) {
		env := newTestEnv(t)
		var got string
		env.identity.refreshFn = func(_ context.Context, token string) (*model.Session, error) {
			got = token
			return &model.Session{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600}, nil
		}

		w := env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"Cookie": "sb_refresh_token=old-refresh"})

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if got != "old-refresh" {
			t.Errorf("refresh token sent = %q", got)
		}
		if !hasCookie(setCookies(w), "sb_access_token=new-access;") {
			t.Errorf("cookies = %v", setCookies(w))
		}
	})

	t.Run("無効なリフレッシュトークンはCookieを削除", func(t *testing.T) {
		env := newTestEnv(t)
		env.identity.refreshFn = func(context.Context, string) (*model.Session, error) {
			return nil, model.NewBackendError(400, "Invalid Refresh Token")
		}

		w := env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"Cookie": "sb_refresh_token=revoked"})

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if !hasCookie(setCookies(w), "sb_refresh_token=;") {
			t.Errorf("refresh cookie should be cleared: %v", setCookies(w))
		}
	})

	t.Run("上流障害はCookieを残して502", func(t *testing.T) {
		env := newTestEnv(t)
		env.identity.refreshFn = func(context.Context, string) (*model.Session, error) {
			return nil, model.NewUpstreamUnavailableError("backend unreachable", errors.New("timeout"))
		}

		w := env.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"Cookie": "sb_refresh_token=ok"})

		if w.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", w.Code)
		}
		if len(setCookies(w)) != 0 {
			t.Errorf("cookies should be kept: %v", setCookies(w))
		}
	})
}

// TestVerify は未ログインをエラーではなく loggedIn:false として返すことを検証する。
func TestVerify(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		wantLogged bool
	}{
		{"Cookieなし", "", false},
		{"無効なトークン", "sb_access_token=expired", false},
		{"有効なトークン", "sb_access_token=valid-token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			headers := map[string]string{}
			if tt.cookie != "" {
				headers["Cookie"] = tt.cookie
			}

			w := env.do(t, http.MethodGet, "/api/auth/verify", "", headers)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			body := decodeJSON(t, w)
			if body["loggedIn"] != tt.wantLogged {
				t.Errorf("loggedIn = %v, want %v", body["loggedIn"], tt.wantLogged)
			}
			if tt.wantLogged {
				user, _ := body["user"].(map[string]any)
				if user["role"] != "Daily User" {
					t.Errorf("user.role = %v, want Daily User", user["role"])
				}
			}
		})
	}
}

// TestMe は未ログインで401、ログイン済みでユーザーを返すことを検証する。
func TestMe(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/auth/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if body := decodeJSON(t, w); body["loggedIn"] != false || body["error"] != "Unauthorized" {
		t.Errorf("body = %v", body)
	}

	w = env.do(t, http.MethodGet, "/api/auth/me", "", map[string]string{"Cookie": "sb_access_token=valid-token"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	user, _ := decodeJSON(t, w)["user"].(map[string]any)
	if user["id"] != testUserID {
		t.Errorf("user.id = %v", user["id"])
	}
}
