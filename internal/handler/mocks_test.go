package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/notify"
	"github.com/hitoshi/authgate/internal/postcommit"
	"github.com/hitoshi/authgate/internal/ratelimit"
	"github.com/hitoshi/authgate/internal/role"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/verification"
)

const testUserID = "6f1c2a5e-3b4d-4c8e-9f10-1a2b3c4d5e6f"

// --- モック定義 ---

type mockIdentityClient struct {
	signUpFn        func(ctx context.Context, email, password string, metadata map[string]any) (*model.User, *model.Session, error)
	passwordLoginFn func(ctx context.Context, email, password string) (*model.Session, error)
	refreshFn       func(ctx context.Context, refreshToken string) (*model.Session, error)
	getUserFn       func(ctx context.Context, accessToken string) (*model.User, error)
	resendFn        func(ctx context.Context, email string) error

	mu          sync.Mutex
	loginCalls  int
	resendCalls int
}

func (m *mockIdentityClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*model.User, *model.Session, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, metadata)
	}
	return &model.User{ID: testUserID, Email: email}, nil, nil
}

func (m *mockIdentityClient) PasswordLogin(ctx context.Context, email, password string) (*model.Session, error) {
	m.mu.Lock()
	m.loginCalls++
	m.mu.Unlock()
	if m.passwordLoginFn != nil {
		return m.passwordLoginFn(ctx, email, password)
	}
	return &model.Session{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresIn:    3600,
		User:         &model.User{ID: testUserID, Email: email},
	}, nil
}

func (m *mockIdentityClient) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return &model.Session{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 3600}, nil
}

func (m *mockIdentityClient) GetUser(ctx context.Context, accessToken string) (*model.User, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, accessToken)
	}
	if accessToken == "valid-token" {
		return &model.User{ID: testUserID, Email: "user@example.com", Role: "authenticated"}, nil
	}
	return nil, model.NewBackendError(http.StatusUnauthorized, "invalid JWT")
}

func (m *mockIdentityClient) ResendSignupConfirmation(ctx context.Context, email string) error {
	m.mu.Lock()
	m.resendCalls++
	m.mu.Unlock()
	if m.resendFn != nil {
		return m.resendFn(ctx, email)
	}
	return nil
}

type mockRoleService struct {
	getRoleFn      func(ctx context.Context, userID string) model.Role
	setRoleFn      func(ctx context.Context, userID, raw string) (role.SetResult, error)
	insertFn       func(ctx context.Context, userID string) error
	mirrorFn       func(ctx context.Context, user *model.User, r model.Role) error
	mu             sync.Mutex
	mirroredMeta   map[string]any
	insertedUserID string
}

func (m *mockRoleService) Profile() model.RoleProfile {
	return model.DashboardProfile
}

func (m *mockRoleService) Enrich(ctx context.Context, user *model.User) *model.User {
	r := model.DashboardProfile.Default
	if m.getRoleFn != nil {
		r = m.getRoleFn(ctx, user.ID)
	}
	u := user.WithRole(r)
	return &u
}

func (m *mockRoleService) SetRole(ctx context.Context, userID, raw string) (role.SetResult, error) {
	if m.setRoleFn != nil {
		return m.setRoleFn(ctx, userID, raw)
	}
	r, ok := model.DashboardProfile.Parse(raw)
	if !ok {
		return role.SetResult{}, model.NewInvalidRoleError(model.DashboardProfile)
	}
	return role.SetResult{Role: r, MetadataMirrored: true}, nil
}

func (m *mockRoleService) InsertDefaultRole(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.insertedUserID = userID
	m.mu.Unlock()
	if m.insertFn != nil {
		return m.insertFn(ctx, userID)
	}
	return nil
}

func (m *mockRoleService) MirrorToMetadata(ctx context.Context, user *model.User, r model.Role) error {
	m.mu.Lock()
	m.mirroredMeta = user.WithRole(r).UserMetadata
	m.mu.Unlock()
	if m.mirrorFn != nil {
		return m.mirrorFn(ctx, user, r)
	}
	return nil
}

type mockDispatcher struct {
	mu            sync.Mutex
	welcomeTo     []string
	verifications []string // verifyURL
	resendTo      []string
	result        notify.Result
}

func (m *mockDispatcher) SendWelcome(ctx context.Context, email string) notify.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.welcomeTo = append(m.welcomeTo, email)
	return m.result
}

func (m *mockDispatcher) SendVerification(ctx context.Context, email, username, verifyURL string) notify.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications = append(m.verifications, verifyURL)
	return m.result
}

func (m *mockDispatcher) SendResend(ctx context.Context, email string) notify.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resendTo = append(m.resendTo, email)
	return m.result
}

type mockVerifier struct {
	verifyFn func(ctx context.Context, req identity.VerifyRequest) (string, error)
	calls    int
}

func (m *mockVerifier) Verify(ctx context.Context, req identity.VerifyRequest) (string, error) {
	m.calls++
	if m.verifyFn != nil {
		return m.verifyFn(ctx, req)
	}
	return "token_hash", nil
}

type mockLimiter struct {
	allowFn func(ctx context.Context, ip, op string) (bool, error)
}

func (m *mockLimiter) Allow(ctx context.Context, ip, op string) (bool, error) {
	if m.allowFn != nil {
		return m.allowFn(ctx, ip, op)
	}
	return true, nil
}

// --- テスト用ルーター構築ヘルパー ---

type testEnv struct {
	identity   *mockIdentityClient
	roles      *mockRoleService
	dispatcher *mockDispatcher
	verifier   *mockVerifier
	deps       *RouterDeps
}

// newTestEnv はモックと実際のレートリミッター・使用済み記録・フックランナーでRouterDepsを構築する。
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	limiter := ratelimit.NewMemoryLimiter(ratelimit.DefaultPolicy())
	t.Cleanup(limiter.Stop)

	env := &testEnv{
		identity:   &mockIdentityClient{},
		roles:      &mockRoleService{},
		dispatcher: &mockDispatcher{result: notify.Result{Sent: true}},
		verifier:   &mockVerifier{},
	}
	env.deps = &RouterDeps{
		CORSAllowedOrigin: "https://app.example.com",
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Identity:          env.identity,
		Roles:             env.roles,
		Limiter:           limiter,
		Cookies:           session.NewManager(session.Options{Secure: true}),
		Hooks:             postcommit.NewRunner(slog.New(slog.NewJSONHandler(io.Discard, nil)), nil, 5*time.Second),
		Notifier:          env.dispatcher,
		Verifier:          env.verifier,
		ReplayGuard:       verification.NewMemoryGuard(time.Hour),
		AuthConfig: AuthHandlerConfig{
			AppBaseURL:           "https://app.example.com",
			RoutePrefix:          "/api",
			VerificationMode:     "backend",
			VerificationTokenTTL: 24 * time.Hour,
			ExposeDiagnostics:    true,
		},
	}
	return env
}

func (e *testEnv) router() http.Handler {
	return NewRouter(e.deps)
}

// do はリクエストを送信してレスポンスを返す。
func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "198.51.100.10:4321"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func setCookies(w *httptest.ResponseRecorder) []string {
	return w.Result().Header.Values("Set-Cookie")
}

func hasCookie(cookies []string, prefix string) bool {
	for _, c := range cookies {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}
