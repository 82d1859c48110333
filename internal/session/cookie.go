// Package session はセッションCookieの発行・削除・読み取りを提供する。
// エッジはトークンを保持するのみで、有効性は常にアイデンティティバックエンドが判定する。
package session

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrInvalidCookieValue はトークンにCookie値として使えない文字が含まれる場合に返る。
var ErrInvalidCookieValue = errors.New("session: token contains characters not allowed in a cookie value")

// Options はCookie属性の設定。
type Options struct {
	Name          string
	RefreshName   string
	Secure        bool
	Domain        string
	DefaultMaxAge int // 有効期限が取得できない場合のMax-Age（秒）
	RefreshMaxAge int
}

// Manager はセッションCookieのSet-Cookie値を組み立てる。
type Manager struct {
	opts Options
	now  func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(opts Options) *Manager {
	if opts.Name == "" {
		opts.Name = "sb_access_token"
	}
	if opts.RefreshName == "" {
		opts.RefreshName = "sb_refresh_token"
	}
	if opts.DefaultMaxAge <= 0 {
		opts.DefaultMaxAge = 3600
	}
	if opts.RefreshMaxAge <= 0 {
		opts.RefreshMaxAge = 30 * 24 * 60 * 60
	}
	return &Manager{opts: opts, now: time.Now}
}

// Issue はアクセストークンのSet-Cookie値を返す。
func (m *Manager) Issue(token string, maxAge int) (string, error) {
	if !validCookieValue(token) {
		return "", ErrInvalidCookieValue
	}
	return m.build(m.opts.Name, token, maxAge), nil
}

// Clear はセッションCookieを削除するSet-Cookie値を返す。
func (m *Manager) Clear() string {
	return m.build(m.opts.Name, "", 0)
}

// Read はCookieヘッダーからアクセストークンを取り出す。
func (m *Manager) Read(cookieHeader string) (string, bool) {
	return readCookie(cookieHeader, m.opts.Name)
}

// IssueRefresh はリフレッシュトークンのSet-Cookie値を返す。
func (m *Manager) IssueRefresh(token string) (string, error) {
	if !validCookieValue(token) {
		return "", ErrInvalidCookieValue
	}
	return m.build(m.opts.RefreshName, token, m.opts.RefreshMaxAge), nil
}

// ClearRefresh はリフレッシュCookieを削除するSet-Cookie値を返す。
func (m *Manager) ClearRefresh() string {
	return m.build(m.opts.RefreshName, "", 0)
}

// ReadRefresh はCookieヘッダーからリフレッシュトークンを取り出す。
func (m *Manager) ReadRefresh(cookieHeader string) (string, bool) {
	return readCookie(cookieHeader, m.opts.RefreshName)
}

// IssueSession はセッションから発行すべきSet-Cookie値をすべて返す。
// いずれかのトークンが不正な場合はどのCookieも返さない。
func (m *Manager) IssueSession(sess *model.Session) ([]string, error) {
	access, err := m.Issue(sess.AccessToken, m.MaxAge(sess))
	if err != nil {
		return nil, err
	}
	cookies := []string{access}
	if sess.RefreshToken != "" {
		refresh, err := m.IssueRefresh(sess.RefreshToken)
		if err != nil {
			return nil, err
		}
		cookies = append(cookies, refresh)
	}
	return cookies, nil
}

// ClearAll はセッションとリフレッシュの両Cookieを削除するSet-Cookie値を返す。
func (m *Manager) ClearAll() []string {
	return []string{m.Clear(), m.ClearRefresh()}
}

// MaxAge はCookieのMax-Ageを決める。
// expires_in、アクセストークンのexpクレーム、既定値の順に採用する。
func (m *Manager) MaxAge(sess *model.Session) int {
	if sess == nil {
		return m.opts.DefaultMaxAge
	}
	if sess.ExpiresIn > 0 {
		return sess.ExpiresIn
	}
	if exp, ok := tokenExpiry(sess.AccessToken); ok {
		if remaining := int(exp.Sub(m.now()).Seconds()); remaining > 0 {
			return remaining
		}
	}
	return m.opts.DefaultMaxAge
}

// tokenExpiry はJWTのexpを署名検証なしで読む。Cookieの寿命決定にのみ使う。
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// validCookieValue はRFC 6265のcookie-octetのみで構成された空でない値かを判定する。
func validCookieValue(v string) bool {
	if v == "" {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c <= 0x20 || c >= 0x7f || c == '"' || c == ',' || c == ';' || c == '\\' {
			return false
		}
	}
	return true
}

func (m *Manager) build(name, value string, maxAge int) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteString("; Path=/; Max-Age=")
	b.WriteString(strconv.Itoa(maxAge))
	if m.opts.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(m.opts.Domain)
	}
	b.WriteString("; HttpOnly; SameSite=Lax")
	if m.opts.Secure {
		b.WriteString("; Secure")
	}
	return b.String()
}

// readCookie は ";" 区切りのペアから名前が一致する値を返す。値は次の ";" まで。
func readCookie(header, name string) (string, bool) {
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k != name {
			continue
		}
		if v == "" {
			return "", false
		}
		return v, true
	}
	return "", false
}
