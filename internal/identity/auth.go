package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrEmptySession はバックエンドが2xxを返したがアクセストークンを含まない場合のエラー。
var ErrEmptySession = errors.New("identity backend returned no access token")

// SignUp はメールアドレスとパスワードでアカウントを作成する。
// metadataはuser_metadataとして保存される。確認メール待ちの場合Sessionはnilになる。
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*model.User, *model.Session, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
	}
	if len(metadata) > 0 {
		body["data"] = metadata
	}

	var raw json.RawMessage
	if _, err := c.do(ctx, call{
		operation: "signup",
		method:    http.MethodPost,
		path:      "/auth/v1/signup",
		body:      body,
		apiKey:    c.anonKey,
	}, &raw); err != nil {
		return nil, nil, err
	}

	user, session, err := parseSignUp(raw)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

func parseSignUp(raw json.RawMessage) (*model.User, *model.Session, error) {
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, nil, err
	}
	if sess.AccessToken != "" {
		return sess.User, &sess, nil
	}

	// user を入れ子で返す形式と、トップレベルがユーザーの形式がある
	var wrapped struct {
		User *model.User `json:"user"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil && wrapped.User.ID != "" {
		return wrapped.User, nil, nil
	}

	var user model.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, nil, err
	}
	if user.ID == "" {
		return nil, nil, nil
	}
	return &user, nil, nil
}

// PasswordLogin はパスワードグラントでセッションを取得する。
func (c *Client) PasswordLogin(ctx context.Context, email, password string) (*model.Session, error) {
	var sess model.Session
	if _, err := c.do(ctx, call{
		operation: "password_login",
		method:    http.MethodPost,
		path:      "/auth/v1/token?grant_type=password",
		body:      map[string]string{"email": email, "password": password},
		apiKey:    c.anonKey,
	}, &sess); err != nil {
		return nil, err
	}
	if sess.AccessToken == "" {
		return nil, ErrEmptySession
	}
	return &sess, nil
}

// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	var sess model.Session
	if _, err := c.do(ctx, call{
		operation: "refresh_session",
		method:    http.MethodPost,
		path:      "/auth/v1/token?grant_type=refresh_token",
		body:      map[string]string{"refresh_token": refreshToken},
		apiKey:    c.anonKey,
	}, &sess); err != nil {
		return nil, err
	}
	if sess.AccessToken == "" {
		return nil, ErrEmptySession
	}
	return &sess, nil
}

// GetUser はアクセストークンに紐づくユーザーを取得する。
// トークンの有効性はバックエンドが判定する。
func (c *Client) GetUser(ctx context.Context, accessToken string) (*model.User, error) {
	var user model.User
	if _, err := c.do(ctx, call{
		operation: "get_user",
		method:    http.MethodGet,
		path:      "/auth/v1/user",
		apiKey:    c.anonKey,
		bearer:    accessToken,
	}, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, model.NewNotAuthenticatedError()
	}
	return &user, nil
}

// ResendSignupConfirmation はバックエンドにサインアップ確認メールの再送を依頼する。
func (c *Client) ResendSignupConfirmation(ctx context.Context, email string) error {
	_, err := c.do(ctx, call{
		operation: "resend_confirmation",
		method:    http.MethodPost,
		path:      "/auth/v1/resend",
		body:      map[string]string{"type": "signup", "email": email},
		apiKey:    c.anonKey,
	}, nil)
	return err
}
