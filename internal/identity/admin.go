package identity

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrNoServiceKey はサービスロールキー未設定で管理操作を呼んだ場合のエラー。
var ErrNoServiceKey = errors.New("service role key is not configured")

// AdminGetUser はサービスロールキーでユーザーを取得する。
func (c *Client) AdminGetUser(ctx context.Context, userID string) (*model.User, error) {
	if !c.HasServiceKey() {
		return nil, ErrNoServiceKey
	}

	var user model.User
	if _, err := c.do(ctx, call{
		operation: "admin_get_user",
		method:    http.MethodGet,
		path:      "/auth/v1/admin/users/" + url.PathEscape(userID),
		apiKey:    c.serviceKey,
	}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// AdminUpdateUserMetadata はuser_metadataを置き換える。
// 既存値とのマージは呼び出し側で行う。
func (c *Client) AdminUpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) (*model.User, error) {
	if !c.HasServiceKey() {
		return nil, ErrNoServiceKey
	}

	var user model.User
	if _, err := c.do(ctx, call{
		operation: "admin_update_user",
		method:    http.MethodPut,
		path:      "/auth/v1/admin/users/" + url.PathEscape(userID),
		body:      map[string]any{"user_metadata": metadata},
		apiKey:    c.serviceKey,
	}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
