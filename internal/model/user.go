// Package model はドメインモデルを定義する。
package model

import "maps"

// User はアイデンティティバックエンドが保持するユーザーレコードを表す。
// プロキシはこのレコードを作成・所有せず、読み取りとメタデータ更新の要求のみ行う。
// IDは不変で、ロールとの結合キーになる。
type User struct {
	ID               string         `json:"id"`
	Aud              string         `json:"aud,omitempty"`
	Email            string         `json:"email"`
	EmailConfirmedAt *string        `json:"email_confirmed_at"`
	Phone            string         `json:"phone,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata"`
	AppMetadata      map[string]any `json:"app_metadata"`
	CreatedAt        string         `json:"created_at,omitempty"`
	UpdatedAt        string         `json:"updated_at,omitempty"`
	LastSignInAt     *string        `json:"last_sign_in_at,omitempty"`

	// Role はアプリケーションロール。
	// バックエンドが返す "authenticated" 等の値はエンリッチ時に上書きされる。
	Role string `json:"role,omitempty"`
}

// WithRole はロールを反映したユーザーのコピーを返す。
// user_metadata.role にも同じ値をミラーする。元のマップは変更しない。
func (u User) WithRole(role Role) User {
	meta := make(map[string]any, len(u.UserMetadata)+1)
	maps.Copy(meta, u.UserMetadata)
	meta["role"] = string(role)
	u.UserMetadata = meta
	u.Role = string(role)
	return u
}

// Session はバックエンドがパスワードグラント等で発行したトークン一式を表す。
// エッジ側ではアクセストークンをCookie値として保持するのみで、期限はバックエンドが管理する。
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         *User  `json:"user,omitempty"`
}
