package model

import (
	"fmt"
	"strings"
)

// Role はユーザーに付与されるアプリケーションロールのラベル。
type Role string

// 定義済みロール
const (
	RoleDailyUser  Role = "Daily User"
	RoleAdmin      Role = "Admin"
	RoleManager    Role = "Manager"
	RoleDeveloper  Role = "Developer"
	RoleInfluencer Role = "Influencer"
	RoleArtist     Role = "Artist"
	RoleBand       Role = "Band"
	RoleBusiness   Role = "Business"
)

// RoleProfile はデプロイメントごとに閉じたロール集合とデフォルトロールを表す。
// 起動時に設定から1回だけ解決し、以降はイミュータブルとして扱う。
type RoleProfile struct {
	Name    string
	Roles   []Role
	Default Role
}

var (
	// DashboardProfile は管理ダッシュボード向けのロール集合。
	DashboardProfile = RoleProfile{
		Name:    "dashboard",
		Roles:   []Role{RoleDailyUser, RoleAdmin, RoleManager, RoleDeveloper},
		Default: RoleDailyUser,
	}

	// CreatorProfile はクリエイター向けオンボーディングのロール集合。
	CreatorProfile = RoleProfile{
		Name:    "creator",
		Roles:   []Role{RoleInfluencer, RoleArtist, RoleBand, RoleBusiness, RoleDailyUser},
		Default: RoleDailyUser,
	}
)

// LookupRoleProfile はプロファイル名からRoleProfileを返す。
func LookupRoleProfile(name string) (RoleProfile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case DashboardProfile.Name:
		return DashboardProfile, nil
	case CreatorProfile.Name:
		return CreatorProfile, nil
	default:
		return RoleProfile{}, fmt.Errorf("unknown role profile: %q", name)
	}
}

// Parse は入力文字列をプロファイル内のロールに正規化する。
// 大文字小文字の違いはここでのみ吸収し、正規の表記を返す。
func (p RoleProfile) Parse(raw string) (Role, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	for _, r := range p.Roles {
		if strings.EqualFold(string(r), s) {
			return r, true
		}
	}
	return "", false
}

// Contains はロールがプロファイルに含まれるかを返す。
func (p RoleProfile) Contains(role Role) bool {
	_, ok := p.Parse(string(role))
	return ok
}

// Labels はエラーメッセージ用にロールのラベル一覧を返す。
func (p RoleProfile) Labels() []string {
	labels := make([]string, len(p.Roles))
	for i, r := range p.Roles {
		labels[i] = string(r)
	}
	return labels
}
