package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/hitoshi/authgate/internal/model"
)

// MetadataClient はuser_metadataの読み書きを行うアイデンティティバックエンドの管理API。
type MetadataClient interface {
	AdminGetUser(ctx context.Context, userID string) (*model.User, error)
	AdminUpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) (*model.User, error)
}

// SetResult はロール更新の結果。
// 行の更新が成功していればMirrorErrがあっても更新は有効。
type SetResult struct {
	Role             model.Role
	MetadataMirrored bool
	MirrorErr        error
}

// Service はロールプロファイルに従ってロールを参照・更新する。
type Service struct {
	store   Store
	meta    MetadataClient
	profile model.RoleProfile
	logger  *slog.Logger
}

// NewService はServiceを生成する。metaがnilの場合メタデータのミラーは行わない。
func NewService(store Store, meta MetadataClient, profile model.RoleProfile, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		meta:    meta,
		profile: profile,
		logger:  logger,
	}
}

// Profile はデプロイメントのロールプロファイルを返す。
func (s *Service) Profile() model.RoleProfile {
	return s.profile
}

// GetRole は保存済みロールを返す。
// 行がない、ストアが失敗した、値がプロファイル外のいずれの場合もデフォルトロールを返す。
func (s *Service) GetRole(ctx context.Context, userID string) model.Role {
	stored, found, err := s.store.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("role lookup failed, using default role",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return s.profile.Default
	}
	if !found {
		return s.profile.Default
	}

	role, ok := s.profile.Parse(string(stored))
	if !ok {
		s.logger.Warn("stored role is outside the profile, using default role",
			slog.String("user_id", userID),
			slog.String("stored_role", string(stored)),
		)
		return s.profile.Default
	}
	return role
}

// Enrich はユーザーにロールを付与したコピーを返す。
func (s *Service) Enrich(ctx context.Context, user *model.User) *model.User {
	if user == nil {
		return nil
	}
	enriched := user.WithRole(s.GetRole(ctx, user.ID))
	return &enriched
}

// SetRole はrawをプロファイルで検証してロール行を更新し、user_metadataへミラーする。
// 検証失敗はInvalidRole、行更新失敗はエラーを返す。ミラー失敗は結果にのみ記録する。
func (s *Service) SetRole(ctx context.Context, userID, raw string) (SetResult, error) {
	role, ok := s.profile.Parse(raw)
	if !ok {
		return SetResult{}, model.NewInvalidRoleError(s.profile)
	}

	if err := s.store.Upsert(ctx, userID, role); err != nil {
		return SetResult{}, fmt.Errorf("update role row: %w", err)
	}

	result := SetResult{Role: role}
	if err := s.mirror(ctx, userID, role); err != nil {
		s.logger.Warn("role metadata mirror failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		result.MirrorErr = err
		return result, nil
	}
	result.MetadataMirrored = true
	return result, nil
}

// InsertDefaultRole はロール行が存在しない場合にデフォルトロールを作成する。
func (s *Service) InsertDefaultRole(ctx context.Context, userID string) error {
	return s.store.InsertIfAbsent(ctx, userID, s.profile.Default)
}

// MirrorToMetadata は手元のユーザーのメタデータにroleをマージして書き込む。
// 登録直後のように最新のメタデータを既に持っている場合に使う。
func (s *Service) MirrorToMetadata(ctx context.Context, user *model.User, role model.Role) error {
	if s.meta == nil {
		return errors.New("metadata client is not configured")
	}
	if _, err := validateUserID(user.ID); err != nil {
		return err
	}
	_, err := s.meta.AdminUpdateUserMetadata(ctx, user.ID, user.WithRole(role).UserMetadata)
	return err
}

// mirror は最新のメタデータを読み直してからroleをマージして書き込む。
func (s *Service) mirror(ctx context.Context, userID string, role model.Role) error {
	if s.meta == nil {
		return errors.New("metadata client is not configured")
	}

	current, err := s.meta.AdminGetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("read user metadata: %w", err)
	}

	meta := make(map[string]any, len(current.UserMetadata)+1)
	maps.Copy(meta, current.UserMetadata)
	meta["role"] = string(role)

	if _, err := s.meta.AdminUpdateUserMetadata(ctx, userID, meta); err != nil {
		return fmt.Errorf("write user metadata: %w", err)
	}
	return nil
}
