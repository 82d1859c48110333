// Package role はアプリケーションロールの保存と参照を提供する。
// ロールはuser_rolesテーブルが正で、user_metadata.roleはベストエフォートのミラー。
package role

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrInvalidUserID はユーザーIDがUUID形式でない場合のエラー。
var ErrInvalidUserID = errors.New("user id is not a valid UUID")

// Store はuser_rolesテーブルへのアクセスインターフェース。
type Store interface {
	// Get は保存済みのロールを返す。行が存在しない場合はfound=falseを返す。
	Get(ctx context.Context, userID string) (role model.Role, found bool, err error)
	// Upsert はロールを作成または更新する。
	Upsert(ctx context.Context, userID string, role model.Role) error
	// InsertIfAbsent は行が存在しない場合のみロールを作成する。
	InsertIfAbsent(ctx context.Context, userID string, role model.Role) error
}

// StatusError はHTTP経由のストアが非2xxを返したことを表す。
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("role store returned status %d: %s", e.Status, e.Body)
}

// StatusOf はerrに含まれるストアのHTTPステータスを返す。含まれない場合は0を返す。
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// validateUserID はクエリ構築前にユーザーIDを検証し、正規形を返す。
func validateUserID(userID string) (string, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return id.String(), nil
}
