package role

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/authgate/internal/model"
)

// PostgresStore はuser_rolesテーブルを直接操作するStore実装。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get は指定ユーザーのロールを取得する。
func (s *PostgresStore) Get(ctx context.Context, userID string) (model.Role, bool, error) {
	id, err := validateUserID(userID)
	if err != nil {
		return "", false, err
	}

	var role string
	err = s.db.QueryRowContext(ctx,
		`SELECT role FROM user_roles WHERE user_id = $1`,
		id,
	).Scan(&role)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find role by user ID: %w", err)
	}

	return model.Role(role), true, nil
}

// Upsert はロールを作成または更新する。
func (s *PostgresStore) Upsert(ctx context.Context, userID string, role model.Role) error {
	id, err := validateUserID(userID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_roles (user_id, role)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()`,
		id, string(role),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert role: %w", err)
	}
	return nil
}

// InsertIfAbsent は行が存在しない場合のみロールを作成する。
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, userID string, role model.Role) error {
	id, err := validateUserID(userID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_roles (user_id, role)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		id, string(role),
	)
	if err != nil {
		return fmt.Errorf("failed to insert role: %w", err)
	}
	return nil
}
