package role

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/model"
)

const rolesPath = "/rest/v1/user_roles"

// RESTStore はアイデンティティバックエンドのPostgREST経由でuser_rolesを操作するStore実装。
// サービスロールキーで呼び出す。
type RESTStore struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	serviceKey config.Secret
}

// NewRESTStore はRESTStoreを生成する。
func NewRESTStore(httpClient *http.Client, baseURL string, serviceKey config.Secret, logger *slog.Logger) *RESTStore {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTStore{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
	}
}

// Get は GET /rest/v1/user_roles?user_id=eq.{id}&select=role でロールを取得する。
func (s *RESTStore) Get(ctx context.Context, userID string) (model.Role, bool, error) {
	id, err := validateUserID(userID)
	if err != nil {
		return "", false, err
	}

	q := url.Values{}
	q.Set("user_id", "eq."+id)
	q.Set("select", "role")

	body, err := s.request(ctx, http.MethodGet, rolesPath+"?"+q.Encode(), nil, "")
	if err != nil {
		return "", false, err
	}

	var rows []struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return "", false, fmt.Errorf("decode user_roles response: %w", err)
	}
	if len(rows) == 0 || rows[0].Role == "" {
		return "", false, nil
	}
	return model.Role(rows[0].Role), true, nil
}

// Upsert は user_id の競合時にロールを上書きする。
func (s *RESTStore) Upsert(ctx context.Context, userID string, role model.Role) error {
	return s.insert(ctx, userID, role, "resolution=merge-duplicates")
}

// InsertIfAbsent は user_id の競合時に何もしない。
func (s *RESTStore) InsertIfAbsent(ctx context.Context, userID string, role model.Role) error {
	return s.insert(ctx, userID, role, "resolution=ignore-duplicates")
}

func (s *RESTStore) insert(ctx context.Context, userID string, role model.Role, resolution string) error {
	id, err := validateUserID(userID)
	if err != nil {
		return err
	}

	payload := map[string]string{"user_id": id, "role": string(role)}
	_, err = s.request(ctx, http.MethodPost, rolesPath+"?on_conflict=user_id", payload, "return=minimal,"+resolution)
	return err
}

func (s *RESTStore) request(ctx context.Context, method, path string, payload any, prefer string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode user_roles request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create user_roles request: %w", err)
	}
	req.Header.Set("apikey", s.serviceKey.Value())
	req.Header.Set("Authorization", "Bearer "+s.serviceKey.Value())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("role store request failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("user_roles request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read user_roles response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
