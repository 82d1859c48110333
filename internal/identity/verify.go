package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/model"
)

// メタデータ方式で使うuser_metadataのキー。
const (
	MetaVerificationToken   = "verification_token"
	MetaVerificationExpires = "verification_expires_at"
	MetaEmailVerified       = "email_verified"
)

var (
	// ErrStrategySkipped は戦略が入力に対して適用できないことを表す。
	ErrStrategySkipped = errors.New("verification strategy not applicable")
	// ErrVerificationFailed はすべての戦略が失敗したことを表す。
	ErrVerificationFailed = errors.New("email verification failed")
)

// VerifyRequest はメール確認コールバックの入力。
type VerifyRequest struct {
	Token  string
	UserID string // メタデータ方式のリンクにのみ含まれる
}

// Strategy はメール確認の1手段。
type Strategy interface {
	Name() string
	Verify(ctx context.Context, req VerifyRequest) error
}

// Verifier は戦略を順に試し、最初に成功した戦略名を返す。
type Verifier struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewVerifier は戦略リストからVerifierを生成する。
func NewVerifier(logger *slog.Logger, strategies ...Strategy) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{strategies: strategies, logger: logger}
}

// Verify は戦略を登録順に実行する。すべて失敗した場合のみErrVerificationFailedを返す。
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (string, error) {
	var errs []error
	for _, s := range v.strategies {
		err := s.Verify(ctx, req)
		if err == nil {
			return s.Name(), nil
		}
		if errors.Is(err, ErrStrategySkipped) {
			continue
		}
		v.logger.Debug("verification strategy failed",
			slog.String("strategy", s.Name()),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return "", errors.Join(append([]error{ErrVerificationFailed}, errs...)...)
}

// VerifyEmailToken はバックエンドの2つの確認エンドポイントを順に試す。
func (c *Client) VerifyEmailToken(ctx context.Context, token string) error {
	_, err := NewVerifier(c.logger, c.TokenHashStrategy(), c.OTPStrategy()).
		Verify(ctx, VerifyRequest{Token: token})
	return err
}

// TokenHashStrategy は GET /auth/v1/verify?type=signup&token_hash= を使う戦略を返す。
func (c *Client) TokenHashStrategy() Strategy {
	return tokenHashStrategy{c: c}
}

type tokenHashStrategy struct{ c *Client }

func (tokenHashStrategy) Name() string { return "token_hash" }

func (s tokenHashStrategy) Verify(ctx context.Context, req VerifyRequest) error {
	resp, err := s.c.send(ctx, call{
		operation:    "verify_token_hash",
		method:       http.MethodGet,
		path:         "/auth/v1/verify?type=signup&token_hash=" + url.QueryEscape(req.Token),
		apiKey:       s.c.anonKey,
		keepRedirect: true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// 失敗時もリダイレクトされ、Locationにerrorが付く
		if strings.Contains(resp.Header.Get("Location"), "error") {
			return model.NewBackendError(http.StatusBadRequest, "verification redirect reported an error")
		}
		return nil
	default:
		return model.NewBackendError(resp.StatusCode, http.StatusText(resp.StatusCode))
	}
}

// OTPStrategy は POST /auth/v1/verify {type:"signup", token} を使う戦略を返す。
func (c *Client) OTPStrategy() Strategy {
	return otpStrategy{c: c}
}

type otpStrategy struct{ c *Client }

func (otpStrategy) Name() string { return "otp" }

func (s otpStrategy) Verify(ctx context.Context, req VerifyRequest) error {
	_, err := s.c.do(ctx, call{
		operation: "verify_otp",
		method:    http.MethodPost,
		path:      "/auth/v1/verify",
		body:      map[string]string{"type": "signup", "token": req.Token},
		apiKey:    s.c.anonKey,
	}, nil)
	return err
}

// MetadataStrategy はuser_metadataに保存したトークンと照合する戦略を返す。
// UserIDを含まないリクエストには適用されない。
func (c *Client) MetadataStrategy() Strategy {
	return metadataStrategy{c: c, now: time.Now}
}

type metadataStrategy struct {
	c   *Client
	now func() time.Time
}

func (metadataStrategy) Name() string { return "metadata" }

func (s metadataStrategy) Verify(ctx context.Context, req VerifyRequest) error {
	if req.UserID == "" {
		return ErrStrategySkipped
	}

	user, err := s.c.AdminGetUser(ctx, req.UserID)
	if err != nil {
		return err
	}

	stored, _ := user.UserMetadata[MetaVerificationToken].(string)
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(req.Token)) != 1 {
		return errors.New("verification token mismatch")
	}
	if exp, ok := user.UserMetadata[MetaVerificationExpires].(float64); ok && s.now().Unix() > int64(exp) {
		return errors.New("verification token expired")
	}

	meta := make(map[string]any, len(user.UserMetadata))
	maps.Copy(meta, user.UserMetadata)
	delete(meta, MetaVerificationToken)
	delete(meta, MetaVerificationExpires)
	meta[MetaEmailVerified] = true

	if _, err := s.c.AdminUpdateUserMetadata(ctx, req.UserID, meta); err != nil {
		return fmt.Errorf("clear verification token: %w", err)
	}
	return nil
}

// GenerateVerificationToken はメタデータ方式で使う40文字のランダムトークンを生成する。
func GenerateVerificationToken() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// VerificationMetadata はユーザーの既存メタデータに確認トークンと期限を加えたコピーを返す。
func VerificationMetadata(current map[string]any, token string, expiresAt time.Time) map[string]any {
	meta := make(map[string]any, len(current)+2)
	maps.Copy(meta, current)
	meta[MetaVerificationToken] = token
	meta[MetaVerificationExpires] = expiresAt.Unix()
	meta[MetaEmailVerified] = false
	return meta
}
