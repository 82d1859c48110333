// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind はエラーの分類を表す。
type ErrorKind string

// 定義済みエラー分類
const (
	KindValidation          ErrorKind = "ValidationError"
	KindRateLimitExceeded   ErrorKind = "RateLimitExceeded"
	KindBackend             ErrorKind = "BackendError"
	KindInvalidRole         ErrorKind = "InvalidRole"
	KindNotAuthenticated    ErrorKind = "NotAuthenticated"
	KindNotFound            ErrorKind = "NotFound"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
)

// AuthError は呼び出し元に返すエラーの統一表現。
// Statusはレスポンスに使うHTTPステータス、Messageは {"error": ...} にそのまま入る文字列。
type AuthError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Code    string // 上流のerror_code（返された場合のみ）
	Err     error  // 原因（ログ用。レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// AsAuthError はerrをAuthErrorとして取り出す。
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsKind はerrが指定分類のAuthErrorかを返す。
func IsKind(err error, kind ErrorKind) bool {
	ae, ok := AsAuthError(err)
	return ok && ae.Kind == kind
}

// NewValidationError は入力不備エラーを生成する。
func NewValidationError(message string) *AuthError {
	return &AuthError{Kind: KindValidation, Status: http.StatusBadRequest, Message: message}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *AuthError {
	return &AuthError{Kind: KindRateLimitExceeded, Status: http.StatusTooManyRequests, Message: "Too many requests"}
}

// NewBackendError はアイデンティティバックエンドの失敗を表すエラーを生成する。
// messageは上流の文字列をそのまま保持する（UI側でパターンマッチされるため）。
func NewBackendError(status int, message string) *AuthError {
	if status < 400 {
		status = http.StatusBadRequest
	}
	return &AuthError{Kind: KindBackend, Status: status, Message: message}
}

// NewInvalidRoleError はプロファイル外のロール指定エラーを生成する。
func NewInvalidRoleError(profile RoleProfile) *AuthError {
	return &AuthError{
		Kind:    KindInvalidRole,
		Status:  http.StatusBadRequest,
		Message: "Invalid role. Allowed roles: " + strings.Join(profile.Labels(), ", "),
	}
}

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError() *AuthError {
	return &AuthError{Kind: KindNotAuthenticated, Status: http.StatusUnauthorized, Message: "Unauthorized"}
}

// NewNotFoundError は未定義ルートのエラーを生成する。
func NewNotFoundError() *AuthError {
	return &AuthError{Kind: KindNotFound, Status: http.StatusNotFound, Message: "Not Found"}
}

// NewUpstreamUnavailableError は上流サービスへの通信失敗エラーを生成する。
func NewUpstreamUnavailableError(message string, cause error) *AuthError {
	return &AuthError{Kind: KindUpstreamUnavailable, Status: http.StatusBadGateway, Message: message, Err: cause}
}
