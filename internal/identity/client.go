// Package identity はアイデンティティバックエンド（GoTrue互換）のREST APIクライアントを提供する。
// ユーザー向け操作は匿名キー、管理操作はサービスロールキーで呼び出す。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/model"
)

// maxResponseBytes は上流レスポンスとして読み取る最大バイト数。
const maxResponseBytes = 1 << 20

// unavailableMessage は上流に到達できなかった場合のクライアント向けメッセージ。
const unavailableMessage = "Authentication service unavailable"

// LatencyObserver は上流呼び出しの所要時間を記録する。
type LatencyObserver interface {
	ObserveUpstream(operation string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveUpstream(string, time.Duration) {}

// Options はClientの接続先とキーを保持する。
type Options struct {
	BaseURL    string
	AnonKey    config.Secret
	ServiceKey config.Secret
}

// Client はアイデンティティバックエンドのクライアント。
type Client struct {
	httpClient *http.Client
	noRedirect *http.Client
	logger     *slog.Logger
	baseURL    string
	anonKey    config.Secret
	serviceKey config.Secret
	observer   LatencyObserver
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientのタイムアウトとトランスポートは呼び出し側で設定する。
func NewClient(httpClient *http.Client, opts Options, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	noRedirect := *httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		httpClient: httpClient,
		noRedirect: &noRedirect,
		logger:     logger,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		anonKey:    opts.AnonKey,
		serviceKey: opts.ServiceKey,
		observer:   noopObserver{},
	}
}

// SetObserver はレイテンシの記録先を設定する。
func (c *Client) SetObserver(o LatencyObserver) {
	if o != nil {
		c.observer = o
	}
}

// HasServiceKey はサービスロールキーが設定されているかを返す。
func (c *Client) HasServiceKey() bool {
	return c.serviceKey != ""
}

// call は1回分のリクエスト定義。
type call struct {
	operation string
	method    string
	path      string
	body      any
	apiKey    config.Secret
	bearer    string // 空の場合はapiKeyを使う
	headers   map[string]string

	// keepRedirect はリダイレクトを追わず3xxをそのまま返す
	keepRedirect bool
}

// do はリクエストを送信し、2xxならレスポンスボディをoutにデコードする。
// 通信失敗はUpstreamUnavailable、非2xxはBackendErrorに変換する。
func (c *Client) do(ctx context.Context, cl call, out any) (int, error) {
	resp, err := c.send(ctx, cl)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Warn("failed to read upstream response",
			slog.String("operation", cl.operation),
			slog.String("error", err.Error()),
		)
		return resp.StatusCode, model.NewUpstreamUnavailableError(unavailableMessage, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, newBackendError(resp.StatusCode, body)
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", cl.operation, err)
		}
	}
	return resp.StatusCode, nil
}

// send はヘッダーを付与してリクエストを送信する。レスポンスボディのCloseは呼び出し側が行う。
func (c *Client) send(ctx context.Context, cl call) (*http.Response, error) {
	var reader io.Reader
	if cl.body != nil {
		payload, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", cl.operation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", cl.operation, err)
	}

	bearer := cl.bearer
	if bearer == "" {
		bearer = cl.apiKey.Value()
	}
	req.Header.Set("apikey", cl.apiKey.Value())
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cl.headers {
		req.Header.Set(k, v)
	}

	hc := c.httpClient
	if cl.keepRedirect {
		hc = c.noRedirect
	}

	start := time.Now()
	resp, err := hc.Do(req)
	c.observer.ObserveUpstream(cl.operation, time.Since(start))
	if err != nil {
		c.logger.Error("identity backend request failed",
			slog.String("operation", cl.operation),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamUnavailableError(unavailableMessage, err)
	}
	return resp, nil
}

// upstreamError はバックエンドのエラーレスポンスの既知フィールド。
// バージョンによって使われるキーが異なる。
type upstreamError struct {
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
	Error            any    `json:"error"`
	ErrorCode        string `json:"error_code"`
	Code             any    `json:"code"`
}

// newBackendError はエラーレスポンスからBackendErrorを生成する。
// メッセージは msg, error_description, message, error の順に最初の非空値を使う。
func newBackendError(status int, body []byte) *model.AuthError {
	var ue upstreamError
	_ = json.Unmarshal(body, &ue)

	msg := firstNonEmpty(ue.Msg, ue.ErrorDescription, ue.Message, stringOf(ue.Error))
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = "Request failed"
	}

	code := ue.ErrorCode
	if code == "" {
		// 旧バージョンはcodeに文字列、新バージョンは数値を入れる
		code = stringOf(ue.Code)
	}

	e := model.NewBackendError(status, msg)
	e.Code = code
	return e
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func stringOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// IsUnavailable はerrが上流への到達失敗、または上流の5xxであるかを返す。
func IsUnavailable(err error) bool {
	ae, ok := model.AsAuthError(err)
	if !ok {
		return false
	}
	return ae.Kind == model.KindUpstreamUnavailable ||
		(ae.Kind == model.KindBackend && ae.Status >= http.StatusInternalServerError)
}

// StatusOf はBackendErrorのステータスを返す。BackendErrorでない場合は0を返す。
func StatusOf(err error) int {
	var ae *model.AuthError
	if errors.As(err, &ae) && ae.Kind == model.KindBackend {
		return ae.Status
	}
	return 0
}
