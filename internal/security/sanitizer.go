// Package security はメール本文に埋め込む値の無害化を提供する。
//
// 利用者が入力したメールアドレスやユーザー名はHTMLメールに差し込まれるため、
// bluemondayの厳格ポリシーでマークアップを除去してから埋め込む。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はHTMLメールに差し込む値を無害化する。
type Sanitizer interface {
	// Text はマークアップを除去し、HTML本文にそのまま埋め込める文字列を返す。
	Text(raw string) string
	// URL はhttp/httpsのURLのみを属性値として安全な形で返す。それ以外は空文字列を返す。
	URL(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer はSanitizerの新しいインスタンスを生成する。
// タグは一切許可せず、script/styleは内容ごと除去する。
func NewSanitizer() Sanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *textSanitizer) Text(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

func (s *textSanitizer) URL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ""
	}
	return html.EscapeString(u.String())
}
