package model

// EnrichmentAttempt はロール付与などベストエフォート処理1件の結果を表す。
type EnrichmentAttempt struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Status  int    `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Diagnostics は登録レスポンスの任意フィールド debug の内容。
// ここに記録された失敗はトップレベルのエラーにはならない。
type Diagnostics struct {
	RoleEnrichmentAttempts []EnrichmentAttempt `json:"roleEnrichmentAttempts"`
	EmailSent              bool                `json:"emailSent"`
	AutoLogin              bool                `json:"autoLogin"`
}

// RoleUpdateDiagnostics はロール更新レスポンスの debug の内容。
type RoleUpdateDiagnostics struct {
	MetadataMirrored bool   `json:"metadataMirrored"`
	Error            string `json:"error,omitempty"`
}
