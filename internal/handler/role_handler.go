package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
)

// roleUpdateOperation はメトリクスのoperationラベル。
const roleUpdateOperation = "role-update"

// UpdateRole はログインユーザーのロールを更新する。
// ロール行の更新が成功すれば、メタデータのミラーに失敗しても success:true を返す。
// PUT /auth/role
func (h *AuthHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.AccessTokenFromContext(r.Context())
	if !ok {
		middleware.WriteAuthError(w, model.NewNotAuthenticatedError())
		return
	}
	user, err := h.identity.GetUser(r.Context(), token)
	if err != nil {
		if identity.IsUnavailable(err) {
			middleware.WriteError(w, http.StatusBadGateway, msgUnavailable)
			return
		}
		middleware.WriteAuthError(w, model.NewNotAuthenticatedError())
		return
	}

	var body struct {
		Role string `json:"role"`
	}
	decodeBody(r, &body)

	result, err := h.roles.SetRole(r.Context(), user.ID, body.Role)
	if err != nil {
		if model.IsKind(err, model.KindInvalidRole) {
			h.recordFailure(roleUpdateOperation, err)
			middleware.WriteAuthError(w, err)
			return
		}
		slog.Error("failed to update role",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		h.recordFailure(roleUpdateOperation, err)
		middleware.WriteError(w, http.StatusBadGateway, "Failed to update role")
		return
	}

	h.metrics.RecordAuthRequest(roleUpdateOperation, metrics.OutcomeSuccess)

	resp := map[string]any{"success": true, "role": result.Role}
	if h.config.ExposeDiagnostics {
		d := model.RoleUpdateDiagnostics{MetadataMirrored: result.MetadataMirrored}
		if result.MirrorErr != nil {
			d.Error = result.MirrorErr.Error()
		}
		resp["debug"] = d
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
