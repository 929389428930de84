package discount

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/common"
)

// Handler exposes assigned discount codes to guardians.
type Handler struct {
	Svc *Service
}

// ListAssignments returns the caller's family codes.
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "discount service not configured", nil)
		return
	}
	principal, ok := common.Principal(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	familyID := r.URL.Query().Get("family_id")
	if familyID == "" {
		familyID = principal.FamilyID
	}
	if !principal.OwnsFamily(familyID) {
		common.RenderError(w, common.AuthorizationError("family not owned by caller", nil))
		return
	}
	id, err := uuid.Parse(familyID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid family id", nil)
		return
	}
	out, err := h.Svc.ListForFamily(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}
