package payment

import (
	"encoding/json"
	"net/http"

	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/common"
)

// Handler exposes checkout and payment history endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type checkoutPayload struct {
	FamilyID     string `json:"family_id" validate:"required,uuid"`
	StudentID    string `json:"student_id" validate:"omitempty,uuid"`
	Type         string `json:"type" validate:"required,oneof=monthly_group yearly_group individual_session store_purchase event_registration other"`
	SessionCount int32  `json:"session_count" validate:"gte=0,lte=100"`
}

// Checkout opens a payment intent for the caller's family.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "payment service not configured", nil)
		return
	}
	principal, ok := common.Principal(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	var payload checkoutPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
			return
		}
	}
	familyID, err := uuid.Parse(payload.FamilyID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid family id", nil)
		return
	}
	if !principal.OwnsFamily(payload.FamilyID) {
		common.RenderError(w, common.AuthorizationError("family not owned by caller", nil))
		return
	}
	in := CheckoutInput{FamilyID: familyID, Type: payload.Type, SessionCount: payload.SessionCount}
	if payload.StudentID != "" {
		sid, err := uuid.Parse(payload.StudentID)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid student id", nil)
			return
		}
		in.StudentID = &sid
	}
	out, err := h.Svc.Checkout(r.Context(), in)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": out})
}

// History lists the caller's family payments.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
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
	out, err := h.Svc.History(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}
