package enrollment

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/common"
)

// Handler exposes class and enrollment endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

// ListClasses returns the class catalog.
func (h *Handler) ListClasses(w http.ResponseWriter, r *http.Request) {
	out, err := h.Svc.Classes(r.Context())
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

type enrollPayload struct {
	StudentID string `json:"student_id" validate:"required,uuid"`
	ClassID   string `json:"class_id" validate:"required,uuid"`
	Trial     bool   `json:"trial"`
}

// Enroll joins one of the caller's students to a class.
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	principal, ok := common.Principal(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	var payload enrollPayload
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
	studentID, err := uuid.Parse(payload.StudentID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid student id", nil)
		return
	}
	classID, err := uuid.Parse(payload.ClassID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid class id", nil)
		return
	}
	st, err := h.Svc.Q.GetStudent(r.Context(), studentID)
	if err == nil && !principal.OwnsFamily(st.FamilyID.String()) {
		common.RenderError(w, common.AuthorizationError("student not owned by caller", nil))
		return
	}
	e, svcErr := h.Svc.Enroll(r.Context(), EnrollInput{StudentID: studentID, ClassID: classID, Trial: payload.Trial})
	if svcErr != nil {
		common.RenderError(w, svcErr)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": e})
}

type transitionPayload struct {
	Status string `json:"status" validate:"required,oneof=active dropped completed"`
}

// Transition moves an enrollment to a new status. Admin-only.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "enrollmentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid enrollment id", nil)
		return
	}
	var payload transitionPayload
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
	e, err := h.Svc.Transition(r.Context(), id, payload.Status)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": e})
}

// ForStudent lists enrollments for one of the caller's students.
func (h *Handler) ForStudent(w http.ResponseWriter, r *http.Request) {
	principal, ok := common.Principal(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "studentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid student id", nil)
		return
	}
	st, err := h.Svc.Q.GetStudent(r.Context(), id)
	if err == nil && !principal.OwnsFamily(st.FamilyID.String()) {
		common.RenderError(w, common.AuthorizationError("student not owned by caller", nil))
		return
	}
	out, err := h.Svc.ForStudent(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}
