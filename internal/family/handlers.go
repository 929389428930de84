package family

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/common"
	"github.com/noah-isme/backend-dojo/internal/store"
)

// Handler exposes family and student endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type registerPayload struct {
	Name          string `json:"name" validate:"required,min=1,max=120"`
	BillingStreet string `json:"billing_street" validate:"max=200"`
	BillingCity   string `json:"billing_city" validate:"max=100"`
	BillingRegion string `json:"billing_region" validate:"max=100"`
	BillingPostal string `json:"billing_postal" validate:"max=20"`
}

// Register creates a household. Admin-only; guardian accounts are linked at
// account creation.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var payload registerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	f, err := h.Svc.Register(r.Context(), RegisterInput{
		Name:          payload.Name,
		BillingStreet: payload.BillingStreet,
		BillingCity:   payload.BillingCity,
		BillingRegion: payload.BillingRegion,
		BillingPostal: payload.BillingPostal,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": f})
}

// Get returns the household detail with per-student eligibility.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, principal, ok := h.authorizedFamilyID(w, r)
	if !ok {
		return
	}
	_ = principal
	view, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

type updatePayload struct {
	Name          string `json:"name" validate:"required,min=1,max=120"`
	BillingStreet string `json:"billing_street" validate:"max=200"`
	BillingCity   string `json:"billing_city" validate:"max=100"`
	BillingRegion string `json:"billing_region" validate:"max=100"`
	BillingPostal string `json:"billing_postal" validate:"max=20"`
}

// Update rewrites household fields.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.authorizedFamilyID(w, r)
	if !ok {
		return
	}
	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	f, err := h.Svc.Update(r.Context(), store.UpdateFamilyParams{
		ID:            id,
		Name:          payload.Name,
		BillingStreet: payload.BillingStreet,
		BillingCity:   payload.BillingCity,
		BillingRegion: payload.BillingRegion,
		BillingPostal: payload.BillingPostal,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": f})
}

type studentPayload struct {
	FirstName string `json:"first_name" validate:"required,min=1,max=80"`
	LastName  string `json:"last_name" validate:"required,min=1,max=80"`
	BirthDate string `json:"birth_date" validate:"required"`
	BeltRank  string `json:"belt_rank" validate:"max=40"`
	Program   string `json:"program" validate:"max=80"`
}

// AddStudent creates a student under the household.
func (h *Handler) AddStudent(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.authorizedFamilyID(w, r)
	if !ok {
		return
	}
	var payload studentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	birth, err := time.Parse("2006-01-02", payload.BirthDate)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "birth_date must be YYYY-MM-DD", nil)
		return
	}
	st, err := h.Svc.AddStudent(r.Context(), AddStudentInput{
		FamilyID:  id,
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
		BirthDate: birth,
		BeltRank:  payload.BeltRank,
		Program:   payload.Program,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": st})
}

// GetStudent returns one student with eligibility.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	st, ok := h.authorizedStudent(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

type promotePayload struct {
	BeltRank string `json:"belt_rank" validate:"required,min=1,max=40"`
}

// PromoteBelt records a belt promotion. Admin-only.
func (h *Handler) PromoteBelt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "studentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid student id", nil)
		return
	}
	var payload promotePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	st, err := h.Svc.PromoteBelt(r.Context(), id, payload.BeltRank)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": st})
}

// DeactivateStudent soft-disables a student. Admin-only.
func (h *Handler) DeactivateStudent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "studentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid student id", nil)
		return
	}
	if err := h.Svc.DeactivateStudent(r.Context(), id); err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"active": false}})
}

// ConsumeSession burns one prepaid session at check-in. Admin-only.
func (h *Handler) ConsumeSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "familyID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid family id", nil)
		return
	}
	f, err := h.Svc.ConsumeSession(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": f})
}

// RecordAttendance bumps a student's attendance counter. Admin-only.
func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "studentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid student id", nil)
		return
	}
	count, err := h.Svc.RecordAttendance(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"attendance_count": count}})
}

func (h *Handler) authorizedFamilyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, common.AuthPrincipal, bool) {
	principal, ok := common.Principal(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return uuid.Nil, principal, false
	}
	raw := chi.URLParam(r, "familyID")
	id, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid family id", nil)
		return uuid.Nil, principal, false
	}
	if !principal.OwnsFamily(raw) {
		common.RenderError(w, common.AuthorizationError("family not owned by caller", nil))
		return uuid.Nil, principal, false
	}
	return id, principal, true
}

func (h *Handler) authorizedStudent(w http.ResponseWriter, r *http.Request) (StudentView, bool) {
	principal, ok := common.Principal(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return StudentView{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "studentID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid student id", nil)
		return StudentView{}, false
	}
	st, err := h.Svc.GetStudent(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return StudentView{}, false
	}
	if !principal.OwnsFamily(st.Student.FamilyID.String()) {
		common.RenderError(w, common.AuthorizationError("student not owned by caller", nil))
		return StudentView{}, false
	}
	return st, true
}

func (h *Handler) validate(v any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(v)
}
