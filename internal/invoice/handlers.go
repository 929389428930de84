package invoice

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-dojo/internal/billing"
	"github.com/noah-isme/backend-dojo/internal/common"
)

// Handler exposes invoice endpoints. Creation and mutation are admin-only;
// guardians read their own family's invoices.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type linePayload struct {
	ItemType           string `json:"item_type" validate:"required,min=1,max=60"`
	Description        string `json:"description" validate:"max=300"`
	Quantity           int64  `json:"quantity" validate:"required,gt=0"`
	UnitPriceCents     int64  `json:"unit_price_cents" validate:"gte=0"`
	TaxRateBps         int32  `json:"tax_rate_bps" validate:"gte=0,lte=10000"`
	DiscountRateBps    int32  `json:"discount_rate_bps" validate:"gte=0,lte=10000"`
	ServicePeriodStart string `json:"service_period_start"`
	ServicePeriodEnd   string `json:"service_period_end"`
}

type createPayload struct {
	FamilyID string        `json:"family_id" validate:"required,uuid"`
	DueDate  string        `json:"due_date"`
	Lines    []linePayload `json:"lines" validate:"required,min=1,dive"`
}

// Create opens a draft invoice. Admin-only.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var payload createPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	familyID, err := uuid.Parse(payload.FamilyID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid family id", nil)
		return
	}
	due, err := parseDate(payload.DueDate)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "due_date must be YYYY-MM-DD", nil)
		return
	}
	lines := make([]LineInput, 0, len(payload.Lines))
	for _, lp := range payload.Lines {
		line, err := toLineInput(lp)
		if err != nil {
			common.RenderError(w, err)
			return
		}
		lines = append(lines, line)
	}
	view, err := h.Svc.CreateDraft(r.Context(), CreateInput{FamilyID: familyID, DueDate: due, Lines: lines})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": view})
}

// Get returns one invoice. A guardian opening a sent invoice marks it viewed.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	principal, ok := common.Principal(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid invoice id", nil)
		return
	}
	view, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	entity, err := h.Svc.Q.GetEntity(r.Context(), view.Invoice.EntityID)
	if err != nil {
		common.RenderError(w, common.TransientError("resolve billing entity", err))
		return
	}
	if entity.FamilyID == nil || !principal.OwnsFamily(entity.FamilyID.String()) {
		if !principal.IsAdmin() {
			common.RenderError(w, common.AuthorizationError("invoice not owned by caller", nil))
			return
		}
	}
	if !principal.IsAdmin() && view.Invoice.Status == string(billing.StatusSent) {
		// First guardian read moves sent to viewed; losing the race is fine.
		if v, err := h.Svc.Transition(r.Context(), id, billing.StatusViewed); err == nil {
			view = v
		}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

// ListForFamily returns the caller's family invoices.
func (h *Handler) ListForFamily(w http.ResponseWriter, r *http.Request) {
	principal, ok := common.Principal(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	raw := chi.URLParam(r, "familyID")
	id, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid family id", nil)
		return
	}
	if !principal.OwnsFamily(raw) {
		common.RenderError(w, common.AuthorizationError("family not owned by caller", nil))
		return
	}
	out, err := h.Svc.ListForFamily(r.Context(), id)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

// AddLine appends a line to a draft invoice. Admin-only.
func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid invoice id", nil)
		return
	}
	var payload linePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	line, err := toLineInput(payload)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	view, err := h.Svc.AddLine(r.Context(), id, line)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

// RemoveLine deletes a draft invoice line. Admin-only.
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid invoice id", nil)
		return
	}
	lineID, err := uuid.Parse(chi.URLParam(r, "lineID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid line id", nil)
		return
	}
	view, err := h.Svc.RemoveLine(r.Context(), id, lineID)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

type transitionPayload struct {
	Status string `json:"status" validate:"required,oneof=sent viewed cancelled"`
}

// Transition moves an invoice between stored statuses. Admin-only; payment
// driven statuses go through RecordPayment instead.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid invoice id", nil)
		return
	}
	var payload transitionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	view, err := h.Svc.Transition(r.Context(), id, billing.InvoiceStatus(payload.Status))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

type recordPaymentPayload struct {
	AmountCents int64 `json:"amount_cents" validate:"required,gt=0"`
}

// RecordPayment applies a received amount against the invoice. Admin-only.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid invoice id", nil)
		return
	}
	var payload recordPaymentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := h.validate(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
		return
	}
	view, err := h.Svc.RecordPayment(r.Context(), id, payload.AmountCents)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

func (h *Handler) validate(v any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(v)
}

func toLineInput(lp linePayload) (LineInput, error) {
	start, err := parseDate(lp.ServicePeriodStart)
	if err != nil {
		return LineInput{}, common.ValidationError("service_period_start must be YYYY-MM-DD", nil)
	}
	end, err := parseDate(lp.ServicePeriodEnd)
	if err != nil {
		return LineInput{}, common.ValidationError("service_period_end must be YYYY-MM-DD", nil)
	}
	return LineInput{
		ItemType:           lp.ItemType,
		Description:        lp.Description,
		Quantity:           lp.Quantity,
		UnitPriceCents:     lp.UnitPriceCents,
		TaxRateBps:         lp.TaxRateBps,
		DiscountRateBps:    lp.DiscountRateBps,
		ServicePeriodStart: start,
		ServicePeriodEnd:   end,
	}, nil
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
