// Package store is the hand-written pgx query layer. Every row crossing the
// service boundary is a typed DTO; nothing downstream consumes raw row maps.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payment types accepted at checkout.
const (
	PaymentTypeMonthlyGroup      = "monthly_group"
	PaymentTypeYearlyGroup       = "yearly_group"
	PaymentTypeIndividualSession = "individual_session"
	PaymentTypeStorePurchase     = "store_purchase"
	PaymentTypeEventRegistration = "event_registration"
	PaymentTypeOther             = "other"
)

// Payment statuses. A payment transitions out of pending exactly once.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// Enrollment statuses.
const (
	EnrollmentStatusTrial     = "trial"
	EnrollmentStatusActive    = "active"
	EnrollmentStatusWaitlist  = "waitlist"
	EnrollmentStatusDropped   = "dropped"
	EnrollmentStatusCompleted = "completed"
)

// Entity kinds for billable parties.
const (
	EntityKindFamily     = "family"
	EntityKindSchool     = "school"
	EntityKindGovernment = "government"
	EntityKindCorporate  = "corporate"
	EntityKindOther      = "other"
)

// Account is a login identity (guardian or admin).
type Account struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Role         string
	FamilyID     *uuid.UUID
	CreatedAt    time.Time
}

// Family is the household unit owning students, payments and balances.
type Family struct {
	ID             uuid.UUID
	Name           string
	BillingStreet  string
	BillingCity    string
	BillingRegion  string
	BillingPostal  string
	SessionBalance int32
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Student belongs to exactly one family. Rows are never hard-deleted so
// payment and attendance history stays intact.
type Student struct {
	ID              uuid.UUID
	FamilyID        uuid.UUID
	FirstName       string
	LastName        string
	BirthDate       time.Time
	BeltRank        string
	Program         string
	AttendanceCount int32
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Class is a scheduled recurring class students enroll into.
type Class struct {
	ID       uuid.UUID
	Name     string
	Program  string
	Capacity int32
	Active   bool
}

// Enrollment joins a student to a class with a lifecycle status.
type Enrollment struct {
	ID        uuid.UUID
	StudentID uuid.UUID
	ClassID   uuid.UUID
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payment records one charge attempt for a family.
type Payment struct {
	ID            uuid.UUID
	FamilyID      uuid.UUID
	StudentID     *uuid.UUID
	Type          string
	Status        string
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
	Currency      string
	SessionCount  int32
	IntentID      *string
	ReceiptRef    *string
	MethodDesc    *string
	PaymentDate   time.Time
	PaidAt        *time.Time
	CreatedAt     time.Time
}

// Entity is a billable party receiving invoices.
type Entity struct {
	ID       uuid.UUID
	Kind     string
	Name     string
	FamilyID *uuid.UUID
}

// Invoice aggregates ordered line items for an entity.
type Invoice struct {
	ID             uuid.UUID
	EntityID       uuid.UUID
	Number         string
	Status         string
	Currency       string
	SubtotalCents  int64
	DiscountCents  int64
	TaxCents       int64
	TotalCents     int64
	AmountPaidCents int64
	DueDate        *time.Time
	IssuedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InvoiceLineItem is one ordered line on an invoice. Rates are basis points.
type InvoiceLineItem struct {
	ID                 uuid.UUID
	InvoiceID          uuid.UUID
	Position           int32
	ItemType           string
	Description        string
	Quantity           int64
	UnitPriceCents     int64
	TaxRateBps         int32
	DiscountRateBps    int32
	ServicePeriodStart *time.Time
	ServicePeriodEnd   *time.Time
}

// DiscountTemplate is the reusable definition a rule assigns codes from.
type DiscountTemplate struct {
	ID             uuid.UUID
	Name           string
	CodePrefix     string
	Kind           string
	ValueBps       int32
	ValueCents     int64
	DurationMonths int32
	Active         bool
}

// DiscountRule matches trigger events against stored JSON conditions.
type DiscountRule struct {
	ID                uuid.UUID
	Name              string
	TriggerEvent      string
	Conditions        json.RawMessage
	TemplateIDs       []uuid.UUID
	ValidFrom         *time.Time
	ValidTo           *time.Time
	MaxUsesPerFamily  int32
	Active            bool
}

// DiscountAssignment records one code handed to a family by a rule.
type DiscountAssignment struct {
	ID         uuid.UUID
	RuleID     uuid.UUID
	TemplateID uuid.UUID
	FamilyID   uuid.UUID
	EventID    uuid.UUID
	Code       string
	Sequence   int32
	CreatedAt  time.Time
}

// DomainEvent is a persisted business fact fanned out to the worker.
type DomainEvent struct {
	ID          uuid.UUID
	Topic       string
	AggregateID uuid.UUID
	Payload     json.RawMessage
	OccurredAt  time.Time
}
