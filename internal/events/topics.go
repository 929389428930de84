package events

// Topic constants for domain events emitted by the platform.
const (
	TopicPaymentSucceeded     = "payment.succeeded"
	TopicPaymentFailed        = "payment.failed"
	TopicEnrollmentCreated    = "enrollment.created"
	TopicStudentPromoted      = "student.promoted"
	TopicAttendanceMilestone  = "student.attendance_milestone"
	TopicFamilyRegistered     = "family.registered"
	TopicInvoicePaid          = "invoice.paid"
	TopicInvoiceOverdueNotice = "invoice.overdue_notice"
)

// Trigger names used by the discount automation engine. A subset of topics
// maps onto these. family_referral, birthday and seasonal_promotion have no
// event producer yet; rules on those triggers stay dormant until one is wired.
const (
	TriggerStudentEnrollment   = "student_enrollment"
	TriggerFirstPayment        = "first_payment"
	TriggerBeltPromotion       = "belt_promotion"
	TriggerAttendanceMilestone = "attendance_milestone"
	TriggerFamilyReferral      = "family_referral"
	TriggerBirthday            = "birthday"
	TriggerSeasonalPromotion   = "seasonal_promotion"
)

// AutomationTrigger maps an event topic to the discount trigger it feeds, if any.
func AutomationTrigger(topic string) (string, bool) {
	switch topic {
	case TopicEnrollmentCreated:
		return TriggerStudentEnrollment, true
	case TopicPaymentSucceeded:
		return TriggerFirstPayment, true
	case TopicStudentPromoted:
		return TriggerBeltPromotion, true
	case TopicAttendanceMilestone:
		return TriggerAttendanceMilestone, true
	default:
		return "", false
	}
}
