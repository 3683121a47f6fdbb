package models

import "time"

type IntegrationStatus string

const (
	IntegrationPending   IntegrationStatus = "pending"
	IntegrationSent      IntegrationStatus = "sent"
	IntegrationDelivered IntegrationStatus = "delivered"
	IntegrationFailed    IntegrationStatus = "failed"
	IntegrationCancelled IntegrationStatus = "cancelled"
)

// Live reports whether the provider already holds an event for the appointment.
func (s IntegrationStatus) Live() bool {
	return s == IntegrationSent || s == IntegrationDelivered
}

// CalendarIntegration is the delivery status of one appointment on one provider.
type CalendarIntegration struct {
	AppointmentID   string            `json:"appointment_id"`
	PatientID       string            `json:"patient_id"`
	Provider        string            `json:"provider"`
	ExternalEventID string            `json:"external_event_id,omitempty"`
	Status          IntegrationStatus `json:"status"`
	Attempts        int               `json:"attempts"`
	LastAttemptAt   *time.Time        `json:"last_attempt_at,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
