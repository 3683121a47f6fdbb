package models

import "time"

type JobKind string

const (
	KindSendInvite       JobKind = "send-invite"
	KindUpdateInvite     JobKind = "update-invite"
	KindCancelInvite     JobKind = "cancel-invite"
	KindSyncAvailability JobKind = "sync-availability"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindSendInvite, KindUpdateInvite, KindCancelInvite, KindSyncAvailability:
		return true
	}
	return false
}

type JobState string

const (
	JobPending   JobState = "pending"
	JobInFlight  JobState = "in_flight"
	JobCompleted JobState = "completed"
	JobDead      JobState = "dead"
)

const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// ClampPriority keeps p inside 1 (highest) .. 10 (lowest). Zero means default.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return PriorityDefault
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	}
	return p
}

type DeliveryJob struct {
	Seq            int64      `json:"-"`
	ID             string     `json:"id"`
	Kind           JobKind    `json:"kind"`
	AppointmentID  string     `json:"appointment_id,omitempty"`
	PatientContact string     `json:"patient_contact,omitempty"`
	Provider       string     `json:"provider"`
	Payload        JobPayload `json:"payload"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	Priority       int        `json:"priority"`
	State          JobState   `json:"state"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobPayload carries what a worker needs to drive one job through an adapter.
// Only the fields relevant to the job kind are set.
type JobPayload struct {
	PatientID       string         `json:"patient_id,omitempty"`
	Event           *CalendarEvent `json:"event,omitempty"`
	Patch           *EventPatch    `json:"patch,omitempty"`
	ExternalEventID string         `json:"external_event_id,omitempty"`
	Range           *TimeRange     `json:"range,omitempty"`
}
