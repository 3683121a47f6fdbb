package models

import "time"

type Appointment struct {
	ID           string    `json:"id"`
	PatientID    string    `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	PatientEmail string    `json:"patient_email"`
	PatientPhone string    `json:"patient_phone,omitempty"`
	Title        string    `json:"title"`
	Type         string    `json:"type"`
	Notes        string    `json:"notes,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Location     *Location `json:"location,omitempty"`
}

type CalendarPreferences struct {
	PreferredProvider string         `json:"preferred_provider,omitempty"`
	ReminderMinutes   []int          `json:"reminder_minutes,omitempty"`
	ReminderMethod    ReminderMethod `json:"reminder_method,omitempty"`
	TimeZone          string         `json:"time_zone,omitempty"`
}

// AppointmentChanges is a partial update; nil fields are left untouched.
type AppointmentChanges struct {
	Title     *string    `json:"title,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Location  *Location  `json:"location,omitempty"`
}

func (c AppointmentChanges) Empty() bool {
	return c.Title == nil && c.Notes == nil && c.StartTime == nil && c.EndTime == nil && c.Location == nil
}

func (c AppointmentChanges) Apply(a Appointment) Appointment {
	if c.Title != nil {
		a.Title = *c.Title
	}
	if c.Notes != nil {
		a.Notes = *c.Notes
	}
	if c.StartTime != nil {
		a.StartTime = *c.StartTime
	}
	if c.EndTime != nil {
		a.EndTime = *c.EndTime
	}
	if c.Location != nil {
		loc := *c.Location
		a.Location = &loc
	}
	return a
}

// AppointmentSnapshot is the last appointment state an invite was built from.
// ICalUID and Sequence keep re-issued ICS invites pointing at the same event.
type AppointmentSnapshot struct {
	Appointment Appointment         `json:"appointment"`
	Preferences CalendarPreferences `json:"preferences"`
	Provider    string              `json:"provider"`
	ICalUID     string              `json:"ical_uid"`
	Sequence    int                 `json:"sequence"`
	UpdatedAt   time.Time           `json:"updated_at"`
}
