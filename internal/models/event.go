package models

import "time"

type ReminderMethod string

const (
	ReminderEmail ReminderMethod = "email"
	ReminderPopup ReminderMethod = "popup"
	ReminderSMS   ReminderMethod = "sms"
)

type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventCancelled EventStatus = "cancelled"
)

type Location struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

type Attendee struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name"`
	Required *bool  `json:"required,omitempty"`
}

func (a Attendee) IsRequired() bool {
	return a.Required == nil || *a.Required
}

type Reminder struct {
	Method        ReminderMethod `json:"method" validate:"required,oneof=email popup sms"`
	MinutesBefore int            `json:"minutes_before" validate:"gte=0"`
}

// Recurrence days use 0=Sunday .. 6=Saturday.
type Recurrence struct {
	Frequency string     `json:"frequency" validate:"required,eq=weekly"`
	Days      []int      `json:"days" validate:"required,min=1,dive,min=0,max=6"`
	Until     *time.Time `json:"until,omitempty"`
}

type CalendarEvent struct {
	Title       string            `json:"title" validate:"required"`
	Description string            `json:"description,omitempty"`
	StartTime   time.Time         `json:"start_time" validate:"required"`
	EndTime     time.Time         `json:"end_time" validate:"required,gtfield=StartTime"`
	Location    *Location         `json:"location,omitempty"`
	Attendees   []Attendee        `json:"attendees,omitempty" validate:"dive"`
	Reminders   []Reminder        `json:"reminders,omitempty" validate:"dive"`
	Recurrence  *Recurrence       `json:"recurrence,omitempty"`
	TimeZone    string            `json:"time_zone,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	ICalUID  string      `json:"ical_uid,omitempty"`
	Sequence int         `json:"sequence,omitempty"`
	Status   EventStatus `json:"status,omitempty"`
}

func (e CalendarEvent) Cancelled() bool {
	return e.Status == EventCancelled
}

// EventPatch is the partial form of CalendarEvent sent on update. Nil fields
// are not changed on the provider side.
type EventPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Location    *Location  `json:"location,omitempty"`
	Attendees   []Attendee `json:"attendees,omitempty" validate:"dive"`
	TimeZone    string     `json:"time_zone,omitempty"`
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r TimeRange) Valid() bool {
	return !r.Start.IsZero() && r.End.After(r.Start)
}
