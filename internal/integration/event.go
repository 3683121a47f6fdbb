package integration

import (
	"strings"

	"github.com/shohag/calrelay/internal/models"
)

const defaultTitle = "Appointment"

// buildEvent turns an appointment snapshot into the calendar event sent to
// providers. Preference fields left empty fall back to the configured defaults.
func (m *Manager) buildEvent(snap *models.AppointmentSnapshot) models.CalendarEvent {
	appt := snap.Appointment
	prefs := snap.Preferences

	event := models.CalendarEvent{
		Title:       eventTitle(appt),
		Description: eventDescription(appt),
		StartTime:   appt.StartTime.UTC(),
		EndTime:     appt.EndTime.UTC(),
		Location:    appt.Location,
		Attendees:   []models.Attendee{{Email: appt.PatientEmail, Name: appt.PatientName}},
		Reminders:   m.reminders(prefs),
		TimeZone:    prefs.TimeZone,
		Metadata: map[string]string{
			"appointment_id": appt.ID,
			"patient_id":     appt.PatientID,
		},
		ICalUID:  snap.ICalUID,
		Sequence: snap.Sequence,
		Status:   models.EventConfirmed,
	}
	if event.TimeZone == "" {
		event.TimeZone = m.defaults.TimeZone
	}
	if appt.Type != "" {
		event.Metadata["appointment_type"] = appt.Type
	}
	return event
}

func (m *Manager) reminders(prefs models.CalendarPreferences) []models.Reminder {
	minutes := prefs.ReminderMinutes
	if len(minutes) == 0 {
		minutes = m.defaults.ReminderMinutes
	}
	method := prefs.ReminderMethod
	if method == "" {
		method = models.ReminderMethod(m.defaults.ReminderMethod)
	}
	if method == "" {
		method = models.ReminderEmail
	}

	out := make([]models.Reminder, 0, len(minutes))
	for _, n := range minutes {
		if n < 0 {
			continue
		}
		out = append(out, models.Reminder{Method: method, MinutesBefore: n})
	}
	return out
}

// buildPatch carries only what changed. Start and end travel together so the
// provider never sees an inverted range.
func (m *Manager) buildPatch(snap *models.AppointmentSnapshot, changes models.AppointmentChanges) models.EventPatch {
	appt := snap.Appointment
	var patch models.EventPatch

	if changes.Title != nil {
		title := eventTitle(appt)
		patch.Title = &title
	}
	if changes.Notes != nil || changes.Title != nil {
		desc := eventDescription(appt)
		patch.Description = &desc
	}
	if changes.StartTime != nil || changes.EndTime != nil {
		start, end := appt.StartTime.UTC(), appt.EndTime.UTC()
		patch.StartTime = &start
		patch.EndTime = &end
		patch.TimeZone = snap.Preferences.TimeZone
		if patch.TimeZone == "" {
			patch.TimeZone = m.defaults.TimeZone
		}
	}
	if changes.Location != nil {
		loc := *appt.Location
		patch.Location = &loc
	}
	return patch
}

// fullChanges describes every field of appt as changed.
func fullChanges(appt models.Appointment) models.AppointmentChanges {
	title, notes := appt.Title, appt.Notes
	start, end := appt.StartTime, appt.EndTime
	c := models.AppointmentChanges{
		Title:     &title,
		Notes:     &notes,
		StartTime: &start,
		EndTime:   &end,
	}
	if appt.Location != nil {
		loc := *appt.Location
		c.Location = &loc
	}
	return c
}

func eventTitle(appt models.Appointment) string {
	switch {
	case strings.TrimSpace(appt.Title) != "":
		return appt.Title
	case appt.Type != "":
		return appt.Type
	}
	return defaultTitle
}

func eventDescription(appt models.Appointment) string {
	var lines []string
	if appt.Type != "" {
		lines = append(lines, "Type: "+appt.Type)
	}
	if appt.PatientName != "" {
		lines = append(lines, "Patient: "+appt.PatientName)
	}
	if appt.Notes != "" {
		lines = append(lines, "", appt.Notes)
	}
	return strings.Join(lines, "\n")
}
