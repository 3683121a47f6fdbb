package provider

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
)

const googleBaseURL = "https://www.googleapis.com/calendar/v3"

// Google talks to the Google Calendar v3 REST API.
type Google struct {
	name       string
	calendarID string
	rest       *restClient
}

func NewGoogle(name string, cfg config.ProviderConfig, opts ...Option) *Google {
	calendarID := cfg.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Google{
		name:       name,
		calendarID: calendarID,
		rest:       newRESTClient(cfg, googleBaseURL, googleError, opts...),
	}
}

func (g *Google) Name() string { return g.name }

func (g *Google) Capabilities() Capabilities {
	return Capabilities{CapCreate, CapUpdate, CapDelete, CapReminders, CapRecurrence, CapAttendees, CapAvailability}
}

type googleTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleAttendee struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

type googleReminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type googleReminders struct {
	UseDefault bool             `json:"useDefault"`
	Overrides  []googleReminder `json:"overrides,omitempty"`
}

type googleExtended struct {
	Private map[string]string `json:"private,omitempty"`
}

type googleEvent struct {
	ID                 string           `json:"id,omitempty"`
	Summary            string           `json:"summary,omitempty"`
	Description        string           `json:"description,omitempty"`
	Location           string           `json:"location,omitempty"`
	Start              *googleTime      `json:"start,omitempty"`
	End                *googleTime      `json:"end,omitempty"`
	Attendees          []googleAttendee `json:"attendees,omitempty"`
	Reminders          *googleReminders `json:"reminders,omitempty"`
	Recurrence         []string         `json:"recurrence,omitempty"`
	Status             string           `json:"status,omitempty"`
	ExtendedProperties *googleExtended  `json:"extendedProperties,omitempty"`
}

func googleDateTime(t time.Time, tz string) *googleTime {
	return &googleTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

func googleAttendees(in []models.Attendee) []googleAttendee {
	out := make([]googleAttendee, 0, len(in))
	for _, a := range in {
		out = append(out, googleAttendee{Email: a.Email, DisplayName: a.Name, Optional: !a.IsRequired()})
	}
	return out
}

func toGoogleEvent(e models.CalendarEvent) googleEvent {
	ge := googleEvent{
		Summary:     e.Title,
		Description: e.Description,
		Location:    locationText(e.Location),
		Start:       googleDateTime(e.StartTime, e.TimeZone),
		End:         googleDateTime(e.EndTime, e.TimeZone),
		Attendees:   googleAttendees(e.Attendees),
	}
	if len(e.Reminders) > 0 {
		ge.Reminders = &googleReminders{}
		for _, r := range e.Reminders {
			// Google dropped SMS reminders; a popup is the closest equivalent.
			method := string(r.Method)
			if r.Method == models.ReminderSMS {
				method = string(models.ReminderPopup)
			}
			ge.Reminders.Overrides = append(ge.Reminders.Overrides, googleReminder{Method: method, Minutes: r.MinutesBefore})
		}
	}
	if rule := recurrenceRule(e.Recurrence); rule != "" {
		ge.Recurrence = []string{"RRULE:" + rule}
	}
	if e.Cancelled() {
		ge.Status = "cancelled"
	}
	if len(e.Metadata) > 0 {
		ge.ExtendedProperties = &googleExtended{Private: e.Metadata}
	}
	return ge
}

func (g *Google) eventsPath() string {
	return "/calendars/" + url.PathEscape(g.calendarID) + "/events"
}

func (g *Google) CreateEvent(ctx context.Context, event models.CalendarEvent) Result {
	if err := ValidateEvent(&event); err != nil {
		return Fail(err)
	}
	var created googleEvent
	if _, err := g.rest.do(ctx, http.MethodPost, g.eventsPath()+"?sendUpdates=all", toGoogleEvent(event), &created); err != nil {
		return Fail(err)
	}
	if created.ID == "" {
		return NewError(CodeProviderError, "google returned an event without id").Result()
	}
	return OK(created.ID)
}

func (g *Google) UpdateEvent(ctx context.Context, externalID string, patch models.EventPatch) Result {
	if err := ValidatePatch(&patch); err != nil {
		return Fail(err)
	}
	var body googleEvent
	if patch.Title != nil {
		body.Summary = *patch.Title
	}
	if patch.Description != nil {
		body.Description = *patch.Description
	}
	if patch.Location != nil {
		body.Location = locationText(patch.Location)
	}
	if patch.StartTime != nil {
		body.Start = googleDateTime(*patch.StartTime, patch.TimeZone)
	}
	if patch.EndTime != nil {
		body.End = googleDateTime(*patch.EndTime, patch.TimeZone)
	}
	if len(patch.Attendees) > 0 {
		body.Attendees = googleAttendees(patch.Attendees)
	}

	var updated googleEvent
	path := g.eventsPath() + "/" + url.PathEscape(externalID) + "?sendUpdates=all"
	if _, err := g.rest.do(ctx, http.MethodPatch, path, body, &updated); err != nil {
		return Fail(err)
	}
	return OK(externalID)
}

// DeleteEvent treats 410 Gone as success: the event is already deleted.
func (g *Google) DeleteEvent(ctx context.Context, externalID string) Result {
	path := g.eventsPath() + "/" + url.PathEscape(externalID) + "?sendUpdates=all"
	status, err := g.rest.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && status != http.StatusGone {
		return Fail(err)
	}
	return OK(externalID)
}

type googleFreeBusyRequest struct {
	TimeMin string               `json:"timeMin"`
	TimeMax string               `json:"timeMax"`
	Items   []googleFreeBusyItem `json:"items"`
}

type googleFreeBusyItem struct {
	ID string `json:"id"`
}

type googleFreeBusyResponse struct {
	Calendars map[string]struct {
		Busy []struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"busy"`
		Errors []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"calendars"`
}

func (g *Google) GetAvailability(ctx context.Context, rng models.TimeRange) ([]models.TimeRange, error) {
	if !rng.Valid() {
		return nil, NewError(CodeValidation, "invalid time range")
	}
	req := googleFreeBusyRequest{
		TimeMin: rng.Start.UTC().Format(time.RFC3339),
		TimeMax: rng.End.UTC().Format(time.RFC3339),
		Items:   []googleFreeBusyItem{{ID: g.calendarID}},
	}
	var resp googleFreeBusyResponse
	if _, err := g.rest.do(ctx, http.MethodPost, "/freeBusy", req, &resp); err != nil {
		return nil, err
	}
	cal, ok := resp.Calendars[g.calendarID]
	if !ok {
		return nil, NewError(CodeNotFound, "calendar %q missing from freeBusy response", g.calendarID)
	}
	if len(cal.Errors) > 0 {
		return nil, NewError(CodeNotFound, "freeBusy for %q failed: %s", g.calendarID, cal.Errors[0].Reason)
	}
	busy := make([]models.TimeRange, 0, len(cal.Busy))
	for _, b := range cal.Busy {
		busy = append(busy, models.TimeRange{Start: b.Start.UTC(), End: b.End.UTC()})
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	return busy, nil
}

// TestConnection creates a throwaway event a year out and deletes it again.
func (g *Google) TestConnection(ctx context.Context) Result {
	return probeCreateDelete(ctx, g)
}

func probeCreateDelete(ctx context.Context, a Adapter) Result {
	start := time.Now().UTC().AddDate(1, 0, 0).Truncate(time.Hour)
	res := a.CreateEvent(ctx, models.CalendarEvent{
		Title:       "CalRelay connection test",
		Description: "Created and removed automatically by a health check.",
		StartTime:   start,
		EndTime:     start.Add(15 * time.Minute),
		TimeZone:    "UTC",
	})
	if !res.Success {
		return res
	}
	return a.DeleteEvent(ctx, res.ExternalEventID)
}
