package provider

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
)

const (
	graphBaseURL    = "https://graph.microsoft.com/v1.0"
	graphTimeLayout = "2006-01-02T15:04:05.0000000"
)

// Outlook talks to Microsoft Graph calendar endpoints. CalendarID, when set,
// is the mailbox (user id or UPN) to act on; otherwise the token's own user.
type Outlook struct {
	name string
	root string
	rest *restClient
}

func NewOutlook(name string, cfg config.ProviderConfig, opts ...Option) *Outlook {
	root := "/me"
	if cfg.CalendarID != "" {
		root = "/users/" + url.PathEscape(cfg.CalendarID)
	}
	return &Outlook{
		name: name,
		root: root,
		rest: newRESTClient(cfg, graphBaseURL, graphError, opts...),
	}
}

func (o *Outlook) Name() string { return o.name }

func (o *Outlook) Capabilities() Capabilities {
	return Capabilities{CapCreate, CapUpdate, CapDelete, CapReminders, CapRecurrence, CapAttendees, CapAvailability}
}

type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func (t graphTime) parse() (time.Time, error) {
	loc := time.UTC
	if t.TimeZone != "" && !strings.EqualFold(t.TimeZone, "UTC") {
		l, err := time.LoadLocation(t.TimeZone)
		if err != nil {
			return time.Time{}, err
		}
		loc = l
	}
	return time.ParseInLocation("2006-01-02T15:04:05.9999999", t.DateTime, loc)
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEmail struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type graphAttendee struct {
	EmailAddress graphEmail `json:"emailAddress"`
	Type         string     `json:"type"`
}

type graphPattern struct {
	Type       string   `json:"type"`
	Interval   int      `json:"interval"`
	DaysOfWeek []string `json:"daysOfWeek"`
}

type graphRange struct {
	Type      string `json:"type"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate,omitempty"`
}

type graphRecurrence struct {
	Pattern graphPattern `json:"pattern"`
	Range   graphRange   `json:"range"`
}

type graphEvent struct {
	ID                         string           `json:"id,omitempty"`
	Subject                    *string          `json:"subject,omitempty"`
	Body                       *graphBody       `json:"body,omitempty"`
	Start                      *graphTime       `json:"start,omitempty"`
	End                        *graphTime       `json:"end,omitempty"`
	Location                   *graphLocation   `json:"location,omitempty"`
	Attendees                  []graphAttendee  `json:"attendees,omitempty"`
	IsReminderOn               *bool            `json:"isReminderOn,omitempty"`
	ReminderMinutesBeforeStart *int             `json:"reminderMinutesBeforeStart,omitempty"`
	Recurrence                 *graphRecurrence `json:"recurrence,omitempty"`
	ShowAs                     string           `json:"showAs,omitempty"`
}

var graphWeekdays = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// graphDateTime sends times as UTC wall clock; Graph keeps the zone we name.
func graphDateTime(t time.Time) *graphTime {
	return &graphTime{DateTime: t.UTC().Format(graphTimeLayout), TimeZone: "UTC"}
}

func graphAttendees(in []models.Attendee) []graphAttendee {
	out := make([]graphAttendee, 0, len(in))
	for _, a := range in {
		typ := "required"
		if !a.IsRequired() {
			typ = "optional"
		}
		out = append(out, graphAttendee{EmailAddress: graphEmail{Address: a.Email, Name: a.Name}, Type: typ})
	}
	return out
}

func toGraphEvent(e models.CalendarEvent) graphEvent {
	subject := e.Title
	ge := graphEvent{
		Subject:   &subject,
		Start:     graphDateTime(e.StartTime),
		End:       graphDateTime(e.EndTime),
		Attendees: graphAttendees(e.Attendees),
	}
	if e.Description != "" {
		ge.Body = &graphBody{ContentType: "text", Content: e.Description}
	}
	if loc := locationText(e.Location); loc != "" {
		ge.Location = &graphLocation{DisplayName: loc}
	}
	// Graph keeps a single reminder per event; the earliest one wins.
	if len(e.Reminders) > 0 {
		minutes := 0
		for _, r := range e.Reminders {
			if r.MinutesBefore > minutes {
				minutes = r.MinutesBefore
			}
		}
		on := true
		ge.IsReminderOn = &on
		ge.ReminderMinutesBeforeStart = &minutes
	}
	if r := e.Recurrence; r != nil && len(r.Days) > 0 {
		days := append([]int(nil), r.Days...)
		sort.Ints(days)
		rec := &graphRecurrence{
			Pattern: graphPattern{Type: "weekly", Interval: 1},
			Range:   graphRange{Type: "noEnd", StartDate: e.StartTime.UTC().Format("2006-01-02")},
		}
		for _, d := range days {
			if d >= 0 && d <= 6 {
				rec.Pattern.DaysOfWeek = append(rec.Pattern.DaysOfWeek, graphWeekdays[d])
			}
		}
		if r.Until != nil {
			rec.Range.Type = "endDate"
			rec.Range.EndDate = r.Until.UTC().Format("2006-01-02")
		}
		ge.Recurrence = rec
	}
	return ge
}

func (o *Outlook) CreateEvent(ctx context.Context, event models.CalendarEvent) Result {
	if err := ValidateEvent(&event); err != nil {
		return Fail(err)
	}
	var created graphEvent
	if _, err := o.rest.do(ctx, http.MethodPost, o.root+"/events", toGraphEvent(event), &created); err != nil {
		return Fail(err)
	}
	if created.ID == "" {
		return NewError(CodeProviderError, "graph returned an event without id").Result()
	}
	return OK(created.ID)
}

func (o *Outlook) UpdateEvent(ctx context.Context, externalID string, patch models.EventPatch) Result {
	if err := ValidatePatch(&patch); err != nil {
		return Fail(err)
	}
	body := graphEvent{Subject: patch.Title}
	if patch.Description != nil {
		body.Body = &graphBody{ContentType: "text", Content: *patch.Description}
	}
	if patch.Location != nil {
		body.Location = &graphLocation{DisplayName: locationText(patch.Location)}
	}
	if patch.StartTime != nil {
		body.Start = graphDateTime(*patch.StartTime)
	}
	if patch.EndTime != nil {
		body.End = graphDateTime(*patch.EndTime)
	}
	if len(patch.Attendees) > 0 {
		body.Attendees = graphAttendees(patch.Attendees)
	}

	path := o.root + "/events/" + url.PathEscape(externalID)
	if _, err := o.rest.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return Fail(err)
	}
	return OK(externalID)
}

func (o *Outlook) DeleteEvent(ctx context.Context, externalID string) Result {
	path := o.root + "/events/" + url.PathEscape(externalID)
	if _, err := o.rest.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return Fail(err)
	}
	return OK(externalID)
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// GetAvailability reads the calendar view for rng and returns every event not
// shown as free, following @odata.nextLink pages.
func (o *Outlook) GetAvailability(ctx context.Context, rng models.TimeRange) ([]models.TimeRange, error) {
	if !rng.Valid() {
		return nil, NewError(CodeValidation, "invalid time range")
	}
	q := url.Values{}
	q.Set("startDateTime", rng.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", rng.End.UTC().Format(time.RFC3339))
	q.Set("$select", "start,end,showAs")
	next := o.root + "/calendarView?" + q.Encode()

	var busy []models.TimeRange
	for next != "" {
		var page graphEventPage
		if _, err := o.rest.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, ev := range page.Value {
			if ev.ShowAs == "free" || ev.Start == nil || ev.End == nil {
				continue
			}
			start, err := ev.Start.parse()
			if err != nil {
				return nil, NewError(CodeProviderError, "bad start time %q: %v", ev.Start.DateTime, err)
			}
			end, err := ev.End.parse()
			if err != nil {
				return nil, NewError(CodeProviderError, "bad end time %q: %v", ev.End.DateTime, err)
			}
			busy = append(busy, models.TimeRange{Start: start.UTC(), End: end.UTC()})
		}
		next = page.NextLink
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	return busy, nil
}

// TestConnection creates a throwaway event a year out and deletes it again.
func (o *Outlook) TestConnection(ctx context.Context) Result {
	return probeCreateDelete(ctx, o)
}
