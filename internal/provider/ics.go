package provider

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shohag/calrelay/internal/models"
)

const (
	icsProdID     = "-//CalRelay//Calendar Delivery 1.0//EN"
	icsTimeLayout = "20060102T150405Z"
	icsLineLimit  = 75
)

const (
	MethodRequest = "REQUEST"
	MethodCancel  = "CANCEL"
)

// ICSOptions holds the parts of an invite that are not derived from the event.
type ICSOptions struct {
	Method         string
	UID            string
	Stamp          time.Time
	OrganizerEmail string
	OrganizerName  string
}

var byDay = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// GenerateICS renders event as a single-VEVENT VCALENDAR. Output depends only
// on its inputs, so the same event, UID and stamp give identical bytes.
func GenerateICS(event models.CalendarEvent, opts ICSOptions) []byte {
	method := opts.Method
	if method == "" {
		method = MethodRequest
		if event.Cancelled() {
			method = MethodCancel
		}
	}
	status := "CONFIRMED"
	if method == MethodCancel || event.Cancelled() {
		status = "CANCELLED"
	}

	w := &icsWriter{}
	w.line("BEGIN:VCALENDAR")
	w.line("VERSION:2.0")
	w.line("PRODID:" + icsProdID)
	w.line("CALSCALE:GREGORIAN")
	w.line("METHOD:" + method)
	w.line("BEGIN:VEVENT")
	w.line("UID:" + escapeText(opts.UID))
	w.line("DTSTAMP:" + icsTime(opts.Stamp))
	w.line("DTSTART:" + icsTime(event.StartTime))
	w.line("DTEND:" + icsTime(event.EndTime))
	w.line(fmt.Sprintf("SEQUENCE:%d", event.Sequence))
	w.line("STATUS:" + status)
	w.line("SUMMARY:" + escapeText(event.Title))
	if event.Description != "" {
		w.line("DESCRIPTION:" + escapeText(event.Description))
	}
	if loc := locationText(event.Location); loc != "" {
		w.line("LOCATION:" + escapeText(loc))
	}
	if opts.OrganizerEmail != "" {
		w.line(fmt.Sprintf("ORGANIZER%s:mailto:%s", cnParam(opts.OrganizerName), opts.OrganizerEmail))
	}
	for _, a := range event.Attendees {
		role := "REQ-PARTICIPANT"
		if !a.IsRequired() {
			role = "OPT-PARTICIPANT"
		}
		w.line(fmt.Sprintf("ATTENDEE%s;ROLE=%s;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:%s", cnParam(a.Name), role, a.Email))
	}
	if rule := recurrenceRule(event.Recurrence); rule != "" {
		w.line("RRULE:" + rule)
	}
	if method != MethodCancel {
		for _, r := range event.Reminders {
			w.line("BEGIN:VALARM")
			w.line("ACTION:DISPLAY")
			w.line("DESCRIPTION:" + escapeText(event.Title))
			w.line(fmt.Sprintf("TRIGGER:-PT%dM", r.MinutesBefore))
			w.line("END:VALARM")
		}
	}
	w.line("END:VEVENT")
	w.line("END:VCALENDAR")
	return w.buf.Bytes()
}

// recurrenceRule returns the RRULE value for a weekly recurrence, or "" when
// there is none.
func recurrenceRule(r *models.Recurrence) string {
	if r == nil || len(r.Days) == 0 {
		return ""
	}
	days := append([]int(nil), r.Days...)
	sort.Ints(days)
	names := make([]string, 0, len(days))
	seen := map[int]bool{}
	for _, d := range days {
		if d < 0 || d > 6 || seen[d] {
			continue
		}
		seen[d] = true
		names = append(names, byDay[d])
	}
	rule := "FREQ=WEEKLY;BYDAY=" + strings.Join(names, ",")
	if r.Until != nil {
		rule += ";UNTIL=" + icsTime(*r.Until)
	}
	return rule
}

func icsTime(t time.Time) string {
	return t.UTC().Format(icsTimeLayout)
}

var textEscaper = strings.NewReplacer(
	`\`, `\\`,
	";", `\;`,
	",", `\,`,
	"\r\n", `\n`,
	"\n", `\n`,
	"\r", `\n`,
)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}

// cnParam renders a CN parameter. Values holding a delimiter are quoted and
// double quotes are dropped since they cannot be escaped in parameters.
func cnParam(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '"' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, name)
	if name == "" {
		return ""
	}
	if strings.ContainsAny(name, ":;,") {
		name = `"` + name + `"`
	}
	return ";CN=" + name
}

type icsWriter struct {
	buf bytes.Buffer
}

// line writes one content line folded at 75 octets, never splitting a UTF-8
// sequence. Continuation lines start with a single space.
func (w *icsWriter) line(s string) {
	limit := icsLineLimit
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		w.buf.WriteString(s[:cut])
		w.buf.WriteString("\r\n ")
		s = s[cut:]
		limit = icsLineLimit - 1
	}
	w.buf.WriteString(s)
	w.buf.WriteString("\r\n")
}
