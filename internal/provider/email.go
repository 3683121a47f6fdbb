package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
	"gopkg.in/gomail.v2"
)

// Mailer is the subset of *gomail.Dialer the ICS adapter needs.
type Mailer interface {
	Dial() (gomail.SendCloser, error)
	DialAndSend(m ...*gomail.Message) error
}

// ICS delivers invites as text/calendar email. It can only send: an update is
// a new REQUEST with a higher SEQUENCE and a cancel is a CANCEL message, both
// issued by the caller through CreateEvent.
type ICS struct {
	name     string
	mailer   Mailer
	from     string
	fromName string
	drain    time.Duration
	now      func() time.Time
}

// smtpDrain bounds how long a cancelled send is waited on for its outcome.
const smtpDrain = 30 * time.Second

func NewICS(name string, cfg config.ProviderConfig) *ICS {
	d := gomail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
	return NewICSWithMailer(name, cfg.SMTP.From, cfg.SMTP.FromName, d)
}

func NewICSWithMailer(name, from, fromName string, mailer Mailer) *ICS {
	return &ICS{name: name, mailer: mailer, from: from, fromName: fromName, drain: smtpDrain, now: time.Now}
}

// NewICalUID returns a globally unique iCalendar UID.
func NewICalUID() string {
	return uuid.NewString() + "@calrelay"
}

func (p *ICS) Name() string { return p.name }

func (p *ICS) Capabilities() Capabilities {
	return Capabilities{CapCreate, CapReminders, CapRecurrence, CapAttendees}
}

// CreateEvent mails the invite to every attendee. The ICS UID doubles as the
// external event id so later REQUEST/CANCEL messages reuse it.
func (p *ICS) CreateEvent(ctx context.Context, event models.CalendarEvent) Result {
	if err := ValidateEvent(&event); err != nil {
		return Fail(err)
	}
	if len(event.Attendees) == 0 {
		return NewError(CodeValidation, "ICS invite needs at least one attendee").Result()
	}

	uid := event.ICalUID
	if uid == "" {
		uid = NewICalUID()
	}
	method := MethodRequest
	if event.Cancelled() {
		method = MethodCancel
	}
	ics := GenerateICS(event, ICSOptions{
		Method:         method,
		UID:            uid,
		Stamp:          p.now(),
		OrganizerEmail: p.from,
		OrganizerName:  p.fromName,
	})

	if err := p.send(ctx, p.message(event, method, ics)); err != nil {
		return Fail(err)
	}
	return OK(uid)
}

func (p *ICS) UpdateEvent(ctx context.Context, externalID string, patch models.EventPatch) Result {
	return unsupported(p.name, "update")
}

func (p *ICS) DeleteEvent(ctx context.Context, externalID string) Result {
	return unsupported(p.name, "delete")
}

func (p *ICS) GetAvailability(ctx context.Context, rng models.TimeRange) ([]models.TimeRange, error) {
	return nil, NewError(CodeUnsupported, "%s cannot read availability", p.name)
}

// TestConnection opens and closes an SMTP session without sending anything.
func (p *ICS) TestConnection(ctx context.Context) Result {
	err := p.run(ctx, func() error {
		sc, err := p.mailer.Dial()
		if err != nil {
			return err
		}
		return sc.Close()
	})
	if err != nil {
		return Fail(err)
	}
	return OK("")
}

func (p *ICS) message(event models.CalendarEvent, method string, ics []byte) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", p.from, p.fromName)

	var to, cc []string
	for _, a := range event.Attendees {
		addr := m.FormatAddress(a.Email, a.Name)
		if a.IsRequired() {
			to = append(to, addr)
		} else {
			cc = append(cc, addr)
		}
	}
	if len(to) == 0 {
		to, cc = cc, nil
	}
	m.SetHeader("To", to...)
	if len(cc) > 0 {
		m.SetHeader("Cc", cc...)
	}

	subject := "Invitation: " + event.Title
	switch {
	case method == MethodCancel:
		subject = "Cancelled: " + event.Title
	case event.Sequence > 0:
		subject = "Updated invitation: " + event.Title
	}
	m.SetHeader("Subject", subject)

	m.SetBody("text/plain", plainSummary(event, method))
	contentType := fmt.Sprintf("text/calendar; charset=UTF-8; method=%s", method)
	m.AddAlternative(contentType, string(ics))
	m.Attach("invite.ics",
		gomail.SetHeader(map[string][]string{"Content-Type": {contentType}}),
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(ics)
			return err
		}),
	)
	return m
}

func plainSummary(event models.CalendarEvent, method string) string {
	var b strings.Builder
	if method == MethodCancel {
		b.WriteString("This appointment has been cancelled.\n\n")
	}
	fmt.Fprintf(&b, "%s\n", event.Title)
	start, end := event.StartTime, event.EndTime
	if loc, err := time.LoadLocation(event.TimeZone); err == nil && event.TimeZone != "" {
		start, end = start.In(loc), end.In(loc)
	}
	fmt.Fprintf(&b, "When: %s - %s\n", start.Format("Mon, 02 Jan 2006 15:04 MST"), end.Format("15:04 MST"))
	if loc := locationText(event.Location); loc != "" {
		fmt.Fprintf(&b, "Where: %s\n", loc)
	}
	if event.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", event.Description)
	}
	return b.String()
}

func (p *ICS) send(ctx context.Context, m *gomail.Message) error {
	return p.run(ctx, func() error { return p.mailer.DialAndSend(m) })
}

// run executes an SMTP call that has no context support. A deadline gives up
// on the call at once. A cancellation waits up to p.drain for the call to
// finish, so a message the server accepted is reported as sent.
func (p *ICS) run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return smtpResult(err)
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.Canceled) && p.drain > 0 {
		t := time.NewTimer(p.drain)
		defer t.Stop()
		select {
		case err := <-done:
			return smtpResult(err)
		case <-t.C:
		}
	}
	return NewError(CodeTimeout, "smtp: %v", ctx.Err())
}

func smtpResult(err error) error {
	if err != nil {
		return classifySMTP(err)
	}
	return nil
}

var smtpCode = regexp.MustCompile(`\b([45]\d\d)\b`)

// classifySMTP maps an SMTP failure to a normalized error. gomail flattens
// server replies into strings, so the reply code is recovered from the text
// when the typed error is gone.
func classifySMTP(err error) *Error {
	code := 0
	var tpErr *textproto.Error
	var ne net.Error
	switch {
	case errors.As(err, &tpErr):
		code = tpErr.Code
	case errors.As(err, &ne):
		if ne.Timeout() {
			return &Error{Code: CodeTimeout, Message: err.Error()}
		}
		return &Error{Code: CodeTransient, Message: err.Error()}
	default:
		if m := smtpCode.FindStringSubmatch(err.Error()); m != nil {
			code, _ = strconv.Atoi(m[1])
		}
	}

	switch {
	case code == 530 || code == 534 || code == 535:
		return &Error{Code: CodeAuthFailed, Message: err.Error()}
	case code == 550 || code == 553:
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case code >= 500:
		return &Error{Code: CodeProviderError, Message: err.Error()}
	}
	return &Error{Code: CodeTransient, Message: err.Error()}
}
