package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
	"testing"
	"time"

	"github.com/shohag/calrelay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeMailer struct {
	sent    []*gomail.Message
	sendErr error
	dialErr error
	block   chan struct{}
}

type fakeSendCloser struct{}

func (fakeSendCloser) Send(from string, to []string, msg io.WriterTo) error { return nil }
func (fakeSendCloser) Close() error                                         { return nil }

func (f *fakeMailer) Dial() (gomail.SendCloser, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return fakeSendCloser{}, nil
}

func (f *fakeMailer) DialAndSend(m ...*gomail.Message) error {
	if f.block != nil {
		<-f.block
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m...)
	return nil
}

func newTestICS(m *fakeMailer) *ICS {
	p := NewICSWithMailer("ics", "agenda@clinic.example", "Clinic Calendar", m)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return p
}

func TestICSCreateEventSendsInvite(t *testing.T) {
	mailer := &fakeMailer{}
	p := newTestICS(mailer)

	event := sampleEvent()
	event.ICalUID = "fixed-uid@calrelay"
	res := p.CreateEvent(context.Background(), event)

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "fixed-uid@calrelay", res.ExternalEventID)
	require.Len(t, mailer.sent, 1)

	msg := mailer.sent[0]
	assert.Equal(t, []string{"Invitation: Sessao de fisioterapia"}, msg.GetHeader("Subject"))
	assert.Equal(t, []string{`"Ana Souza" <ana@example.com>`}, msg.GetHeader("To"))
	assert.Equal(t, []string{`"Carlos" <carlos@example.com>`}, msg.GetHeader("Cc"))

	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "text/calendar; charset=UTF-8; method=REQUEST")
	assert.Contains(t, buf.String(), "invite.ics")
}

func TestICSCreateEventGeneratesUID(t *testing.T) {
	mailer := &fakeMailer{}
	res := newTestICS(mailer).CreateEvent(context.Background(), sampleEvent())
	require.True(t, res.Success)
	assert.Contains(t, res.ExternalEventID, "@calrelay")
}

func TestICSCancelSubject(t *testing.T) {
	mailer := &fakeMailer{}
	event := sampleEvent()
	event.Status = models.EventCancelled
	res := newTestICS(mailer).CreateEvent(context.Background(), event)
	require.True(t, res.Success)
	assert.Equal(t, []string{"Cancelled: Sessao de fisioterapia"}, mailer.sent[0].GetHeader("Subject"))
}

func TestICSRejectsInvalidEvent(t *testing.T) {
	mailer := &fakeMailer{}
	p := newTestICS(mailer)

	event := sampleEvent()
	event.Attendees = nil
	res := p.CreateEvent(context.Background(), event)
	assert.False(t, res.Success)
	assert.Equal(t, CodeValidation, res.ErrorCode)
	assert.False(t, res.Retryable)
	assert.Empty(t, mailer.sent)
}

func TestICSUnsupportedOperations(t *testing.T) {
	p := newTestICS(&fakeMailer{})
	ctx := context.Background()

	for _, res := range []Result{
		p.UpdateEvent(ctx, "uid", models.EventPatch{}),
		p.DeleteEvent(ctx, "uid"),
	} {
		assert.False(t, res.Success)
		assert.Equal(t, CodeUnsupported, res.ErrorCode)
		assert.False(t, res.Retryable)
	}

	_, err := p.GetAvailability(ctx, models.TimeRange{})
	assert.Equal(t, CodeUnsupported, AsError(err).Code)
	assert.False(t, p.Capabilities().Has(CapUpdate))
	assert.True(t, p.Capabilities().Has(CapCreate))
}

func TestICSSendTimeout(t *testing.T) {
	mailer := &fakeMailer{block: make(chan struct{})}
	defer close(mailer.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := newTestICS(mailer).CreateEvent(ctx, sampleEvent())
	assert.Equal(t, CodeTimeout, res.ErrorCode)
	assert.True(t, res.Retryable)
}

func TestICSCancelledSendWaitsForOutcome(t *testing.T) {
	mailer := &fakeMailer{block: make(chan struct{})}
	p := newTestICS(mailer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	time.AfterFunc(20*time.Millisecond, func() { close(mailer.block) })

	res := p.CreateEvent(ctx, sampleEvent())
	require.True(t, res.Success, res.ErrorMessage)
	assert.Len(t, mailer.sent, 1)
}

func TestICSCancelledSendGivesUpAfterDrain(t *testing.T) {
	mailer := &fakeMailer{block: make(chan struct{})}
	defer close(mailer.block)
	p := newTestICS(mailer)
	p.drain = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.CreateEvent(ctx, sampleEvent())
	assert.Equal(t, CodeTimeout, res.ErrorCode)
}

func TestICSTestConnection(t *testing.T) {
	ok := newTestICS(&fakeMailer{}).TestConnection(context.Background())
	assert.True(t, ok.Success)

	bad := newTestICS(&fakeMailer{dialErr: &textproto.Error{Code: 535, Msg: "authentication failed"}}).
		TestConnection(context.Background())
	assert.False(t, bad.Success)
	assert.Equal(t, CodeAuthFailed, bad.ErrorCode)
}

func TestClassifySMTP(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{&textproto.Error{Code: 535, Msg: "bad credentials"}, CodeAuthFailed},
		{errors.New("gomail: could not send email 1: 550 mailbox unavailable"), CodeNotFound},
		{errors.New("gomail: could not send email 1: 554 transaction failed"), CodeProviderError},
		{errors.New("gomail: could not send email 1: 451 try again later"), CodeTransient},
		{errors.New("EOF"), CodeTransient},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, classifySMTP(tc.err).Code, tc.err.Error())
	}
}
