package integration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/delivery"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/provider"
	"github.com/shohag/calrelay/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capAdapter struct {
	name string
	caps provider.Capabilities
	mu   sync.Mutex
	ops  []string
}

func (a *capAdapter) touch(op string) {
	a.mu.Lock()
	a.ops = append(a.ops, op)
	a.mu.Unlock()
}

func (a *capAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ops)
}

func (a *capAdapter) count(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, o := range a.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (a *capAdapter) Name() string                        { return a.name }
func (a *capAdapter) Capabilities() provider.Capabilities { return a.caps }
func (a *capAdapter) CreateEvent(context.Context, models.CalendarEvent) provider.Result {
	a.touch("create")
	return provider.OK("ext")
}
func (a *capAdapter) UpdateEvent(context.Context, string, models.EventPatch) provider.Result {
	a.touch("update")
	return provider.OK("ext")
}
func (a *capAdapter) DeleteEvent(context.Context, string) provider.Result {
	a.touch("delete")
	return provider.OK("")
}
func (a *capAdapter) GetAvailability(context.Context, models.TimeRange) ([]models.TimeRange, error) {
	a.touch("availability")
	return nil, nil
}
func (a *capAdapter) TestConnection(context.Context) provider.Result {
	a.touch("test")
	return provider.OK("")
}

type queued struct {
	req  delivery.JobRequest
	opts delivery.EnqueueOptions
}

type fakeQueue struct {
	jobs []queued
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, req delivery.JobRequest, opts delivery.EnqueueOptions) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, queued{req, opts})
	return models.NewID("job"), nil
}

func (q *fakeQueue) Stats(context.Context) (*storage.JobStats, error) {
	return &storage.JobStats{Pending: int64(len(q.jobs))}, nil
}

func (q *fakeQueue) last(t *testing.T) queued {
	t.Helper()
	require.NotEmpty(t, q.jobs)
	return q.jobs[len(q.jobs)-1]
}

type enqueueObs struct {
	kind    string
	success bool
}

type fakeMonitor struct{ enqueues []enqueueObs }

func (f *fakeMonitor) RecordEnqueue(kind string, success bool, _ time.Duration, _ string) {
	f.enqueues = append(f.enqueues, enqueueObs{kind, success})
}
func (f *fakeMonitor) MetricsReport() models.MetricsReport { return models.MetricsReport{} }
func (f *fakeMonitor) SystemHealth() models.SystemHealthSummary {
	return models.SystemHealthSummary{Overall: models.HealthHealthy}
}

type fixture struct {
	manager *Manager
	store   storage.Storage
	queue   *fakeQueue
	monitor *fakeMonitor
	google  *capAdapter
	ics     *capAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "calrelay.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	google := &capAdapter{name: "google", caps: provider.Capabilities{
		provider.CapCreate, provider.CapUpdate, provider.CapDelete, provider.CapAvailability,
	}}
	ics := &capAdapter{name: "ics", caps: provider.Capabilities{provider.CapCreate, provider.CapReminders}}
	reg := provider.NewRegistry()
	reg.Add(google)
	reg.Add(ics)

	q := &fakeQueue{}
	mon := &fakeMonitor{}
	m := NewManager(store, q, reg, mon, config.DefaultsConfig{
		Provider:        "ics",
		TimeZone:        "America/Sao_Paulo",
		ReminderMinutes: []int{1440, 60},
		ReminderMethod:  "email",
	}, zerolog.Nop())
	return &fixture{manager: m, store: store, queue: q, monitor: mon, google: google, ics: ics}
}

func appointment(id string, startsIn time.Duration) models.Appointment {
	start := time.Now().UTC().Add(startsIn).Truncate(time.Minute)
	return models.Appointment{
		ID:           id,
		PatientID:    "pat-1",
		PatientName:  "Paciente Teste",
		PatientEmail: "p@example.com",
		Title:        "Sessao de fisioterapia",
		Type:         "physiotherapy",
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		Location:     &models.Location{Name: "Sala 2"},
	}
}

// deliver marks the integration the way a successful worker would.
func deliver(t *testing.T, f *fixture, appointmentID, providerName, externalID string) {
	t.Helper()
	require.NoError(t, f.store.SetIntegrationOutcome(context.Background(), appointmentID, providerName, models.IntegrationSent, externalID, ""))
}

func TestSendInviteQueuesSendJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.manager.SendInvite(ctx, appointment("A1", 72*time.Hour), models.CalendarPreferences{PreferredProvider: "google"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job := f.queue.last(t)
	assert.Equal(t, models.KindSendInvite, job.req.Kind)
	assert.Equal(t, "google", job.req.Provider)
	assert.Equal(t, "p@example.com", job.req.PatientContact)
	assert.Equal(t, models.PriorityDefault, job.opts.Priority)
	require.NotNil(t, job.req.Payload.Event)
	ev := job.req.Payload.Event
	assert.Equal(t, "Sessao de fisioterapia", ev.Title)
	assert.Equal(t, "America/Sao_Paulo", ev.TimeZone)
	require.Len(t, ev.Attendees, 1)
	assert.Equal(t, "p@example.com", ev.Attendees[0].Email)
	assert.Len(t, ev.Reminders, 2)
	assert.Contains(t, ev.Description, "physiotherapy")

	rec, err := f.store.GetIntegration(ctx, "A1", "google")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.IntegrationPending, rec.Status)
	assert.Equal(t, "pat-1", rec.PatientID)

	snap, err := f.store.GetAppointment(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "google", snap.Provider)
	assert.NotEmpty(t, snap.ICalUID)

	assert.Equal(t, []enqueueObs{{"send-invite", true}}, f.monitor.enqueues)
	assert.Zero(t, f.google.calls(), "the manager never calls adapters itself")
}

func TestSendInviteSoonIsUrgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.SendInvite(context.Background(), appointment("A2", 3*time.Hour), models.CalendarPreferences{})
	require.NoError(t, err)

	job := f.queue.last(t)
	assert.Equal(t, models.PriorityHighest, job.opts.Priority)
	assert.Equal(t, "ics", job.req.Provider, "falls back to the default provider")
}

func TestSendInviteValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := appointment("A3", 72*time.Hour)
	appt.PatientEmail = ""
	_, err := f.manager.SendInvite(ctx, appt, models.CalendarPreferences{})
	assert.Equal(t, provider.CodeValidation, provider.AsError(err).Code)

	appt = appointment("A3", 72*time.Hour)
	appt.EndTime = appt.StartTime.Add(-time.Minute)
	_, err = f.manager.SendInvite(ctx, appt, models.CalendarPreferences{})
	assert.Equal(t, provider.CodeValidation, provider.AsError(err).Code)

	_, err = f.manager.SendInvite(ctx, appointment("A3", 72*time.Hour), models.CalendarPreferences{PreferredProvider: "fax"})
	assert.True(t, errors.Is(err, provider.ErrUnknownProvider))

	assert.Empty(t, f.queue.jobs)
	rec, err := f.store.LatestIntegration(ctx, "A3")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSendInviteTwiceUpdatesInstead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prefs := models.CalendarPreferences{PreferredProvider: "google"}

	appt := appointment("A4", 72*time.Hour)
	_, err := f.manager.SendInvite(ctx, appt, prefs)
	require.NoError(t, err)
	deliver(t, f, "A4", "google", "evt-4")

	appt.Title = "Sessao remarcada"
	_, err = f.manager.SendInvite(ctx, appt, prefs)
	require.NoError(t, err)

	job := f.queue.last(t)
	assert.Equal(t, models.KindUpdateInvite, job.req.Kind)
	assert.Equal(t, "evt-4", job.req.Payload.ExternalEventID)
	require.NotNil(t, job.req.Payload.Patch)
	require.NotNil(t, job.req.Payload.Patch.Title)
	assert.Equal(t, "Sessao remarcada", *job.req.Payload.Patch.Title)
}

func TestUpdateInviteSendsPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := appointment("A5", 72*time.Hour)
	_, err := f.manager.SendInvite(ctx, appt, models.CalendarPreferences{PreferredProvider: "google"})
	require.NoError(t, err)
	deliver(t, f, "A5", "google", "evt-5")

	newStart := appt.StartTime.Add(2 * time.Hour)
	_, err = f.manager.UpdateInvite(ctx, "A5", models.AppointmentChanges{StartTime: &newStart})
	require.NoError(t, err)

	job := f.queue.last(t)
	assert.Equal(t, models.KindUpdateInvite, job.req.Kind)
	patch := job.req.Payload.Patch
	require.NotNil(t, patch)
	assert.Nil(t, patch.Title)
	require.NotNil(t, patch.StartTime)
	require.NotNil(t, patch.EndTime)
	assert.True(t, newStart.Equal(*patch.StartTime))
	assert.True(t, appt.EndTime.Equal(*patch.EndTime))

	snap, err := f.store.GetAppointment(ctx, "A5")
	require.NoError(t, err)
	assert.True(t, newStart.Equal(snap.Appointment.StartTime))
}

func TestUpdateInviteRejectsInvertedRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := appointment("A6", 72*time.Hour)
	_, err := f.manager.SendInvite(ctx, appt, models.CalendarPreferences{PreferredProvider: "google"})
	require.NoError(t, err)
	deliver(t, f, "A6", "google", "evt-6")

	late := appt.EndTime.Add(time.Hour)
	_, err = f.manager.UpdateInvite(ctx, "A6", models.AppointmentChanges{StartTime: &late})
	assert.Equal(t, provider.CodeValidation, provider.AsError(err).Code)
	assert.Len(t, f.queue.jobs, 1)
}

func TestUpdateInviteOnICSReissuesInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SendInvite(ctx, appointment("A7", 72*time.Hour), models.CalendarPreferences{PreferredProvider: "ics"})
	require.NoError(t, err)
	first := f.queue.last(t).req.Payload.Event
	deliver(t, f, "A7", "ics", first.ICalUID)

	title := "Retorno"
	_, err = f.manager.UpdateInvite(ctx, "A7", models.AppointmentChanges{Title: &title})
	require.NoError(t, err)

	job := f.queue.last(t)
	assert.Equal(t, models.KindSendInvite, job.req.Kind)
	ev := job.req.Payload.Event
	require.NotNil(t, ev)
	assert.Equal(t, first.ICalUID, ev.ICalUID)
	assert.Equal(t, first.Sequence+1, ev.Sequence)
	assert.Equal(t, "Retorno", ev.Title)
}

func TestUpdateInviteWithoutIntegration(t *testing.T) {
	f := newFixture(t)
	title := "x"
	_, err := f.manager.UpdateInvite(context.Background(), "nope", models.AppointmentChanges{Title: &title})
	assert.True(t, errors.Is(err, ErrNoIntegration))

	_, err = f.manager.UpdateInvite(context.Background(), "nope", models.AppointmentChanges{})
	assert.Equal(t, provider.CodeValidation, provider.AsError(err).Code)
}

func TestCancelInviteWithoutIntegration(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.CancelInvite(context.Background(), "ghost")
	require.Error(t, err)
	pe := provider.AsError(err)
	assert.Equal(t, provider.CodeUnsupported, pe.Code)
	assert.False(t, pe.Retryable())

	assert.Empty(t, f.queue.jobs)
	assert.Zero(t, f.google.calls()+f.ics.calls())
}

func TestCancelInviteDeletesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SendInvite(ctx, appointment("A8", 72*time.Hour), models.CalendarPreferences{PreferredProvider: "google"})
	require.NoError(t, err)
	deliver(t, f, "A8", "google", "evt-8")

	_, err = f.manager.CancelInvite(ctx, "A8")
	require.NoError(t, err)

	job := f.queue.last(t)
	assert.Equal(t, models.KindCancelInvite, job.req.Kind)
	assert.Equal(t, "evt-8", job.req.Payload.ExternalEventID)
}

func TestCancelInviteOnICSSendsCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SendInvite(ctx, appointment("A9", 72*time.Hour), models.CalendarPreferences{PreferredProvider: "ics"})
	require.NoError(t, err)
	first := f.queue.last(t).req.Payload.Event
	deliver(t, f, "A9", "ics", first.ICalUID)

	_, err = f.manager.CancelInvite(ctx, "A9")
	require.NoError(t, err)

	job := f.queue.last(t)
	assert.Equal(t, models.KindSendInvite, job.req.Kind)
	ev := job.req.Payload.Event
	require.NotNil(t, ev)
	assert.True(t, ev.Cancelled())
	assert.Equal(t, first.ICalUID, ev.ICalUID)
	assert.Equal(t, 1, ev.Sequence)
}

func TestCancelInviteNeverDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SendInvite(ctx, appointment("A10", 72*time.Hour), models.CalendarPreferences{PreferredProvider: "google"})
	require.NoError(t, err)
	require.NoError(t, f.store.SetIntegrationOutcome(ctx, "A10", "google", models.IntegrationFailed, "", "AUTH_FAILED"))

	id, err := f.manager.CancelInvite(ctx, "A10")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Len(t, f.queue.jobs, 1)

	rec, err := f.store.GetIntegration(ctx, "A10", "google")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationCancelled, rec.Status)
}

func TestEnqueueFailureIsObserved(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("database is locked")

	_, err := f.manager.SendInvite(context.Background(), appointment("A11", 72*time.Hour), models.CalendarPreferences{})
	require.Error(t, err)
	assert.Equal(t, []enqueueObs{{"send-invite", false}}, f.monitor.enqueues)
}

func TestSyncAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	rng := models.TimeRange{Start: day, End: day.Add(24 * time.Hour)}

	_, err := f.manager.SyncAvailability(ctx, "google", rng)
	require.NoError(t, err)
	job := f.queue.last(t)
	assert.Equal(t, models.KindSyncAvailability, job.req.Kind)
	assert.Empty(t, job.req.AppointmentID)

	_, err = f.manager.SyncAvailability(ctx, "ics", rng)
	assert.Equal(t, provider.CodeUnsupported, provider.AsError(err).Code)

	_, err = f.manager.SyncAvailability(ctx, "google", models.TimeRange{Start: day, End: day})
	assert.Equal(t, provider.CodeValidation, provider.AsError(err).Code)
}

func TestSendInviteTwiceBeforeDeliveryCreatesOneEvent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := provider.NewRegistry()
	reg.Add(f.google)
	q := delivery.NewQueue(config.DeliveryConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		CallTimeout:  time.Second,
		MaxAttempts:  3,
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		StuckAfter:   time.Minute,
		JobRetention: time.Hour,
	}, f.store, reg, nil, zerolog.Nop())
	m := NewManager(f.store, q, reg, f.monitor, f.manager.defaults, zerolog.Nop())

	prefs := models.CalendarPreferences{PreferredProvider: "google"}
	appt := appointment("A20", 72*time.Hour)
	first, err := m.SendInvite(ctx, appt, prefs)
	require.NoError(t, err)
	second, err := m.SendInvite(ctx, appt, prefs)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	job, err := q.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.KindUpdateInvite, job.Kind)
	assert.Empty(t, job.Payload.ExternalEventID, "resolved from the record once the send lands")

	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Completed == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.google.count("create"))
	assert.Equal(t, 1, f.google.count("update"))

	rec, err := f.store.GetIntegration(ctx, "A20", "google")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationDelivered, rec.Status)
	assert.Equal(t, "ext", rec.ExternalEventID)
}

func TestRejectedCallsAreObservedAsFailedEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := appointment("A21", 72*time.Hour)
	appt.PatientEmail = ""
	_, err := f.manager.SendInvite(ctx, appt, models.CalendarPreferences{})
	require.Error(t, err)

	_, err = f.manager.SendInvite(ctx, appointment("A21", 72*time.Hour), models.CalendarPreferences{PreferredProvider: "fax"})
	require.Error(t, err)

	_, err = f.manager.UpdateInvite(ctx, "A21", models.AppointmentChanges{Title: ptr("x")})
	require.ErrorIs(t, err, ErrNoIntegration)

	_, err = f.manager.CancelInvite(ctx, "A21")
	require.Error(t, err)

	assert.Equal(t, []enqueueObs{
		{"send-invite", false},
		{"send-invite", false},
		{"update-invite", false},
		{"cancel-invite", false},
	}, f.monitor.enqueues)
	assert.Empty(t, f.queue.jobs)
}

func ptr[T any](v T) *T { return &v }
