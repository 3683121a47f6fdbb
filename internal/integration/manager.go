// Package integration is the entry point appointment handlers use to get
// invites onto patients' calendars.
package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/delivery"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/provider"
	"github.com/shohag/calrelay/internal/storage"
)

// ErrNoIntegration is returned when an appointment has never been sent to a calendar.
var ErrNoIntegration = errors.New("no calendar integration for appointment")

const urgentWindow = 24 * time.Hour

type Queue interface {
	Enqueue(ctx context.Context, req delivery.JobRequest, opts delivery.EnqueueOptions) (string, error)
	Stats(ctx context.Context) (*storage.JobStats, error)
}

type Resolver interface {
	Get(name string) (provider.Adapter, error)
}

type Monitor interface {
	RecordEnqueue(kind string, success bool, duration time.Duration, errMsg string)
	MetricsReport() models.MetricsReport
	SystemHealth() models.SystemHealthSummary
}

type Manager struct {
	store     storage.Storage
	queue     Queue
	providers Resolver
	monitor   Monitor
	defaults  config.DefaultsConfig
	log       zerolog.Logger
	now       func() time.Time
}

func NewManager(store storage.Storage, queue Queue, providers Resolver, mon Monitor, defaults config.DefaultsConfig, log zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		queue:     queue,
		providers: providers,
		monitor:   mon,
		defaults:  defaults,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SendInvite queues the first invite for an appointment. When the preferred
// provider already holds an event for it, or an earlier send is still queued,
// the event is updated instead so no duplicate is created.
func (m *Manager) SendInvite(ctx context.Context, appt models.Appointment, prefs models.CalendarPreferences) (string, error) {
	start := time.Now()
	id, err := m.sendInvite(ctx, appt, prefs)
	m.observeRejected(models.KindSendInvite, start, err)
	return id, err
}

func (m *Manager) sendInvite(ctx context.Context, appt models.Appointment, prefs models.CalendarPreferences) (string, error) {
	if appt.ID == "" {
		return "", provider.NewError(provider.CodeValidation, "appointment id is required")
	}
	if strings.TrimSpace(appt.PatientEmail) == "" {
		return "", provider.NewError(provider.CodeValidation, "appointment %s has no patient email", appt.ID)
	}

	name := prefs.PreferredProvider
	if name == "" {
		name = m.defaults.Provider
	}
	adapter, err := m.providers.Get(name)
	if err != nil {
		return "", err
	}

	rec, err := m.store.GetIntegration(ctx, appt.ID, name)
	if err != nil {
		return "", fmt.Errorf("load integration: %w", err)
	}
	prev, err := m.store.GetAppointment(ctx, appt.ID)
	if err != nil {
		return "", fmt.Errorf("load appointment: %w", err)
	}

	snap := &models.AppointmentSnapshot{
		Appointment: appt,
		Preferences: prefs,
		Provider:    name,
		ICalUID:     provider.NewICalUID(),
	}
	if prev != nil && prev.Provider == name {
		snap.ICalUID = prev.ICalUID
		snap.Sequence = prev.Sequence
	}

	switch {
	case rec != nil && rec.Status.Live():
		m.log.Info().Str("appointment_id", appt.ID).Str("provider", name).Msg("invite already delivered, sending update instead")
		return m.update(ctx, adapter, rec, snap, fullChanges(appt))
	case rec != nil && rec.Status == models.IntegrationPending:
		// The queued send runs first; the update picks up its event id when it runs.
		m.log.Info().Str("appointment_id", appt.ID).Str("provider", name).Msg("invite send already queued, sending update instead")
		return m.update(ctx, adapter, rec, snap, fullChanges(appt))
	}

	event := m.buildEvent(snap)
	if err := provider.ValidateEvent(&event); err != nil {
		return "", err
	}
	if err := m.saveSnapshot(ctx, snap); err != nil {
		return "", err
	}

	now := m.now()
	if err := m.store.UpsertIntegration(ctx, &models.CalendarIntegration{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Provider:      name,
		Status:        models.IntegrationPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return "", fmt.Errorf("save integration: %w", err)
	}

	return m.enqueue(ctx, delivery.JobRequest{
		Kind:           models.KindSendInvite,
		AppointmentID:  appt.ID,
		PatientContact: appt.PatientEmail,
		Provider:       name,
		Payload:        models.JobPayload{PatientID: appt.PatientID, Event: &event},
	}, appt.StartTime)
}

// UpdateInvite applies changes to the invite of an appointment sent earlier.
func (m *Manager) UpdateInvite(ctx context.Context, appointmentID string, changes models.AppointmentChanges) (string, error) {
	start := time.Now()
	id, err := m.updateInvite(ctx, appointmentID, changes)
	m.observeRejected(models.KindUpdateInvite, start, err)
	return id, err
}

func (m *Manager) updateInvite(ctx context.Context, appointmentID string, changes models.AppointmentChanges) (string, error) {
	if changes.Empty() {
		return "", provider.NewError(provider.CodeValidation, "no changes to apply")
	}
	rec, snap, adapter, err := m.resolve(ctx, appointmentID)
	if err != nil {
		return "", err
	}
	if rec == nil || snap == nil {
		return "", fmt.Errorf("%w: %s", ErrNoIntegration, appointmentID)
	}
	return m.update(ctx, adapter, rec, snap, changes)
}

func (m *Manager) update(ctx context.Context, adapter provider.Adapter, rec *models.CalendarIntegration, snap *models.AppointmentSnapshot, changes models.AppointmentChanges) (string, error) {
	if rec.Status == models.IntegrationCancelled {
		return "", provider.NewError(provider.CodeValidation, "invite for appointment %s was cancelled", rec.AppointmentID)
	}

	merged := *snap
	merged.Appointment = changes.Apply(snap.Appointment)
	appt := merged.Appointment

	// Nothing reached the provider, so the merged invite goes out as a new one.
	resend := rec.Status == models.IntegrationFailed && rec.ExternalEventID == ""
	if !resend && !adapter.Capabilities().Has(provider.CapUpdate) {
		merged.Sequence++
		resend = true
	}

	if resend {
		event := m.buildEvent(&merged)
		if err := provider.ValidateEvent(&event); err != nil {
			return "", err
		}
		if err := m.saveSnapshot(ctx, &merged); err != nil {
			return "", err
		}
		if rec.Status == models.IntegrationFailed {
			if err := m.store.SetIntegrationOutcome(ctx, rec.AppointmentID, rec.Provider, models.IntegrationPending, "", ""); err != nil {
				return "", fmt.Errorf("save integration: %w", err)
			}
		}
		return m.enqueue(ctx, delivery.JobRequest{
			Kind:           models.KindSendInvite,
			AppointmentID:  appt.ID,
			PatientContact: appt.PatientEmail,
			Provider:       rec.Provider,
			Payload:        models.JobPayload{PatientID: appt.PatientID, Event: &event},
		}, appt.StartTime)
	}

	patch := m.buildPatch(&merged, changes)
	if err := provider.ValidatePatch(&patch); err != nil {
		return "", err
	}
	if err := m.saveSnapshot(ctx, &merged); err != nil {
		return "", err
	}
	return m.enqueue(ctx, delivery.JobRequest{
		Kind:           models.KindUpdateInvite,
		AppointmentID:  appt.ID,
		PatientContact: appt.PatientEmail,
		Provider:       rec.Provider,
		Payload: models.JobPayload{
			PatientID:       appt.PatientID,
			Patch:           &patch,
			ExternalEventID: rec.ExternalEventID,
		},
	}, appt.StartTime)
}

// CancelInvite removes an appointment's event from the patient's calendar.
// An appointment that was never sent yields UNSUPPORTED_OPERATION and nothing
// is queued.
func (m *Manager) CancelInvite(ctx context.Context, appointmentID string) (string, error) {
	start := time.Now()
	id, err := m.cancelInvite(ctx, appointmentID)
	m.observeRejected(models.KindCancelInvite, start, err)
	return id, err
}

func (m *Manager) cancelInvite(ctx context.Context, appointmentID string) (string, error) {
	rec, snap, adapter, err := m.resolve(ctx, appointmentID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", provider.NewError(provider.CodeUnsupported, "appointment %s has no calendar invite to cancel", appointmentID)
	}

	logger := m.log.With().Str("appointment_id", appointmentID).Str("provider", rec.Provider).Logger()

	switch {
	case rec.Status == models.IntegrationCancelled:
		logger.Info().Msg("invite already cancelled")
		return "", nil
	case rec.Status == models.IntegrationFailed && rec.ExternalEventID == "":
		if err := m.store.SetIntegrationOutcome(ctx, appointmentID, rec.Provider, models.IntegrationCancelled, "", ""); err != nil {
			return "", fmt.Errorf("save integration: %w", err)
		}
		logger.Info().Msg("invite was never delivered, marked cancelled")
		return "", nil
	}

	if !adapter.Capabilities().Has(provider.CapDelete) {
		if snap == nil {
			return "", provider.NewError(provider.CodeUnsupported, "%s cannot delete events and appointment %s has no stored invite", rec.Provider, appointmentID)
		}
		notice := *snap
		notice.Sequence++
		event := m.buildEvent(&notice)
		event.Status = models.EventCancelled
		if err := m.saveSnapshot(ctx, &notice); err != nil {
			return "", err
		}
		return m.enqueue(ctx, delivery.JobRequest{
			Kind:           models.KindSendInvite,
			AppointmentID:  appointmentID,
			PatientContact: snap.Appointment.PatientEmail,
			Provider:       rec.Provider,
			Payload:        models.JobPayload{PatientID: rec.PatientID, Event: &event},
		}, time.Time{})
	}

	contact := ""
	if snap != nil {
		contact = snap.Appointment.PatientEmail
	}
	return m.enqueue(ctx, delivery.JobRequest{
		Kind:           models.KindCancelInvite,
		AppointmentID:  appointmentID,
		PatientContact: contact,
		Provider:       rec.Provider,
		Payload:        models.JobPayload{PatientID: rec.PatientID, ExternalEventID: rec.ExternalEventID},
	}, time.Time{})
}

// SyncAvailability queues a free/busy refresh of rng on one provider.
func (m *Manager) SyncAvailability(ctx context.Context, providerName string, rng models.TimeRange) (string, error) {
	start := time.Now()
	id, err := m.syncAvailability(ctx, providerName, rng)
	m.observeRejected(models.KindSyncAvailability, start, err)
	return id, err
}

func (m *Manager) syncAvailability(ctx context.Context, providerName string, rng models.TimeRange) (string, error) {
	if !rng.Valid() {
		return "", provider.NewError(provider.CodeValidation, "availability range must have start before end")
	}
	adapter, err := m.providers.Get(providerName)
	if err != nil {
		return "", err
	}
	if !adapter.Capabilities().Has(provider.CapAvailability) {
		return "", provider.NewError(provider.CodeUnsupported, "%s does not report availability", providerName)
	}
	return m.enqueue(ctx, delivery.JobRequest{
		Kind:     models.KindSyncAvailability,
		Provider: providerName,
		Payload:  models.JobPayload{Range: &rng},
	}, time.Time{})
}

// Availability returns the busy intervals stored by the last sync of rng.
func (m *Manager) Availability(ctx context.Context, providerName string, rng models.TimeRange) ([]models.TimeRange, error) {
	return m.store.GetAvailability(ctx, providerName, rng)
}

func (m *Manager) Integration(ctx context.Context, appointmentID string) (*models.CalendarIntegration, error) {
	return m.store.LatestIntegration(ctx, appointmentID)
}

func (m *Manager) Metrics() models.MetricsReport { return m.monitor.MetricsReport() }

func (m *Manager) Health() models.SystemHealthSummary { return m.monitor.SystemHealth() }

func (m *Manager) QueueStats(ctx context.Context) (*storage.JobStats, error) {
	return m.queue.Stats(ctx)
}

// resolve loads the newest integration record, its snapshot and its adapter.
func (m *Manager) resolve(ctx context.Context, appointmentID string) (*models.CalendarIntegration, *models.AppointmentSnapshot, provider.Adapter, error) {
	rec, err := m.store.LatestIntegration(ctx, appointmentID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load integration: %w", err)
	}
	if rec == nil {
		return nil, nil, nil, nil
	}
	snap, err := m.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load appointment: %w", err)
	}
	adapter, err := m.providers.Get(rec.Provider)
	if err != nil {
		return nil, nil, nil, err
	}
	return rec, snap, adapter, nil
}

func (m *Manager) saveSnapshot(ctx context.Context, snap *models.AppointmentSnapshot) error {
	snap.UpdatedAt = m.now()
	if err := m.store.SaveAppointment(ctx, snap); err != nil {
		return fmt.Errorf("save appointment: %w", err)
	}
	return nil
}

// enqueue hands the job to the queue and reports the hand-off to the monitor.
// Appointments starting within a day jump ahead of other runnable work.
func (m *Manager) enqueue(ctx context.Context, req delivery.JobRequest, startsAt time.Time) (string, error) {
	priority := models.PriorityDefault
	if !startsAt.IsZero() && startsAt.Sub(m.now()) < urgentWindow {
		priority = models.PriorityHighest
	}

	start := time.Now()
	id, err := m.queue.Enqueue(ctx, req, delivery.EnqueueOptions{Priority: priority})
	elapsed := time.Since(start)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if m.monitor != nil {
		m.monitor.RecordEnqueue(string(req.Kind), err == nil, elapsed, errMsg)
	}
	if err != nil {
		return "", &enqueueError{kind: req.Kind, err: err}
	}

	m.log.Info().
		Str("job_id", id).
		Str("kind", string(req.Kind)).
		Str("appointment_id", req.AppointmentID).
		Str("provider", req.Provider).
		Int("priority", priority).
		Msg("delivery job queued")
	return id, nil
}

// enqueueError marks a failure the queue itself returned. It has already been
// reported to the monitor by enqueue.
type enqueueError struct {
	kind models.JobKind
	err  error
}

func (e *enqueueError) Error() string { return fmt.Sprintf("enqueue %s: %v", e.kind, e.err) }

func (e *enqueueError) Unwrap() error { return e.err }

// observeRejected reports a call that failed before its job reached the queue
// as a failed hand-off.
func (m *Manager) observeRejected(kind models.JobKind, start time.Time, err error) {
	if err == nil || m.monitor == nil {
		return
	}
	var qe *enqueueError
	if errors.As(err, &qe) {
		return
	}
	m.monitor.RecordEnqueue(string(kind), false, time.Since(start), err.Error())
}
