package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/provider"
	"github.com/shohag/calrelay/internal/storage"
)

// Resolver finds the adapter for a provider name.
type Resolver interface {
	Get(name string) (provider.Adapter, error)
}

// Observer is told about every adapter call the worker makes.
type Observer interface {
	RecordOperation(providerName, operation string, success bool, duration time.Duration, errMsg string)
}

type nopObserver struct{}

func (nopObserver) RecordOperation(string, string, bool, time.Duration, string) {}

type Worker struct {
	store       storage.Storage
	resolver    Resolver
	observer    Observer
	policy      RetryPolicy
	callTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

func NewWorker(store storage.Storage, resolver Resolver, observer Observer, policy RetryPolicy, callTimeout time.Duration, log zerolog.Logger) *Worker {
	if observer == nil {
		observer = nopObserver{}
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Worker{
		store:       store,
		resolver:    resolver,
		observer:    observer,
		policy:      policy,
		callTimeout: callTimeout,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Process runs one claimed job through its adapter and moves it to its next
// state. ctx ending mid-call hands the job back without spending an attempt.
func (w *Worker) Process(ctx context.Context, job models.DeliveryJob) {
	start := time.Now()
	res, busy := w.execute(ctx, job)
	elapsed := time.Since(start)
	res.DurationMs = elapsed.Milliseconds()

	// Outcome writes must land even when shutdown cancelled ctx.
	persistCtx := context.WithoutCancel(ctx)

	if !res.Success && ctx.Err() != nil {
		if err := w.store.ReleaseJob(persistCtx, job.ID, w.now()); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to release job")
		}
		w.log.Info().Str("job_id", job.ID).Msg("job released on shutdown")
		return
	}

	w.observer.RecordOperation(job.Provider, string(job.Kind), res.Success, elapsed, res.ErrorMessage)
	w.finish(persistCtx, job, res, busy)
}

// Fail records a failure that happened outside the adapter call, such as a
// panic while processing.
func (w *Worker) Fail(ctx context.Context, job models.DeliveryJob, err error) {
	res := provider.Fail(err)
	w.observer.RecordOperation(job.Provider, string(job.Kind), false, 0, res.ErrorMessage)
	w.finish(context.WithoutCancel(ctx), job, res, nil)
}

func (w *Worker) finish(ctx context.Context, job models.DeliveryJob, res provider.Result, busy []models.TimeRange) {
	now := w.now()
	attempts := job.Attempts + 1
	tracked := job.AppointmentID != "" && job.Kind != models.KindSyncAvailability

	if tracked {
		if err := w.store.RecordAttempt(ctx, job.AppointmentID, job.Provider, now, res.ErrorMessage); err != nil {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to record integration attempt")
		}
	}

	logger := w.log.With().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("provider", job.Provider).
		Str("appointment_id", job.AppointmentID).
		Int("attempt", attempts).
		Int64("duration_ms", res.DurationMs).
		Logger()

	switch w.policy.Decide(res, attempts, job.MaxAttempts) {
	case DecisionComplete:
		if err := w.store.CompleteJob(ctx, job.ID, attempts); err != nil {
			logger.Error().Err(err).Msg("failed to complete job")
		}
		if job.Kind == models.KindSyncAvailability && job.Payload.Range != nil {
			if err := w.store.SaveAvailability(ctx, job.Provider, *job.Payload.Range, busy, now); err != nil {
				logger.Error().Err(err).Msg("failed to save availability")
			}
		}
		if tracked {
			w.setOutcome(ctx, logger, job, successStatus(job), res.ExternalEventID, "")
		}
		logger.Info().Str("external_event_id", res.ExternalEventID).Msg("job completed")

	case DecisionRetry:
		delay := w.policy.Backoff(attempts)
		next := now.Add(delay)
		if err := w.store.RescheduleJob(ctx, job.ID, attempts, next, res.ErrorMessage); err != nil {
			logger.Error().Err(err).Msg("failed to reschedule job")
		}
		logger.Info().
			Str("error_code", string(res.ErrorCode)).
			Str("error", res.ErrorMessage).
			Time("next_attempt", next).
			Msg("job scheduled for retry")

	case DecisionDead:
		if err := w.store.KillJob(ctx, job.ID, attempts, res.ErrorMessage); err != nil {
			logger.Error().Err(err).Msg("failed to mark job dead")
		}
		if tracked {
			// The event is already gone from the calendar, which is what a cancel wants.
			if job.Kind == models.KindCancelInvite && res.ErrorCode == provider.CodeNotFound {
				w.setOutcome(ctx, logger, job, models.IntegrationCancelled, "", "")
			} else {
				w.setOutcome(ctx, logger, job, models.IntegrationFailed, "", res.ErrorMessage)
			}
		}
		logger.Warn().
			Str("error_code", string(res.ErrorCode)).
			Str("error", res.ErrorMessage).
			Bool("retryable", res.Retryable).
			Msg("job permanently failed")
	}
}

func (w *Worker) setOutcome(ctx context.Context, logger zerolog.Logger, job models.DeliveryJob, status models.IntegrationStatus, externalID, errMsg string) {
	if err := w.store.SetIntegrationOutcome(ctx, job.AppointmentID, job.Provider, status, externalID, errMsg); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to update integration")
	}
}

func successStatus(job models.DeliveryJob) models.IntegrationStatus {
	switch job.Kind {
	case models.KindUpdateInvite:
		return models.IntegrationDelivered
	case models.KindCancelInvite:
		return models.IntegrationCancelled
	}
	if job.Payload.Event != nil && job.Payload.Event.Cancelled() {
		return models.IntegrationCancelled
	}
	return models.IntegrationSent
}

// execute performs the adapter call for the job kind under the per-call timeout.
func (w *Worker) execute(ctx context.Context, job models.DeliveryJob) (provider.Result, []models.TimeRange) {
	adapter, err := w.resolver.Get(job.Provider)
	if err != nil {
		return provider.NewError(provider.CodeUnsupported, "%v", err).Result(), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	var res provider.Result
	var busy []models.TimeRange
	switch job.Kind {
	case models.KindSendInvite:
		if job.Payload.Event == nil {
			return provider.NewError(provider.CodeValidation, "send-invite job has no event").Result(), nil
		}
		res = adapter.CreateEvent(callCtx, *job.Payload.Event)

	case models.KindUpdateInvite:
		if job.Payload.Patch == nil {
			return provider.NewError(provider.CodeValidation, "update-invite job has no changes").Result(), nil
		}
		extID, failed := w.externalID(callCtx, job)
		if failed != nil {
			return *failed, nil
		}
		res = adapter.UpdateEvent(callCtx, extID, *job.Payload.Patch)

	case models.KindCancelInvite:
		extID, failed := w.externalID(callCtx, job)
		if failed != nil {
			return *failed, nil
		}
		res = adapter.DeleteEvent(callCtx, extID)

	case models.KindSyncAvailability:
		if job.Payload.Range == nil || !job.Payload.Range.Valid() {
			return provider.NewError(provider.CodeValidation, "sync-availability job has no valid range").Result(), nil
		}
		busy, err = adapter.GetAvailability(callCtx, *job.Payload.Range)
		if err != nil {
			res = provider.Fail(err)
		} else {
			res = provider.OK("")
		}

	default:
		return provider.NewError(provider.CodeValidation, "unknown job kind %q", job.Kind).Result(), nil
	}

	if !res.Success && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res = provider.NewError(provider.CodeTimeout, "%s call exceeded %s", job.Kind, w.callTimeout).Result()
	}
	return res, busy
}

// externalID returns the provider event id for update and cancel jobs, from
// the payload or else from the integration record as of now.
func (w *Worker) externalID(ctx context.Context, job models.DeliveryJob) (string, *provider.Result) {
	if job.Payload.ExternalEventID != "" {
		return job.Payload.ExternalEventID, nil
	}
	rec, err := w.store.GetIntegration(ctx, job.AppointmentID, job.Provider)
	if err != nil {
		res := provider.NewError(provider.CodeTransient, "load integration: %v", err).Result()
		return "", &res
	}
	if rec == nil || rec.ExternalEventID == "" {
		res := provider.NewError(provider.CodeNotFound, "appointment %s has no event on %s", job.AppointmentID, job.Provider).Result()
		return "", &res
	}
	return rec.ExternalEventID, nil
}
