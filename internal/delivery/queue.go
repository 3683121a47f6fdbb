package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/storage"
)

// JobRequest describes one delivery intent.
type JobRequest struct {
	Kind           models.JobKind
	AppointmentID  string
	PatientContact string
	Provider       string
	Payload        models.JobPayload
}

type EnqueueOptions struct {
	Delay       time.Duration
	Priority    int
	MaxAttempts int
}

// Queue accepts delivery jobs and owns the pool that runs them.
type Queue struct {
	store    storage.Storage
	resolver Resolver
	policy   RetryPolicy
	pool     *Pool
	log      zerolog.Logger
}

func NewQueue(cfg config.DeliveryConfig, store storage.Storage, resolver Resolver, observer Observer, log zerolog.Logger) *Queue {
	policy := RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}
	def := DefaultRetryPolicy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = def.MaxDelay
	}

	worker := NewWorker(store, resolver, observer, policy, cfg.CallTimeout, log.With().Str("component", "worker").Logger())
	pool := NewPool(PoolConfig{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		StuckAfter:   cfg.StuckAfter,
		JobRetention: cfg.JobRetention,
	}, store, worker, log.With().Str("component", "pool").Logger())

	return &Queue{
		store:    store,
		resolver: resolver,
		policy:   policy,
		pool:     pool,
		log:      log,
	}
}

func (q *Queue) Start(ctx context.Context) { q.pool.Start(ctx) }

func (q *Queue) Stop() { q.pool.Stop() }

// Enqueue stores a pending job due at now+Delay and returns its id.
func (q *Queue) Enqueue(ctx context.Context, req JobRequest, opts EnqueueOptions) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("unknown job kind %q", req.Kind)
	}
	if req.Provider == "" {
		return "", fmt.Errorf("job has no provider")
	}
	if _, err := q.resolver.Get(req.Provider); err != nil {
		return "", err
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = q.policy.MaxAttempts
	}

	now := time.Now().UTC()
	job := &models.DeliveryJob{
		ID:             models.NewID("job"),
		Kind:           req.Kind,
		AppointmentID:  req.AppointmentID,
		PatientContact: req.PatientContact,
		Provider:       req.Provider,
		Payload:        req.Payload,
		MaxAttempts:    maxAttempts,
		Priority:       models.ClampPriority(opts.Priority),
		State:          models.JobPending,
		CreatedAt:      now,
		ScheduledFor:   now.Add(opts.Delay),
		UpdatedAt:      now,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}

	q.log.Debug().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("provider", job.Provider).
		Str("appointment_id", job.AppointmentID).
		Int("priority", job.Priority).
		Time("scheduled_for", job.ScheduledFor).
		Msg("job enqueued")

	if opts.Delay == 0 {
		q.pool.Trigger()
	}
	return job.ID, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.DeliveryJob, error) {
	return q.store.GetJob(ctx, id)
}

func (q *Queue) Stats(ctx context.Context) (*storage.JobStats, error) {
	return q.store.GetJobStats(ctx)
}
