package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/calrelay/internal/config"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		CallTimeout:  time.Second,
		MaxAttempts:  3,
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		StuckAfter:   time.Minute,
		JobRetention: time.Hour,
	}
}

func TestQueueDeliversWithRetries(t *testing.T) {
	store := newTestStore(t)
	adapter := &scriptedAdapter{name: "scripted", results: []provider.Result{transient(), transient(), provider.OK("ext-1")}}
	q := NewQueue(fastDeliveryConfig(), store, newTestRegistry(adapter), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	now := time.Now().UTC()
	require.NoError(t, store.UpsertIntegration(ctx, &models.CalendarIntegration{
		AppointmentID: "A1", PatientID: "pat-1", Provider: "scripted",
		Status: models.IntegrationPending, CreatedAt: now, UpdatedAt: now,
	}))

	id, err := q.Enqueue(ctx, JobRequest{
		Kind:           models.KindSendInvite,
		AppointmentID:  "A1",
		PatientContact: "p@example.com",
		Provider:       "scripted",
		Payload:        models.JobPayload{Event: sampleEvent()},
	}, EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, id)
		return err == nil && job != nil && job.State == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := store.GetIntegration(ctx, "A1", "scripted")
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationSent, rec.Status)
	assert.Equal(t, "ext-1", rec.ExternalEventID)
	assert.Equal(t, 3, rec.Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Zero(t, stats.Pending)
}

func TestQueueHonoursDelay(t *testing.T) {
	store := newTestStore(t)
	adapter := &scriptedAdapter{name: "scripted", results: []provider.Result{provider.OK("ext-2")}}
	q := NewQueue(fastDeliveryConfig(), store, newTestRegistry(adapter), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	id, err := q.Enqueue(ctx, JobRequest{
		Kind:     models.KindSendInvite,
		Provider: "scripted",
		Payload:  models.JobPayload{Event: sampleEvent()},
	}, EnqueueOptions{Delay: 200 * time.Millisecond, Priority: 42})
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PriorityLowest, job.Priority)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, adapter.callCount())

	require.Eventually(t, func() bool { return adapter.callCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestQueueEnqueueValidation(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(fastDeliveryConfig(), store, newTestRegistry(&scriptedAdapter{name: "scripted"}), nil, zerolog.Nop())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobRequest{Kind: "reschedule", Provider: "scripted"}, EnqueueOptions{})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, JobRequest{Kind: models.KindSendInvite}, EnqueueOptions{})
	assert.Error(t, err)

	_, err = q.Enqueue(ctx, JobRequest{Kind: models.KindSendInvite, Provider: "fax"}, EnqueueOptions{})
	assert.True(t, errors.Is(err, provider.ErrUnknownProvider))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestPoolRecoversPanickingJob(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(fastDeliveryConfig(), store, newTestRegistry(panicAdapter{&scriptedAdapter{name: "scripted"}}), nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	id, err := q.Enqueue(ctx, JobRequest{
		Kind:     models.KindSendInvite,
		Provider: "scripted",
		Payload:  models.JobPayload{Event: sampleEvent()},
	}, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := q.Get(ctx, id)
		return err == nil && job.State == models.JobDead
	}, 5*time.Second, 10*time.Millisecond)
}

type panicAdapter struct{ *scriptedAdapter }

func (panicAdapter) CreateEvent(context.Context, models.CalendarEvent) provider.Result {
	panic("adapter bug")
}
