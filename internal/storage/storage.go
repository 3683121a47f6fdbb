package storage

import (
	"context"
	"time"

	"github.com/shohag/calrelay/internal/models"
)

// Storage persists delivery jobs and integration records. Lookups return
// (nil, nil) when the row does not exist.
type Storage interface {
	// Jobs
	CreateJob(ctx context.Context, job *models.DeliveryJob) error
	GetJob(ctx context.Context, id string) (*models.DeliveryJob, error)
	ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]models.DeliveryJob, error)
	ClaimJob(ctx context.Context, id string, now time.Time) (bool, error)
	RescheduleJob(ctx context.Context, id string, attempts int, scheduledFor time.Time, lastError string) error
	ReleaseJob(ctx context.Context, id string, scheduledFor time.Time) error
	CompleteJob(ctx context.Context, id string, attempts int) error
	KillJob(ctx context.Context, id string, attempts int, lastError string) error
	RecoverStuckJobs(ctx context.Context, claimedBefore time.Time) (int64, error)
	PurgeFinishedJobs(ctx context.Context, updatedBefore time.Time) (int64, error)
	GetJobStats(ctx context.Context) (*JobStats, error)

	// Integrations
	GetIntegration(ctx context.Context, appointmentID, provider string) (*models.CalendarIntegration, error)
	LatestIntegration(ctx context.Context, appointmentID string) (*models.CalendarIntegration, error)
	UpsertIntegration(ctx context.Context, rec *models.CalendarIntegration) error
	RecordAttempt(ctx context.Context, appointmentID, provider string, at time.Time, errMsg string) error
	SetIntegrationOutcome(ctx context.Context, appointmentID, provider string, status models.IntegrationStatus, externalEventID, errMsg string) error

	// Appointment snapshots
	SaveAppointment(ctx context.Context, snap *models.AppointmentSnapshot) error
	GetAppointment(ctx context.Context, appointmentID string) (*models.AppointmentSnapshot, error)

	// Availability
	SaveAvailability(ctx context.Context, provider string, rng models.TimeRange, busy []models.TimeRange, syncedAt time.Time) error
	GetAvailability(ctx context.Context, provider string, rng models.TimeRange) ([]models.TimeRange, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type JobStats struct {
	Pending          int64            `json:"pending"`
	InFlight         int64            `json:"in_flight"`
	Completed        int64            `json:"completed"`
	Dead             int64            `json:"dead"`
	PendingByKind    map[string]int64 `json:"pending_by_kind"`
	OldestPending    *time.Time       `json:"oldest_pending,omitempty"`
	OldestPendingAge float64          `json:"oldest_pending_age_seconds"`
}
