package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/calrelay/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

// NewSQLiteFromDB wraps an already opened handle.
func NewSQLiteFromDB(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			appointment_id TEXT NOT NULL DEFAULT '',
			patient_contact TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			priority INTEGER NOT NULL DEFAULT 5,
			state TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			scheduled_for DATETIME NOT NULL,
			claimed_at DATETIME,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS integrations (
			appointment_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			patient_id TEXT NOT NULL DEFAULT '',
			external_event_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at DATETIME,
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (appointment_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS availability (
			provider TEXT NOT NULL,
			range_start DATETIME NOT NULL,
			range_end DATETIME NOT NULL,
			busy TEXT NOT NULL DEFAULT '[]',
			synced_at DATETIME NOT NULL,
			PRIMARY KEY (provider, range_start, range_end)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_runnable ON jobs(state, scheduled_for) WHERE state = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_appointment ON jobs(appointment_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claimed ON jobs(state, claimed_at) WHERE state = 'in_flight'`,
		`CREATE INDEX IF NOT EXISTS idx_integrations_updated ON integrations(appointment_id, updated_at)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Jobs ---

const jobColumns = `seq, id, kind, appointment_id, patient_contact, provider, payload, attempts, max_attempts,
	priority, state, last_error, created_at, scheduled_for, claimed_at, updated_at`

func (s *SQLiteStorage) CreateJob(ctx context.Context, job *models.DeliveryJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, appointment_id, patient_contact, provider, payload, attempts, max_attempts,
			priority, state, last_error, created_at, scheduled_for, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, job.AppointmentID, job.PatientContact, job.Provider, string(payload), job.Attempts,
		job.MaxAttempts, job.Priority, job.State, job.LastError, job.CreatedAt.UTC(), job.ScheduledFor.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	job.Seq, err = res.LastInsertId()
	return err
}

func (s *SQLiteStorage) scanJob(row interface{ Scan(...interface{}) error }) (*models.DeliveryJob, error) {
	var j models.DeliveryJob
	var payload string
	err := row.Scan(&j.Seq, &j.ID, &j.Kind, &j.AppointmentID, &j.PatientContact, &j.Provider, &payload,
		&j.Attempts, &j.MaxAttempts, &j.Priority, &j.State, &j.LastError, &j.CreatedAt, &j.ScheduledFor,
		&j.ClaimedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*models.DeliveryJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := s.scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// ListRunnableJobs returns due pending jobs, highest priority first. A job is
// held back while an older job for the same appointment is still pending or in
// flight, so operations on one appointment reach the provider in enqueue order.
func (s *SQLiteStorage) ListRunnableJobs(ctx context.Context, now time.Time, limit int) ([]models.DeliveryJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j
		 WHERE j.state = 'pending' AND j.scheduled_for <= ?
		   AND NOT EXISTS (
			SELECT 1 FROM jobs p
			WHERE j.appointment_id != '' AND p.appointment_id = j.appointment_id
			  AND p.seq < j.seq AND p.state IN ('pending', 'in_flight')
		   )
		 ORDER BY j.priority ASC, j.scheduled_for ASC, j.seq ASC
		 LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.DeliveryJob
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClaimJob moves a pending job to in_flight. It reports false when another
// worker got there first.
func (s *SQLiteStorage) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'in_flight', claimed_at = ?, updated_at = ? WHERE id = ? AND state = 'pending'`,
		now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStorage) RescheduleJob(ctx context.Context, id string, attempts int, scheduledFor time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'pending', attempts = MAX(attempts, ?), scheduled_for = ?, last_error = ?,
			claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND state = 'in_flight'`,
		attempts, scheduledFor.UTC(), lastError, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStorage) ReleaseJob(ctx context.Context, id string, scheduledFor time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'pending', scheduled_for = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND state = 'in_flight'`,
		scheduledFor.UTC(), time.Now().UTC(), id)
	return err
}

func (s *SQLiteStorage) CompleteJob(ctx context.Context, id string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'completed', attempts = MAX(attempts, ?), last_error = '', updated_at = ?
		 WHERE id = ?`,
		attempts, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStorage) KillJob(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'dead', attempts = MAX(attempts, ?), last_error = ?, updated_at = ? WHERE id = ?`,
		attempts, lastError, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStorage) RecoverStuckJobs(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'pending', claimed_at = NULL, updated_at = ?
		 WHERE state = 'in_flight' AND claimed_at < ?`,
		time.Now().UTC(), claimedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) PurgeFinishedJobs(ctx context.Context, updatedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN ('completed', 'dead') AND updated_at < ?`, updatedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{PendingByKind: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, err
		}
		switch models.JobState(state) {
		case models.JobPending:
			stats.Pending = n
		case models.JobInFlight:
			stats.InFlight = n
		case models.JobCompleted:
			stats.Completed = n
		case models.JobDead:
			stats.Dead = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM jobs WHERE state = 'pending' GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.PendingByKind[kind] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT created_at FROM jobs WHERE state = 'pending' ORDER BY created_at ASC LIMIT 1`).Scan(&oldest)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, err
	default:
		stats.OldestPending = &oldest
		stats.OldestPendingAge = time.Since(oldest).Seconds()
	}
	return stats, nil
}

// --- Integrations ---

const integrationColumns = `appointment_id, provider, patient_id, external_event_id, status, attempts,
	last_attempt_at, error_message, created_at, updated_at`

func scanIntegration(row interface{ Scan(...interface{}) error }) (*models.CalendarIntegration, error) {
	var r models.CalendarIntegration
	err := row.Scan(&r.AppointmentID, &r.Provider, &r.PatientID, &r.ExternalEventID, &r.Status, &r.Attempts,
		&r.LastAttemptAt, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStorage) GetIntegration(ctx context.Context, appointmentID, provider string) (*models.CalendarIntegration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE appointment_id = ? AND provider = ?`,
		appointmentID, provider)
	r, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStorage) LatestIntegration(ctx context.Context, appointmentID string) (*models.CalendarIntegration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE appointment_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, appointmentID)
	r, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// UpsertIntegration inserts or overwrites a record. Attempts never go down and
// an empty external id does not clear a known one.
func (s *SQLiteStorage) UpsertIntegration(ctx context.Context, rec *models.CalendarIntegration) error {
	var lastAttempt *time.Time
	if rec.LastAttemptAt != nil {
		t := rec.LastAttemptAt.UTC()
		lastAttempt = &t
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations (`+integrationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(appointment_id, provider) DO UPDATE SET
			patient_id = excluded.patient_id,
			external_event_id = CASE WHEN excluded.external_event_id = '' THEN integrations.external_event_id
				ELSE excluded.external_event_id END,
			status = excluded.status,
			attempts = MAX(integrations.attempts, excluded.attempts),
			last_attempt_at = COALESCE(excluded.last_attempt_at, integrations.last_attempt_at),
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		rec.AppointmentID, rec.Provider, rec.PatientID, rec.ExternalEventID, rec.Status, rec.Attempts,
		lastAttempt, rec.ErrorMessage, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStorage) RecordAttempt(ctx context.Context, appointmentID, provider string, at time.Time, errMsg string) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET attempts = attempts + 1, last_attempt_at = ?, error_message = ?, updated_at = ?
		 WHERE appointment_id = ? AND provider = ?`,
		at, errMsg, at, appointmentID, provider)
	return err
}

func (s *SQLiteStorage) SetIntegrationOutcome(ctx context.Context, appointmentID, provider string, status models.IntegrationStatus, externalEventID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET status = ?,
			external_event_id = CASE WHEN ? = '' THEN external_event_id ELSE ? END,
			error_message = ?, updated_at = ?
		 WHERE appointment_id = ? AND provider = ?`,
		status, externalEventID, externalEventID, errMsg, time.Now().UTC(), appointmentID, provider)
	return err
}

// --- Appointments ---

func (s *SQLiteStorage) SaveAppointment(ctx context.Context, snap *models.AppointmentSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO appointments (id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		snap.Appointment.ID, string(data), snap.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStorage) GetAppointment(ctx context.Context, appointmentID string) (*models.AppointmentSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM appointments WHERE id = ?`, appointmentID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap models.AppointmentSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// --- Availability ---

func (s *SQLiteStorage) SaveAvailability(ctx context.Context, provider string, rng models.TimeRange, busy []models.TimeRange, syncedAt time.Time) error {
	if busy == nil {
		busy = []models.TimeRange{}
	}
	data, err := json.Marshal(busy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO availability (provider, range_start, range_end, busy, synced_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, range_start, range_end) DO UPDATE SET busy = excluded.busy, synced_at = excluded.synced_at`,
		provider, rng.Start.UTC(), rng.End.UTC(), string(data), syncedAt.UTC())
	return err
}

// GetAvailability returns the busy intervals of the last sync of exactly rng,
// or nil when that range was never synced.
func (s *SQLiteStorage) GetAvailability(ctx context.Context, provider string, rng models.TimeRange) ([]models.TimeRange, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT busy FROM availability WHERE provider = ? AND range_start = ? AND range_end = ?`,
		provider, rng.Start.UTC(), rng.End.UTC()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var busy []models.TimeRange
	if err := json.Unmarshal([]byte(data), &busy); err != nil {
		return nil, err
	}
	return busy, nil
}
