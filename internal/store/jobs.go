package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, user_id, task_type, payload, status, scheduled_for,
	attempt_count, max_attempts, last_attempt_at, error_message, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	UserID       string
	TaskType     string
	Payload      map[string]any
	ScheduledFor time.Time
	MaxAttempts  int
}

// CreateJob inserts a pending job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_queue (id, user_id, task_type, payload, status, scheduled_for, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
	`, id, p.UserID, p.TaskType, payloadJSON, models.StatusPending, p.ScheduledFor, p.MaxAttempts, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:           id,
		UserID:       p.UserID,
		TaskType:     p.TaskType,
		Payload:      p.Payload,
		Status:       models.StatusPending,
		ScheduledFor: p.ScheduledFor,
		AttemptCount: 0,
		MaxAttempts:  p.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	return job, err
}

// ClaimJob attempts the atomic pending -> processing transition. It is the
// only mutation path into processing. A claim succeeds only when the current
// status is pending, the legacy queued value, or NULL; otherwise the job's
// current status is returned with claimed=false so at-least-once re-delivery
// of the same id resolves as a benign no-op.
func (s *Store) ClaimJob(ctx context.Context, id string) (job models.Job, claimed bool, err error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE job_queue
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND (status IN ($3, $4) OR status IS NULL)
		RETURNING `+jobColumns, id, models.StatusProcessing, models.StatusPending, models.StatusQueued)

	job, err = scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
	}

	// Predicate did not match: either the id is unknown or another invocation
	// holds or already resolved the job. Report the current state.
	job, err = s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, false, nil
}

// RecordAttempt bumps attempt_count and stamps last_attempt_at on a claimed
// job. Best-effort for operator visibility and backoff arithmetic; not part
// of the claim's correctness.
func (s *Store) RecordAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE job_queue
		SET attempt_count = attempt_count + 1, last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING attempt_count
	`, id, models.StatusProcessing).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt for job %s: %w", id, err)
	}
	return attempts, nil
}

// MarkCompleted transitions processing -> completed. The status guard means a
// stale invocation cannot clobber a job another path already resolved.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCompleted, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark job %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed transitions processing -> failed, preserving the error for
// operator inspection. Terminal; there is no dead-letter escalation beyond
// the stored message.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", id, err)
	}
	return nil
}

// ScheduleRetry transitions processing -> pending with a later scheduled_for
// and the failure message recorded.
func (s *Store) ScheduleRetry(ctx context.Context, id string, nextRun time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = $2, scheduled_for = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusPending, nextRun, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("schedule retry for job %s: %w", id, err)
	}
	return nil
}

// DueJobCount returns how many pending jobs are ready to run.
func (s *Store) DueJobCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_queue WHERE status = $1 AND scheduled_for <= NOW()
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var status pgtype.Text
	var lastAttempt pgtype.Timestamptz
	var errMsg pgtype.Text

	if err := row.Scan(&job.ID, &job.UserID, &job.TaskType, &payloadJSON, &status,
		&job.ScheduledFor, &job.AttemptCount, &job.MaxAttempts, &lastAttempt,
		&errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if status.Valid {
		job.Status = status.String
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		job.LastAttemptAt = &t
	}
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}
