// Package worker claims queued automation jobs, executes their side effects
// through the delivery provider, and resolves every job to a terminal or
// retry state. Multiple worker processes may run against the same store; all
// coordination happens through the store's conditional writes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KIMYOUNGGWANG/snapquote/internal/config"
	"github.com/KIMYOUNGGWANG/snapquote/internal/delivery"
	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
	"github.com/KIMYOUNGGWANG/snapquote/internal/store"
	"github.com/KIMYOUNGGWANG/snapquote/internal/telemetry"
)

// Outcomes reported by ProcessJob for observability.
const (
	OutcomeCompleted      = "completed"
	OutcomeRetryScheduled = "retry_scheduled"
	OutcomeFailed         = "failed"
	OutcomeAlreadyDone    = "already_processed"
)

// ErrBadPayload marks a payload that can never execute (missing or malformed
// fields). Not retryable.
var ErrBadPayload = errors.New("invalid job payload")

// JobStore is the job lifecycle surface the processor needs.
type JobStore interface {
	ClaimJob(ctx context.Context, id string) (models.Job, bool, error)
	RecordAttempt(ctx context.Context, id string) (int, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	ScheduleRetry(ctx context.Context, id string, nextRun time.Time, errMsg string) error
	DueJobCount(ctx context.Context) (int64, error)
}

// DeliveryQueue is the Redis channel the loop drains. Nil-safe for the
// synchronous HTTP trigger path, which processes a single id directly.
type DeliveryQueue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Handler executes the side effect for one task type. A returned error
// wrapping ErrBadPayload (or delivery.ErrInvalidRecipient) is terminal;
// anything else is retried per the backoff policy.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives job execution: claim, dispatch, resolve.
type Processor struct {
	cfg      config.Config
	store    JobStore
	queue    DeliveryQueue
	handlers map[string]Handler
}

func NewProcessor(cfg config.Config, st JobStore, q DeliveryQueue) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		queue:    q,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run drains the delivery queue until context cancellation: promote due
// retries, reclaim expired leases, then dequeue and process one id at a
// time.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		_, _ = p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
			slog.Warn("Processor.Run: reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if due, err := p.store.DueJobCount(ctx); err == nil {
			telemetry.DueJobsGauge.Set(float64(due))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		if _, err := p.ProcessJob(ctx, jobID); err != nil && !errors.Is(err, store.ErrJobNotFound) {
			slog.Error("Processor.Run: process job failed", "job", jobID, "error", err)
		}
		_ = p.queue.Ack(ctx, jobID)
	}
}

// ProcessJob claims and executes a single job id. Re-delivery of an id whose
// job is already processing or resolved returns OutcomeAlreadyDone without
// re-executing any side effect. This is the only entry point that moves a
// job through its lifecycle; the HTTP trigger endpoint calls it directly.
func (p *Processor) ProcessJob(ctx context.Context, jobID string) (string, error) {
	job, claimed, err := p.store.ClaimJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !claimed {
		slog.Info("Processor.ProcessJob: job not claimable", "job", jobID, "status", job.Status)
		return OutcomeAlreadyDone, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	attempts, err := p.store.RecordAttempt(ctx, job.ID)
	if err != nil {
		// Visibility only; the claim already succeeded.
		slog.Warn("Processor.ProcessJob: record attempt failed", "job", job.ID, "error", err)
		attempts = job.AttemptCount + 1
	}

	execErr := p.dispatch(ctx, job)
	if execErr == nil {
		if err := p.store.MarkCompleted(ctx, job.ID); err != nil {
			return "", err
		}
		telemetry.JobsCompleted.Inc()
		slog.Info("Processor.ProcessJob: job completed", "job", job.ID, "task_type", job.TaskType, "attempt", attempts)
		return OutcomeCompleted, nil
	}

	if isPermanent(execErr) || attempts >= maxAttempts(job, p.cfg) {
		if err := p.store.MarkFailed(ctx, job.ID, execErr.Error()); err != nil {
			return "", err
		}
		telemetry.JobsFailed.Inc()
		slog.Error("Processor.ProcessJob: job terminally failed", "job", job.ID, "task_type", job.TaskType, "attempt", attempts, "error", execErr)
		return OutcomeFailed, nil
	}

	nextRun := time.Now().Add(retryDelay(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, attempts))
	if err := p.store.ScheduleRetry(ctx, job.ID, nextRun, execErr.Error()); err != nil {
		return "", err
	}
	if p.queue != nil {
		if err := p.queue.Schedule(ctx, job.ID, nextRun); err != nil {
			// The pending row with its scheduled_for is the durable truth; a
			// later pass or lease sweep re-delivers it.
			slog.Warn("Processor.ProcessJob: schedule retry delivery failed", "job", job.ID, "error", err)
		}
	}
	telemetry.JobsRetried.Inc()
	slog.Warn("Processor.ProcessJob: retry scheduled", "job", job.ID, "attempt", attempts, "next_run", nextRun.UTC().Format(time.RFC3339), "error", execErr)
	return OutcomeRetryScheduled, nil
}

func (p *Processor) dispatch(ctx context.Context, job models.Job) error {
	handler, ok := p.handlers[job.TaskType]
	if !ok {
		return fmt.Errorf("%w: no handler registered for task type %q", ErrBadPayload, job.TaskType)
	}
	return handler(ctx, job)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrBadPayload) || errors.Is(err, delivery.ErrInvalidRecipient)
}

func maxAttempts(job models.Job, cfg config.Config) int {
	max := job.MaxAttempts
	if max <= 0 {
		max = cfg.MaxAttempts
	}
	if max <= 0 {
		max = 3
	}
	return max
}
