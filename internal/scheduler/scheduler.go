// Package scheduler evaluates automation rules on each trigger pass and
// enqueues durable jobs for records that crossed their delay threshold.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
	"github.com/KIMYOUNGGWANG/snapquote/internal/store"
	"github.com/KIMYOUNGGWANG/snapquote/internal/telemetry"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	EnabledAutomations(ctx context.Context, automationType string) ([]models.Automation, error)
	FirstFollowupCandidates(ctx context.Context, userID string, cutoff time.Time) ([]models.Estimate, error)
	SecondFollowupCandidates(ctx context.Context, userID string, cutoff time.Time) ([]models.Estimate, error)
	ReviewRequestCandidates(ctx context.Context, userID string, cutoff time.Time) ([]models.Estimate, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	MarkStageQueued(ctx context.Context, estimateID string, stage int) error
	InsertEventOnce(ctx context.Context, externalID, userID, eventName string, metadata map[string]any) (bool, error)
}

// Queue is the delivery channel job ids are pushed onto after insert.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
}

// Report summarizes one scheduler pass for the trigger caller.
type Report struct {
	JobsCreated int      `json:"jobs_created"`
	JobIDs      []string `json:"job_ids"`
	Skipped     int      `json:"skipped"`
}

// Scheduler scans automation configs and enqueues jobs exactly once per
// threshold crossing. Multiple overlapping invocations are expected; the
// stage_queued_at markers and the worker's claim protocol keep duplicate
// passes harmless.
type Scheduler struct {
	store Store
	queue Queue
	now   func() time.Time
}

func New(st Store, q Queue) *Scheduler {
	return &Scheduler{store: st, queue: q, now: time.Now}
}

// Run executes one full pass over all enabled automations. Individual record
// failures are logged and skipped so one bad row cannot halt the batch; only
// failures to list automations abort the pass.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	var report Report
	if err := s.runQuoteChasers(ctx, &report); err != nil {
		return report, err
	}
	if err := s.runReviewRequests(ctx, &report); err != nil {
		return report, err
	}
	slog.Info("Scheduler.Run: pass complete", "jobs_created", report.JobsCreated, "skipped", report.Skipped)
	return report, nil
}

func (s *Scheduler) runQuoteChasers(ctx context.Context, report *Report) error {
	automations, err := s.store.EnabledAutomations(ctx, models.AutomationQuoteChaser)
	if err != nil {
		return fmt.Errorf("list quote chasers: %w", err)
	}
	now := s.now()

	for _, a := range automations {
		stage1 := s.stagePass(ctx, a, store.StageFirstFollowup, cutoffFor(now, firstFollowupDelay(a.Settings)), s.store.FirstFollowupCandidates)
		stage2 := s.stagePass(ctx, a, store.StageSecondFollowup, cutoffFor(now, secondFollowupDelay(a.Settings)), s.store.SecondFollowupCandidates)
		mergeReport(report, stage1)
		mergeReport(report, stage2)
	}
	return nil
}

func (s *Scheduler) runReviewRequests(ctx context.Context, report *Report) error {
	automations, err := s.store.EnabledAutomations(ctx, models.AutomationReviewRequest)
	if err != nil {
		return fmt.Errorf("list review requests: %w", err)
	}
	now := s.now()

	for _, a := range automations {
		pass := s.stagePass(ctx, a, store.StageReviewRequest, cutoffFor(now, reviewRequestDelay(a.Settings)), s.store.ReviewRequestCandidates)
		mergeReport(report, pass)
	}
	return nil
}

type candidateQuery func(ctx context.Context, userID string, cutoff time.Time) ([]models.Estimate, error)

func (s *Scheduler) stagePass(ctx context.Context, a models.Automation, stage int, cutoff time.Time, query candidateQuery) Report {
	var report Report

	candidates, err := query(ctx, a.UserID, cutoff)
	if err != nil {
		slog.Error("Scheduler.stagePass: candidate query failed", "automation", a.ID, "stage", stage, "error", err)
		return report
	}

	for _, est := range candidates {
		if est.ClientEmail == "" {
			s.recordSkip(ctx, est, stage)
			report.Skipped++
			continue
		}
		jobID, err := s.enqueueFollowup(ctx, a, est, stage)
		if err != nil {
			slog.Error("Scheduler.stagePass: enqueue failed", "estimate", est.ID, "stage", stage, "error", err)
			continue
		}
		report.JobsCreated++
		report.JobIDs = append(report.JobIDs, jobID)
	}
	return report
}

// enqueueFollowup inserts the job row and, only on successful insert, stamps
// the estimate's queued marker. The two writes are deliberately not wrapped
// in a transaction: a crash between them can
// leave an unstamped marker and a duplicate job on the next pass, which the
// worker's claim idempotency and the sent_at acknowledgment bound to one
// redundant email at worst.
func (s *Scheduler) enqueueFollowup(ctx context.Context, a models.Automation, est models.Estimate, stage int) (string, error) {
	taskType := models.TaskEmailFollowup
	if stage == store.StageReviewRequest {
		taskType = models.TaskReviewRequest
	}

	payload := map[string]any{
		"estimate_id":    est.ID,
		"followup_stage": stage,
		"to":             est.ClientEmail,
		"client_name":    est.ClientName,
	}
	if link, ok := a.Settings["review_link"].(string); ok && link != "" {
		payload["review_link"] = link
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		UserID:   a.UserID,
		TaskType: taskType,
		Payload:  payload,
	})
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if err := s.store.MarkStageQueued(ctx, est.ID, stage); err != nil {
		slog.Error("Scheduler.enqueueFollowup: stamp queued marker failed", "estimate", est.ID, "stage", stage, "error", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID, job.ScheduledFor); err != nil {
		// The job row exists and is claimable; the worker's due-job sweep
		// will still pick it up even if the delivery push was lost.
		slog.Error("Scheduler.enqueueFollowup: delivery queue push failed", "job", job.ID, "error", err)
	}
	telemetry.JobsEnqueued.Inc()
	return job.ID, nil
}

// recordSkip notes a candidate that lacks a destination email through the
// dedup ledger, once per (estimate, stage), so operators can see systematic
// data gaps instead of silent drops.
func (s *Scheduler) recordSkip(ctx context.Context, est models.Estimate, stage int) {
	externalID := fmt.Sprintf("skip:%s:%d", est.ID, stage)
	inserted, err := s.store.InsertEventOnce(ctx, externalID, est.UserID, "automation_skipped", map[string]any{
		"estimate_id": est.ID,
		"stage":       stage,
		"reason":      "missing_client_email",
	})
	if err != nil {
		slog.Error("Scheduler.recordSkip: ledger write failed", "estimate", est.ID, "stage", stage, "error", err)
		return
	}
	if inserted {
		telemetry.SchedulerSkips.Inc()
		slog.Warn("Scheduler.recordSkip: candidate missing client email", "estimate", est.ID, "stage", stage)
	}
}

func mergeReport(dst *Report, src Report) {
	dst.JobsCreated += src.JobsCreated
	dst.JobIDs = append(dst.JobIDs, src.JobIDs...)
	dst.Skipped += src.Skipped
}
