package models

import (
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued" // legacy alias still claimable
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task types dispatched by the worker.
const (
	TaskEmailFollowup = "email_followup"
	TaskReviewRequest = "review_request"
)

// Job is a durable unit of automation work persisted in the job_queue table.
type Job struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	TaskType      string         `json:"task_type"`
	Payload       map[string]any `json:"payload"`
	Status        string         `json:"status"`
	ScheduledFor  time.Time      `json:"scheduled_for"`
	AttemptCount  int            `json:"attempt_count"`
	MaxAttempts   int            `json:"max_attempts"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Automation types configurable per user.
const (
	AutomationQuoteChaser   = "quote_chaser"
	AutomationReviewRequest = "review_request"
)

// Automation is a user-configured rule driving scheduled side effects.
// Settings is free-form: delay overrides per stage, external review link.
type Automation struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	IsEnabled bool           `json:"is_enabled"`
	Settings  map[string]any `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Estimate statuses relevant to automation predicates.
const (
	EstimateDraft = "draft"
	EstimateSent  = "sent"
	EstimatePaid  = "paid"
)

// Estimate is the source record automations act on. The *QueuedAt markers
// guard against duplicate enqueue: at most one non-null value per stage.
type Estimate struct {
	ID                      string     `json:"id"`
	UserID                  string     `json:"user_id"`
	ClientID                string     `json:"client_id"`
	ClientEmail             string     `json:"client_email"`
	ClientName              string     `json:"client_name"`
	Status                  string     `json:"status"`
	SentAt                  *time.Time `json:"sent_at,omitempty"`
	PaidAt                  *time.Time `json:"paid_at,omitempty"`
	FirstFollowupQueuedAt   *time.Time `json:"first_followup_queued_at,omitempty"`
	FirstFollowupSentAt     *time.Time `json:"first_followup_sent_at,omitempty"`
	SecondFollowupQueuedAt  *time.Time `json:"second_followup_queued_at,omitempty"`
	SecondFollowupSentAt    *time.Time `json:"second_followup_sent_at,omitempty"`
	ReviewRequestQueuedAt   *time.Time `json:"review_request_queued_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
}

// Plan tiers. Only the free tier is metered; paid tiers have no hard cap.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// Metered usage metrics.
const (
	MetricEmailSends    = "email_sends"
	MetricEstimatesSent = "estimates_sent"
)

// UsageCounter is one user's metered usage for a calendar month. Rows are
// created lazily on first metered access and never deleted.
type UsageCounter struct {
	UserID        string    `json:"user_id"`
	PeriodStart   time.Time `json:"period_start"`
	PlanTier      string    `json:"plan_tier"`
	EmailSends    int       `json:"email_sends"`
	EstimatesSent int       `json:"estimates_sent"`
	CostCents     int64     `json:"cost_cents"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AnalyticsEvent is one row in the append-only event log. The unique
// external_id doubles as an idempotency ledger for fire-once milestones.
type AnalyticsEvent struct {
	ExternalID string         `json:"external_id"`
	UserID     string         `json:"user_id"`
	EventName  string         `json:"event_name"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}
