// Package quota enforces per-user monthly usage limits on metered
// operations and fires one-time threshold milestones through the analytics
// dedup ledger.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
	"github.com/KIMYOUNGGWANG/snapquote/internal/telemetry"
)

// ErrQuotaExceeded is the distinguished rejection callers translate into a
// "payment/limit required" signal, so UIs can route to an upgrade flow
// instead of showing a generic failure.
var ErrQuotaExceeded = errors.New("monthly quota exceeded")

// Free-tier monthly limits per metric. Paid tiers are unmetered at this
// layer; billing reconciliation is an external concern.
var freeLimits = map[string]int{
	models.MetricEmailSends:    50,
	models.MetricEstimatesSent: 15,
}

// Estimated provider cost per unit, accumulated for the usage snapshot.
var metricCostCents = map[string]int64{
	models.MetricEmailSends:    1,
	models.MetricEstimatesSent: 0,
}

const warningFraction = 0.8

// Store is the persistence surface the guard needs.
type Store interface {
	PlanTier(ctx context.Context, userID string) (string, error)
	UsageCounter(ctx context.Context, userID string, periodStart time.Time, planTier string) (models.UsageCounter, error)
	IncrementUsage(ctx context.Context, userID string, periodStart time.Time, planTier, metric string, n int, costCents int64) (models.UsageCounter, error)
}

// Guard is the check-then-increment quota enforcer. It is stateless; all
// coordination happens through conditional writes on the store, so any
// number of API processes can share it.
type Guard struct {
	store  Store
	events EventRecorder
	now    func() time.Time
}

func NewGuard(st Store) *Guard {
	return &Guard{store: st, now: time.Now}
}

// Check verifies the user may perform one more metered operation this month.
// Free-tier users at or over the limit get ErrQuotaExceeded and a one-time
// limit milestone; at 80% of the limit a one-time warning milestone fires.
// Callers run Check before the operation and Record after it succeeds.
func (g *Guard) Check(ctx context.Context, userID, metric string) error {
	tier, err := g.store.PlanTier(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve plan tier: %w", err)
	}
	if tier != models.TierFree {
		return nil
	}
	limit, metered := freeLimits[metric]
	if !metered {
		return nil
	}

	period := periodStart(g.now())
	counter, err := g.store.UsageCounter(ctx, userID, period, tier)
	if err != nil {
		return fmt.Errorf("load usage counter: %w", err)
	}

	used := metricCount(counter, metric)
	if used >= limit {
		g.fireMilestone(ctx, userID, period, metric, "limit", used, limit)
		telemetry.QuotaRejections.Inc()
		return fmt.Errorf("%w: %s %d/%d", ErrQuotaExceeded, metric, used, limit)
	}
	if float64(used) >= warningFraction*float64(limit) {
		g.fireMilestone(ctx, userID, period, metric, "warning", used, limit)
	}
	return nil
}

// Record increments the metric after the metered operation succeeded and
// re-checks both thresholds, so a request cannot jump from under-warning to
// over-limit without an event firing.
func (g *Guard) Record(ctx context.Context, userID, metric string, n int) error {
	tier, err := g.store.PlanTier(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve plan tier: %w", err)
	}

	period := periodStart(g.now())
	counter, err := g.store.IncrementUsage(ctx, userID, period, tier, metric, n, metricCostCents[metric]*int64(n))
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}

	if tier != models.TierFree {
		return nil
	}
	limit, metered := freeLimits[metric]
	if !metered {
		return nil
	}
	used := metricCount(counter, metric)
	if used >= limit {
		g.fireMilestone(ctx, userID, period, metric, "limit", used, limit)
	} else if float64(used) >= warningFraction*float64(limit) {
		g.fireMilestone(ctx, userID, period, metric, "warning", used, limit)
	}
	return nil
}

// Snapshot is the read-only usage projection consumed by the product UI.
type Snapshot struct {
	UserID       string                  `json:"user_id"`
	PeriodStart  string                  `json:"period_start"`
	PlanTier     string                  `json:"plan_tier"`
	Usage        map[string]int          `json:"usage"`
	Limits       map[string]int          `json:"limits,omitempty"`
	EstCostCents int64                   `json:"estimated_cost_cents"`
	Milestones   []models.AnalyticsEvent `json:"milestones,omitempty"`
}

// CurrentUsage returns the user's current-period usage, limits (free tier
// only), and accumulated cost estimate.
func (g *Guard) CurrentUsage(ctx context.Context, userID string) (Snapshot, error) {
	tier, err := g.store.PlanTier(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve plan tier: %w", err)
	}
	period := periodStart(g.now())
	counter, err := g.store.UsageCounter(ctx, userID, period, tier)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load usage counter: %w", err)
	}

	snap := Snapshot{
		UserID:      userID,
		PeriodStart: period.Format("2006-01-02"),
		PlanTier:    tier,
		Usage: map[string]int{
			models.MetricEmailSends:    counter.EmailSends,
			models.MetricEstimatesSent: counter.EstimatesSent,
		},
		EstCostCents: counter.CostCents,
	}
	if tier == models.TierFree {
		snap.Limits = map[string]int{}
		for metric, limit := range freeLimits {
			snap.Limits[metric] = limit
		}
	}
	if g.events != nil {
		milestones, err := g.events.QuotaMilestones(ctx, userID, period)
		if err != nil {
			slog.Warn("Guard.CurrentUsage: milestone lookup failed", "user", userID, "error", err)
		} else {
			snap.Milestones = milestones
		}
	}
	return snap, nil
}

// EventRecorder is satisfied by the store's dedup ledger. Writes fire
// threshold milestones; the read surfaces them in usage snapshots.
type EventRecorder interface {
	InsertEventOnce(ctx context.Context, externalID, userID, eventName string, metadata map[string]any) (bool, error)
	QuotaMilestones(ctx context.Context, userID string, periodStart time.Time) ([]models.AnalyticsEvent, error)
}

// WithEvents attaches the milestone ledger. Kept separate from Store so
// tests can observe milestone traffic independently.
func (g *Guard) WithEvents(rec EventRecorder) *Guard {
	g.events = rec
	return g
}

// fireMilestone emits a threshold event at most once per
// (user, period, metric, milestone). The external id encodes all four, so
// concurrent requests crossing the boundary together produce one event.
func (g *Guard) fireMilestone(ctx context.Context, userID string, period time.Time, metric, milestone string, used, limit int) {
	if g.events == nil {
		return
	}
	externalID := fmt.Sprintf("quota:%s:%s:%s:%s", userID, period.Format("2006-01"), metric, milestone)
	inserted, err := g.events.InsertEventOnce(ctx, externalID, userID, "quota_"+milestone, map[string]any{
		"metric": metric,
		"used":   used,
		"limit":  limit,
	})
	if err != nil {
		slog.Error("Guard.fireMilestone: ledger write failed", "user", userID, "metric", metric, "milestone", milestone, "error", err)
		return
	}
	if inserted {
		telemetry.MilestoneEvents.Inc()
		slog.Info("Guard.fireMilestone: milestone fired", "user", userID, "metric", metric, "milestone", milestone, "used", used, "limit", limit)
	}
}

// periodStart truncates to the first of the calendar month in UTC.
func periodStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func metricCount(c models.UsageCounter, metric string) int {
	switch metric {
	case models.MetricEmailSends:
		return c.EmailSends
	case models.MetricEstimatesSent:
		return c.EstimatesSent
	default:
		return 0
	}
}
