package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
)

// PlanTier resolves a user's plan from their profile row. Users without a
// profile are treated as free tier.
func (s *Store) PlanTier(ctx context.Context, userID string) (string, error) {
	var tier string
	err := s.pool.QueryRow(ctx,
		`SELECT plan_tier FROM profiles WHERE user_id = $1`, userID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("query plan tier: %w", err)
	}
	return tier, nil
}

// UsageCounter loads the counter row for one user and period, lazily
// creating it on first metered access. Rows are a historical ledger and are
// never deleted.
func (s *Store) UsageCounter(ctx context.Context, userID string, periodStart time.Time, planTier string) (models.UsageCounter, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_counters_monthly (user_id, period_start, plan_tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, period_start) DO NOTHING
	`, userID, periodStart, planTier)
	if err != nil {
		return models.UsageCounter{}, fmt.Errorf("ensure usage counter: %w", err)
	}

	var c models.UsageCounter
	err = s.pool.QueryRow(ctx, `
		SELECT user_id, period_start, plan_tier, email_sends, estimates_sent, cost_cents, updated_at
		FROM usage_counters_monthly
		WHERE user_id = $1 AND period_start = $2
	`, userID, periodStart).Scan(&c.UserID, &c.PeriodStart, &c.PlanTier,
		&c.EmailSends, &c.EstimatesSent, &c.CostCents, &c.UpdatedAt)
	if err != nil {
		return models.UsageCounter{}, fmt.Errorf("query usage counter: %w", err)
	}
	return c, nil
}

// IncrementUsage atomically adds to one metric's count and the cost
// accumulator, upserting the period row if it does not exist yet, and
// returns the post-increment counter. Concurrent increments serialize on the
// row; no application-level lock is involved.
func (s *Store) IncrementUsage(ctx context.Context, userID string, periodStart time.Time, planTier, metric string, n int, costCents int64) (models.UsageCounter, error) {
	col, err := metricColumn(metric)
	if err != nil {
		return models.UsageCounter{}, err
	}

	var c models.UsageCounter
	err = s.pool.QueryRow(ctx, `
		INSERT INTO usage_counters_monthly (user_id, period_start, plan_tier, `+col+`, cost_cents, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, period_start) DO UPDATE
		SET `+col+` = usage_counters_monthly.`+col+` + EXCLUDED.`+col+`,
		    cost_cents = usage_counters_monthly.cost_cents + EXCLUDED.cost_cents,
		    updated_at = NOW()
		RETURNING user_id, period_start, plan_tier, email_sends, estimates_sent, cost_cents, updated_at
	`, userID, periodStart, planTier, n, costCents).Scan(&c.UserID, &c.PeriodStart,
		&c.PlanTier, &c.EmailSends, &c.EstimatesSent, &c.CostCents, &c.UpdatedAt)
	if err != nil {
		return models.UsageCounter{}, fmt.Errorf("increment usage %s: %w", metric, err)
	}
	return c, nil
}

func metricColumn(metric string) (string, error) {
	switch metric {
	case models.MetricEmailSends:
		return "email_sends", nil
	case models.MetricEstimatesSent:
		return "estimates_sent", nil
	default:
		return "", fmt.Errorf("unknown usage metric %q", metric)
	}
}
