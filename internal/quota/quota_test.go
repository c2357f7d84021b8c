package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
)

type fakeUsageStore struct {
	tiers    map[string]string
	counters map[string]*models.UsageCounter
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{
		tiers:    make(map[string]string),
		counters: make(map[string]*models.UsageCounter),
	}
}

func (f *fakeUsageStore) key(userID string, period time.Time) string {
	return userID + "|" + period.Format("2006-01")
}

func (f *fakeUsageStore) PlanTier(_ context.Context, userID string) (string, error) {
	if tier, ok := f.tiers[userID]; ok {
		return tier, nil
	}
	return models.TierFree, nil
}

func (f *fakeUsageStore) UsageCounter(_ context.Context, userID string, period time.Time, tier string) (models.UsageCounter, error) {
	k := f.key(userID, period)
	if c, ok := f.counters[k]; ok {
		return *c, nil
	}
	c := &models.UsageCounter{UserID: userID, PeriodStart: period, PlanTier: tier}
	f.counters[k] = c
	return *c, nil
}

func (f *fakeUsageStore) IncrementUsage(ctx context.Context, userID string, period time.Time, tier, metric string, n int, costCents int64) (models.UsageCounter, error) {
	if _, err := f.UsageCounter(ctx, userID, period, tier); err != nil {
		return models.UsageCounter{}, err
	}
	c := f.counters[f.key(userID, period)]
	switch metric {
	case models.MetricEmailSends:
		c.EmailSends += n
	case models.MetricEstimatesSent:
		c.EstimatesSent += n
	}
	c.CostCents += costCents
	return *c, nil
}

type fakeLedger struct {
	inserted map[string]int
	events   []models.AnalyticsEvent
}

func (f *fakeLedger) InsertEventOnce(_ context.Context, externalID, userID, eventName string, metadata map[string]any) (bool, error) {
	if f.inserted == nil {
		f.inserted = make(map[string]int)
	}
	f.inserted[externalID]++
	if f.inserted[externalID] > 1 {
		return false, nil
	}
	f.events = append(f.events, models.AnalyticsEvent{
		ExternalID: externalID,
		UserID:     userID,
		EventName:  eventName,
		Metadata:   metadata,
		RecordedAt: time.Now(),
	})
	return true, nil
}

func (f *fakeLedger) QuotaMilestones(_ context.Context, userID string, _ time.Time) ([]models.AnalyticsEvent, error) {
	var out []models.AnalyticsEvent
	for _, ev := range f.events {
		if ev.UserID == userID && strings.HasPrefix(ev.EventName, "quota_") {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) rows() int {
	n := 0
	for range f.inserted {
		n++
	}
	return n
}

func frozenGuard(st Store, ledger *fakeLedger, now time.Time) *Guard {
	g := NewGuard(st).WithEvents(ledger)
	g.now = func() time.Time { return now }
	return g
}

func setUsage(st *fakeUsageStore, userID string, now time.Time, metric string, used int) {
	period := periodStart(now)
	c := &models.UsageCounter{UserID: userID, PeriodStart: period, PlanTier: models.TierFree}
	switch metric {
	case models.MetricEmailSends:
		c.EmailSends = used
	case models.MetricEstimatesSent:
		c.EstimatesSent = used
	}
	st.counters[st.key(userID, period)] = c
}

func TestCheckRejectsAtLimit(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	st := newFakeUsageStore()
	ledger := &fakeLedger{}
	setUsage(st, "user-1", now, models.MetricEmailSends, freeLimits[models.MetricEmailSends])

	g := frozenGuard(st, ledger, now)
	err := g.Check(context.Background(), "user-1", models.MetricEmailSends)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestCheckAllowsAtLimitMinusOne(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	st := newFakeUsageStore()
	ledger := &fakeLedger{}
	setUsage(st, "user-1", now, models.MetricEmailSends, freeLimits[models.MetricEmailSends]-1)

	g := frozenGuard(st, ledger, now)
	if err := g.Check(context.Background(), "user-1", models.MetricEmailSends); err != nil {
		t.Fatalf("expected allowed at limit-1, got %v", err)
	}

	// The increment crosses the limit and fires the milestone exactly once,
	// even when another request races through Record at the same boundary.
	for i := 0; i < 2; i++ {
		if err := g.Record(context.Background(), "user-1", models.MetricEmailSends, 1); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// Both records hit the ledger, but the unique external id means only the
	// first attempt produced a row.
	limitKey := fmt.Sprintf("quota:user-1:%s:%s:limit", now.Format("2006-01"), models.MetricEmailSends)
	if ledger.inserted[limitKey] != 2 {
		t.Fatalf("expected two ledger attempts for the limit milestone, got %d", ledger.inserted[limitKey])
	}
}

func TestWarningMilestoneAtEightyPercent(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	st := newFakeUsageStore()
	ledger := &fakeLedger{}
	limit := freeLimits[models.MetricEmailSends]
	setUsage(st, "user-1", now, models.MetricEmailSends, int(0.8*float64(limit)))

	g := frozenGuard(st, ledger, now)
	if err := g.Check(context.Background(), "user-1", models.MetricEmailSends); err != nil {
		t.Fatalf("80%% usage must still be allowed, got %v", err)
	}

	warnKey := fmt.Sprintf("quota:user-1:%s:%s:warning", now.Format("2006-01"), models.MetricEmailSends)
	if ledger.inserted[warnKey] != 1 {
		t.Fatalf("expected warning milestone fired once, got %v", ledger.inserted)
	}

	// A second check hits the ledger again but cannot produce a second row.
	_ = g.Check(context.Background(), "user-1", models.MetricEmailSends)
	if ledger.rows() != 1 {
		t.Fatalf("expected single ledger row, got %d", ledger.rows())
	}
}

func TestPaidTiersAreUnmetered(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	st := newFakeUsageStore()
	st.tiers["user-1"] = models.TierPro
	ledger := &fakeLedger{}
	setUsage(st, "user-1", now, models.MetricEmailSends, 10_000)

	g := frozenGuard(st, ledger, now)
	if err := g.Check(context.Background(), "user-1", models.MetricEmailSends); err != nil {
		t.Fatalf("paid tier must never be rejected, got %v", err)
	}
	if ledger.rows() != 0 {
		t.Fatalf("no milestones for paid tiers, got %v", ledger.inserted)
	}
}

func TestRecordAccumulatesCost(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	st := newFakeUsageStore()
	g := frozenGuard(st, &fakeLedger{}, now)

	for i := 0; i < 3; i++ {
		if err := g.Record(context.Background(), "user-1", models.MetricEmailSends, 1); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	snap, err := g.CurrentUsage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Usage[models.MetricEmailSends] != 3 {
		t.Fatalf("expected 3 email sends, got %d", snap.Usage[models.MetricEmailSends])
	}
	if snap.EstCostCents != 3*metricCostCents[models.MetricEmailSends] {
		t.Fatalf("expected accumulated cost, got %d", snap.EstCostCents)
	}
	if snap.Limits[models.MetricEmailSends] != freeLimits[models.MetricEmailSends] {
		t.Fatalf("expected free limits in snapshot, got %v", snap.Limits)
	}
}

func TestSnapshotIncludesFiredMilestones(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	st := newFakeUsageStore()
	ledger := &fakeLedger{}
	limit := freeLimits[models.MetricEmailSends]
	setUsage(st, "user-1", now, models.MetricEmailSends, int(0.8*float64(limit)))

	g := frozenGuard(st, ledger, now)
	if err := g.Check(context.Background(), "user-1", models.MetricEmailSends); err != nil {
		t.Fatalf("check: %v", err)
	}

	snap, err := g.CurrentUsage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Milestones) != 1 {
		t.Fatalf("expected the warning milestone in the snapshot, got %v", snap.Milestones)
	}
	if snap.Milestones[0].EventName != "quota_warning" {
		t.Fatalf("expected quota_warning, got %s", snap.Milestones[0].EventName)
	}

	// Other users' milestones stay out of the projection.
	other, err := g.CurrentUsage(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(other.Milestones) != 0 {
		t.Fatalf("expected no milestones for user-2, got %v", other.Milestones)
	}
}

func TestPeriodStartIsFirstOfMonth(t *testing.T) {
	now := time.Date(2025, 6, 15, 23, 45, 0, 0, time.UTC)
	if got := periodStart(now); !got.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected first of month, got %s", got)
	}
}
