package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
)

// InsertEventOnce appends a row to the analytics event log, keyed by a
// caller-chosen external id. The UNIQUE constraint on external_id is the
// idempotency mechanism: concurrent writers racing on the same id produce
// exactly one row. Returns whether this call inserted the row.
//
// The same primitive backs scheduler skip records and quota milestone
// notifications; anything that must fire at most once goes through here.
func (s *Store) InsertEventOnce(ctx context.Context, externalID, userID, eventName string, metadata map[string]any) (bool, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("marshal event metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO analytics_events (external_id, user_id, event_name, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO NOTHING
	`, externalID, userID, eventName, metadataJSON)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", externalID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// QuotaMilestones lists the quota threshold events recorded for a user since
// periodStart, oldest first.
func (s *Store) QuotaMilestones(ctx context.Context, userID string, periodStart time.Time) ([]models.AnalyticsEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id, user_id, event_name, metadata, recorded_at
		FROM analytics_events
		WHERE user_id = $1 AND event_name LIKE 'quota_%' AND recorded_at >= $2
		ORDER BY recorded_at
	`, userID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("list quota milestones: %w", err)
	}
	defer rows.Close()

	var events []models.AnalyticsEvent
	for rows.Next() {
		var ev models.AnalyticsEvent
		var metadataJSON []byte
		if err := rows.Scan(&ev.ExternalID, &ev.UserID, &ev.EventName, &metadataJSON, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan quota milestone: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal milestone metadata: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
