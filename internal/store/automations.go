package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
)

// EnabledAutomations lists all enabled automations of one type, across
// users. Disabled rows stay in the table (automations are never
// hard-deleted) and are simply excluded here.
func (s *Store) EnabledAutomations(ctx context.Context, automationType string) ([]models.Automation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, is_enabled, settings, created_at, updated_at
		FROM automations
		WHERE type = $1 AND is_enabled
		ORDER BY created_at
	`, automationType)
	if err != nil {
		return nil, fmt.Errorf("query enabled automations: %w", err)
	}
	defer rows.Close()

	var out []models.Automation
	for rows.Next() {
		var a models.Automation
		var settingsJSON []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.IsEnabled, &settingsJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan automation: %w", err)
		}
		if err := json.Unmarshal(settingsJSON, &a.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal automation settings: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
