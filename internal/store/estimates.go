package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
)

// Follow-up stages on an estimate. Each stage owns a queued_at marker that
// may be stamped at most once.
const (
	StageFirstFollowup  = 1
	StageSecondFollowup = 2
	StageReviewRequest  = 3
)

const estimateColumns = `e.id, e.user_id, e.client_id, COALESCE(c.email, ''), COALESCE(c.name, ''),
	e.status, e.sent_at, e.paid_at,
	e.first_followup_queued_at, e.first_followup_sent_at,
	e.second_followup_queued_at, e.second_followup_sent_at,
	e.review_request_queued_at, e.created_at`

// GetEstimate fetches one estimate with its client contact details joined in.
func (s *Store) GetEstimate(ctx context.Context, id string) (models.Estimate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+estimateColumns+`
		FROM estimates e LEFT JOIN clients c ON c.id = e.client_id
		WHERE e.id = $1
	`, id)
	return scanEstimate(row)
}

// FirstFollowupCandidates returns sent estimates for one user that have
// never been queued for stage 1 and whose send time (falling back to
// creation time for legacy rows) is at or before the cutoff.
func (s *Store) FirstFollowupCandidates(ctx context.Context, userID string, cutoff time.Time) ([]models.Estimate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+estimateColumns+`
		FROM estimates e LEFT JOIN clients c ON c.id = e.client_id
		WHERE e.user_id = $1
		  AND e.status = $2
		  AND e.first_followup_queued_at IS NULL
		  AND COALESCE(e.sent_at, e.created_at) <= $3
	`, userID, models.EstimateSent, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query first followup candidates: %w", err)
	}
	return collectEstimates(rows)
}

// SecondFollowupCandidates returns stage-2 candidates. The extra
// first_followup_sent_at precondition enforces strict stage ordering: a
// second touch is only eligible once the first actually went out.
func (s *Store) SecondFollowupCandidates(ctx context.Context, userID string, cutoff time.Time) ([]models.Estimate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+estimateColumns+`
		FROM estimates e LEFT JOIN clients c ON c.id = e.client_id
		WHERE e.user_id = $1
		  AND e.status = $2
		  AND e.second_followup_queued_at IS NULL
		  AND e.first_followup_sent_at IS NOT NULL
		  AND COALESCE(e.sent_at, e.created_at) <= $3
	`, userID, models.EstimateSent, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query second followup candidates: %w", err)
	}
	return collectEstimates(rows)
}

// ReviewRequestCandidates returns paid estimates never queued for a review
// ask whose payment time is at or before the cutoff.
func (s *Store) ReviewRequestCandidates(ctx context.Context, userID string, cutoff time.Time) ([]models.Estimate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+estimateColumns+`
		FROM estimates e LEFT JOIN clients c ON c.id = e.client_id
		WHERE e.user_id = $1
		  AND e.status = $2
		  AND e.review_request_queued_at IS NULL
		  AND COALESCE(e.paid_at, e.created_at) <= $3
	`, userID, models.EstimatePaid, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query review request candidates: %w", err)
	}
	return collectEstimates(rows)
}

// MarkEstimateSent moves a draft estimate to sent and stamps sent_at. The
// status guard keeps a double-send from resetting the anchor timestamp the
// scheduler's thresholds are computed against.
func (s *Store) MarkEstimateSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE estimates SET status = $2, sent_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.EstimateSent, models.EstimateDraft)
	if err != nil {
		return fmt.Errorf("mark estimate %s sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("estimate %s is not a draft", id)
	}
	return nil
}

// MarkStageQueued stamps the estimate's queued_at marker for a stage.
// Called only after the corresponding job row was inserted; the marker is
// what keeps subsequent scheduler passes from re-enqueueing the stage.
func (s *Store) MarkStageQueued(ctx context.Context, estimateID string, stage int) error {
	col, err := stageQueuedColumn(stage)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE estimates SET `+col+` = NOW() WHERE id = $1 AND `+col+` IS NULL`,
		estimateID)
	if err != nil {
		return fmt.Errorf("mark stage %d queued on estimate %s: %w", stage, estimateID, err)
	}
	return nil
}

// MarkStageSent records the stage-completed acknowledgment after a delivery
// succeeded. For stage 1 this is what makes stage-2 candidacy true.
func (s *Store) MarkStageSent(ctx context.Context, estimateID string, stage int) error {
	var col string
	switch stage {
	case StageFirstFollowup:
		col = "first_followup_sent_at"
	case StageSecondFollowup:
		col = "second_followup_sent_at"
	case StageReviewRequest:
		// The queued marker already blocks re-enqueue; nothing further gates
		// on a review request having gone out.
		return nil
	default:
		return fmt.Errorf("unknown followup stage %d", stage)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE estimates SET `+col+` = NOW() WHERE id = $1`, estimateID)
	if err != nil {
		return fmt.Errorf("mark stage %d sent on estimate %s: %w", stage, estimateID, err)
	}
	return nil
}

func stageQueuedColumn(stage int) (string, error) {
	switch stage {
	case StageFirstFollowup:
		return "first_followup_queued_at", nil
	case StageSecondFollowup:
		return "second_followup_queued_at", nil
	case StageReviewRequest:
		return "review_request_queued_at", nil
	default:
		return "", fmt.Errorf("unknown followup stage %d", stage)
	}
}

func collectEstimates(rows pgx.Rows) ([]models.Estimate, error) {
	defer rows.Close()
	var out []models.Estimate
	for rows.Next() {
		est, err := scanEstimate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, est)
	}
	return out, rows.Err()
}

func scanEstimate(row pgx.Row) (models.Estimate, error) {
	var e models.Estimate
	var clientID pgtype.Text
	ts := make([]pgtype.Timestamptz, 7)

	if err := row.Scan(&e.ID, &e.UserID, &clientID, &e.ClientEmail, &e.ClientName,
		&e.Status, &ts[0], &ts[1], &ts[2], &ts[3], &ts[4], &ts[5], &ts[6],
		&e.CreatedAt); err != nil {
		return models.Estimate{}, fmt.Errorf("scan estimate: %w", err)
	}
	if clientID.Valid {
		e.ClientID = clientID.String
	}
	e.SentAt = tsPtr(ts[0])
	e.PaidAt = tsPtr(ts[1])
	e.FirstFollowupQueuedAt = tsPtr(ts[2])
	e.FirstFollowupSentAt = tsPtr(ts[3])
	e.SecondFollowupQueuedAt = tsPtr(ts[4])
	e.SecondFollowupSentAt = tsPtr(ts[5])
	e.ReviewRequestQueuedAt = tsPtr(ts[6])
	return e, nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
