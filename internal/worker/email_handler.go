package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KIMYOUNGGWANG/snapquote/internal/delivery"
	"github.com/KIMYOUNGGWANG/snapquote/internal/models"
	"github.com/KIMYOUNGGWANG/snapquote/internal/telemetry"
)

// EstimateAcks records the stage-completed acknowledgment on the source
// record once the email actually went out.
type EstimateAcks interface {
	MarkStageSent(ctx context.Context, estimateID string, stage int) error
}

// UsageRecorder increments the metered side channel after a successful send.
type UsageRecorder interface {
	Record(ctx context.Context, userID, metric string, n int) error
}

// EmailHandler executes email_followup and review_request jobs.
type EmailHandler struct {
	provider delivery.Provider
	acks     EstimateAcks
	usage    UsageRecorder
}

func NewEmailHandler(provider delivery.Provider, acks EstimateAcks, usage UsageRecorder) *EmailHandler {
	return &EmailHandler{provider: provider, acks: acks, usage: usage}
}

// Handle validates the payload, sends through the provider, then performs
// the post-send bookkeeping. Payload problems are terminal; provider errors
// bubble up retryable.
func (h *EmailHandler) Handle(ctx context.Context, job models.Job) error {
	estimateID, _ := job.Payload["estimate_id"].(string)
	if estimateID == "" {
		return fmt.Errorf("%w: missing estimate_id", ErrBadPayload)
	}
	stage, ok := payloadInt(job.Payload, "followup_stage")
	if !ok {
		return fmt.Errorf("%w: missing followup_stage", ErrBadPayload)
	}
	to, _ := job.Payload["to"].(string)
	if err := delivery.ValidateAddress(to); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	email := composeEmail(job, to, stage)
	if err := h.provider.Send(ctx, email); err != nil {
		return fmt.Errorf("send %s for estimate %s: %w", job.TaskType, estimateID, err)
	}

	// The email is out; bookkeeping failures below must not fail the job, or
	// a retry would send it again.
	if err := h.acks.MarkStageSent(ctx, estimateID, stage); err != nil {
		slog.Error("EmailHandler.Handle: stage acknowledgment failed", "estimate", estimateID, "stage", stage, "error", err)
	}
	if err := h.usage.Record(ctx, job.UserID, models.MetricEmailSends, 1); err != nil {
		slog.Error("EmailHandler.Handle: usage record failed", "user", job.UserID, "error", err)
	}
	telemetry.EmailsSent.Inc()
	return nil
}

func composeEmail(job models.Job, to string, stage int) delivery.Email {
	clientName, _ := job.Payload["client_name"].(string)
	if clientName == "" {
		clientName = "there"
	}

	if job.TaskType == models.TaskReviewRequest {
		link, _ := job.Payload["review_link"].(string)
		body := fmt.Sprintf("<p>Hi %s,</p><p>Thanks for your business! If you have a minute, we'd love a quick review.</p>", clientName)
		if link != "" {
			body += fmt.Sprintf("<p><a href=%q>Leave a review</a></p>", link)
		}
		return delivery.Email{
			To:      to,
			Subject: "How did we do?",
			HTML:    body,
		}
	}

	subject := "Just checking in on your estimate"
	if stage >= 2 {
		subject = "Your estimate is still available"
	}
	return delivery.Email{
		To:      to,
		Subject: subject,
		HTML: fmt.Sprintf("<p>Hi %s,</p><p>Just following up on the estimate we sent over. Reply here if you have any questions.</p>",
			clientName),
	}
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
