// Package notify delivers escalation alerts to stakeholders. Delivery is
// best effort: a failed notification is logged and retried but never blocks
// or fails the escalation that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/config"
	"lerian-regulatory-engine/internal/logging"
	"lerian-regulatory-engine/internal/retry"
	"lerian-regulatory-engine/pkg/types"
)

// Notifier delivers one escalation alert to the stakeholder responsible for
// the case's current level.
type Notifier interface {
	Notify(ctx context.Context, stakeholder string, c *types.EscalationCase) error
}

// NoopNotifier discards alerts. Used when no webhook is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, *types.EscalationCase) error { return nil }

// alertPayload is the webhook body.
type alertPayload struct {
	Stakeholder string                `json:"stakeholder"`
	Case        *types.EscalationCase `json:"case"`
	SentAt      time.Time             `json:"sent_at"`
}

// WebhookNotifier posts escalation alerts as JSON to a configured endpoint,
// retrying transient failures with backoff.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	retrier *retry.Retrier
	logger  logging.Logger
}

// NewWebhookNotifier builds a notifier from config. Timeout and retry
// settings fall back to sane values when unset.
func NewWebhookNotifier(cfg config.NotifyConfig, logger logging.Logger) *WebhookNotifier {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 3
	}
	return &WebhookNotifier{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
		retrier: retry.New(&retry.Config{
			MaxAttempts:     attempts,
			InitialDelay:    200 * time.Millisecond,
			MaxDelay:        5 * time.Second,
			Multiplier:      2.0,
			RandomizeFactor: 0.2,
			RetryIf: func(err error) bool {
				return apperrors.IsCode(err, apperrors.ErrorCodeServiceUnavailable)
			},
		}),
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, stakeholder string, c *types.EscalationCase) error {
	body, err := json.Marshal(alertPayload{
		Stakeholder: stakeholder,
		Case:        c,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeInternal, "failed to encode alert", err)
	}

	result := n.retrier.Do(ctx, func(ctx context.Context) error {
		return n.post(ctx, body)
	})
	if result.Err != nil {
		n.logger.Error("alert delivery failed",
			"case_id", c.ID,
			"stakeholder", stakeholder,
			"attempts", result.Attempts,
			"error", result.Err)
		return result.Err
	}
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeInternal, "failed to build alert request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeServiceUnavailable, "alert endpoint unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return apperrors.Newf(apperrors.ErrorCodeServiceUnavailable,
			"alert endpoint returned %d", resp.StatusCode)
	default:
		return apperrors.Newf(apperrors.ErrorCodeInternal,
			"alert endpoint rejected delivery: HTTP %d", resp.StatusCode)
	}
}
