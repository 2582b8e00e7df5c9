// Package webhook pushes batch events to caller supplied URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"imagestore/internal/models"
)

const (
	EventBatchProgress  = "batch_progress"
	EventBatchCompleted = "batch_completed"
)

type Progress struct {
	Total              int     `json:"total"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

type BatchResults struct {
	BatchID   string           `json:"batch_id"`
	Total     int              `json:"total"`
	Completed int              `json:"completed"`
	Failed    int              `json:"failed"`
	Results   []models.Outcome `json:"results"`
	StartTime string           `json:"start_time"`
	EndTime   string           `json:"end_time"`
}

// Event is the JSON body of a webhook call. Timestamp is overwritten on
// every delivery attempt.
type Event struct {
	EventType string        `json:"event_type"`
	BatchID   string        `json:"batch_id"`
	Status    string        `json:"status,omitempty"`
	Progress  *Progress     `json:"progress,omitempty"`
	Results   *BatchResults `json:"results,omitempty"`
	APIKey    string        `json:"api_key"`
	Timestamp string        `json:"timestamp"`
}

func ProgressEvent(batchID, status string, p Progress, apiKey string) *Event {
	return &Event{EventType: EventBatchProgress, BatchID: batchID, Status: status, Progress: &p, APIKey: apiKey}
}

func CompletedEvent(batchID string, r BatchResults, apiKey string) *Event {
	return &Event{EventType: EventBatchCompleted, BatchID: batchID, Results: &r, APIKey: apiKey}
}

type Notifier struct {
	client    *http.Client
	attempts  int
	delay     time.Duration
	userAgent string
	logger    *zap.Logger
	now       func() time.Time
}

func NewNotifier(cfg models.WebhookConfig, logger *zap.Logger) *Notifier {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Nanosecond
	}
	return &Notifier{
		client:    &http.Client{Timeout: cfg.Timeout},
		attempts:  attempts,
		delay:     delay,
		userAgent: cfg.UserAgent,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Deliver posts ev to url, retrying with a fixed delay. It reports whether
// any attempt succeeded and never returns an error; failures are logged.
func (n *Notifier) Deliver(ctx context.Context, url string, ev *Event, headers map[string]string) bool {
	if url == "" {
		return false
	}
	log := n.logger.With(zap.String("url", url), zap.String("event_type", ev.EventType), zap.String("batch_id", ev.BatchID))

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(n.attempts-1), retry.NewConstant(n.delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		log.Info("sending webhook", zap.Int("attempt", attempt))
		if err := n.post(ctx, url, ev, headers); err != nil {
			log.Warn("webhook attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Error("webhook delivery failed", zap.Int("attempts", attempt), zap.Error(err))
		return false
	}
	log.Info("webhook delivered", zap.Int("attempts", attempt))
	return true
}

func (n *Notifier) post(ctx context.Context, url string, ev *Event, headers map[string]string) error {
	ev.Timestamp = n.now().Format(time.RFC3339Nano)
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}
