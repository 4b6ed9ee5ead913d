package handlers

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/zisaacson/batchlocallm/internal/batch"
	"github.com/zisaacson/batchlocallm/internal/metrics"
	"github.com/zisaacson/batchlocallm/internal/retry"
)

const (
	webhookTimeout  = 30 * time.Second
	webhookAttempts = 3
)

// metadataKeyWebhookURL activates the webhook handler per batch.
const metadataKeyWebhookURL = "webhook_url"

// webhookPayload is the JSON POSTed to the client's webhook_url.
type webhookPayload struct {
	ID            string              `json:"id"`
	Object        string              `json:"object"`
	Status        batch.Status        `json:"status"`
	CreatedAt     int64               `json:"created_at"`
	CompletedAt   *int64              `json:"completed_at,omitempty"`
	RequestCounts batch.RequestCounts `json:"request_counts"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
	OutputFileURL string              `json:"output_file_url"`
}

// Webhook notifies a per-batch URL when the batch finishes. Delivery is
// best-effort: three attempts with exponential backoff, success on any 2xx.
type Webhook struct {
	client  *resty.Client
	logger  *log.Logger
	metrics *metrics.Set
	backoff retry.Config
}

// NewWebhook builds the webhook handler. metrics may be nil.
func NewWebhook(logger *log.Logger, m *metrics.Set) *Webhook {
	if logger == nil {
		logger = log.New(os.Stderr, "[webhook] ", log.LstdFlags)
	}
	client := resty.New().
		SetTimeout(webhookTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "batchlocallm-webhook/1.0")
	return &Webhook{
		client:  client,
		logger:  logger,
		metrics: m,
		backoff: retry.Config{InitialDelay: time.Second, Factor: 2.0, MaxDelay: 60 * time.Second},
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Enabled(metadata map[string]string) bool {
	return metadata[metadataKeyWebhookURL] != ""
}

func (w *Webhook) OnError(err error) {
	w.logger.Printf("error: %v", err)
}

func (w *Webhook) Handle(ctx context.Context, summary Summary, metadata map[string]string) bool {
	url := metadata[metadataKeyWebhookURL]
	if url == "" {
		return false
	}

	// Echo the metadata minus the webhook key itself.
	echoed := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if k == metadataKeyWebhookURL {
			continue
		}
		echoed[k] = v
	}

	payload := webhookPayload{
		ID:            summary.BatchID,
		Object:        "batch",
		Status:        summary.Status,
		CreatedAt:     summary.CreatedAt,
		CompletedAt:   summary.CompletedAt,
		RequestCounts: summary.Counts,
		Metadata:      echoed,
		OutputFileURL: fmt.Sprintf("/v1/batches/%s/results", summary.BatchID),
	}

	err := retry.Do(ctx, webhookAttempts, w.backoff, summary.BatchID, func(attempt int) error {
		resp, err := w.client.R().SetContext(ctx).SetBody(payload).Post(url)
		if err != nil {
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
			return fmt.Errorf("attempt %d: webhook returned %d", attempt, resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		w.OnError(fmt.Errorf("deliver to %s for %s: %w", url, summary.BatchID, err))
		if w.metrics != nil {
			w.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		}
		return false
	}
	if w.metrics != nil {
		w.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	}
	return true
}
