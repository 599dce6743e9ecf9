package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/ordervoice/internal/reliability"
)

type WebhookConfig struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Client      *http.Client
}

// WebhookFulfiller forwards orders to an external service over HTTP. Rate
// limits and 5xx answers are retried with capped exponential backoff.
type WebhookFulfiller struct {
	cfg WebhookConfig
}

func NewWebhookFulfiller(cfg WebhookConfig) *WebhookFulfiller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookFulfiller{cfg: cfg}
}

func (w *WebhookFulfiller) Submit(ctx context.Context, order Order) (Ack, error) {
	if err := Validate(order.Items); err != nil {
		return Ack{}, err
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(order)
	if err != nil {
		return Ack{}, fmt.Errorf("encode order: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := reliability.Wait(ctx, attempt-1, w.cfg.BaseBackoff, w.cfg.MaxBackoff); err != nil {
				return Ack{}, err
			}
		}

		ack, retry, err := w.post(ctx, body)
		if err == nil {
			if ack.OrderID == "" {
				ack.OrderID = order.ID
			}
			return ack, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return Ack{}, lastErr
}

func (w *WebhookFulfiller) post(ctx context.Context, body []byte) (Ack, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Ack{}, false, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey(body))

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return Ack{}, true, fmt.Errorf("post order: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		return Ack{}, reliability.IsRetryableHTTPStatus(resp.StatusCode),
			fmt.Errorf("post order: status %d: %s", resp.StatusCode, msg)
	}

	var ack Ack
	if len(bytes.TrimSpace(raw)) == 0 {
		return Ack{Accepted: true}, false, nil
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return Ack{}, false, fmt.Errorf("decode order ack: %w", err)
	}
	return ack, false, nil
}

func idempotencyKey(body []byte) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, body).String()
}

func (w *WebhookFulfiller) Close() error {
	w.cfg.Client.CloseIdleConnections()
	return nil
}
