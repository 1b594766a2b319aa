package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the payload delivered to the configured webhook endpoint.
type WebhookEvent struct {
	DeliveryID string            `json:"deliveryId"`
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	ObservedAt time.Time         `json:"observedAt"`
}

// WebhookQueue buffers node events and delivers them to a single endpoint in
// order. The buffer is bounded; when it fills, the oldest undelivered event is
// dropped and the drop is logged.
type WebhookQueue struct {
	endpoint   string
	capacity   int
	logger     *slog.Logger
	httpClient *http.Client

	mu     sync.Mutex
	buf    []WebhookEvent
	wake   chan struct{}
	closed bool
}

func NewWebhookQueue(endpoint string, capacity int, logger *slog.Logger) *WebhookQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &WebhookQueue{
		endpoint:   endpoint,
		capacity:   capacity,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue stages an event for delivery. Events enqueued when no endpoint is
// configured are discarded.
func (q *WebhookQueue) Enqueue(sequence int64, eventType string, attributes map[string]string) {
	if q.endpoint == "" {
		return
	}
	event := WebhookEvent{
		DeliveryID: uuid.NewString(),
		Sequence:   sequence,
		Type:       eventType,
		Attributes: attributes,
		ObservedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	if len(q.buf) >= q.capacity {
		dropped := q.buf[0]
		q.buf = q.buf[1:]
		q.logger.Warn("webhook queue full, dropping event", "sequence", dropped.Sequence, "type", dropped.Type)
	}
	q.buf = append(q.buf, event)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx is cancelled. Failed deliveries are
// retried with backoff before the event is abandoned.
func (q *WebhookQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			event, ok := q.next()
			if !ok {
				break
			}
			if err := q.deliver(ctx, event); err != nil {
				q.logger.Warn("webhook delivery failed", "deliveryId", event.DeliveryID, "sequence", event.Sequence, "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (q *WebhookQueue) next() (WebhookEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return WebhookEvent{}, false
	}
	event := q.buf[0]
	q.buf = q.buf[1:]
	return event, true
}

func (q *WebhookQueue) deliver(ctx context.Context, event WebhookEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Delivery-Id", event.DeliveryID)
		resp, err := q.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return lastErr
}
