package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Watcher polls the node's event feed, persists new events, and hands them to
// the webhook queue. The cursor lives in sqlite so restarts resume where the
// previous run stopped.
type Watcher struct {
	client   *NodeClient
	store    *Storage
	queue    *WebhookQueue
	interval time.Duration
	logger   *slog.Logger
}

func NewWatcher(client *NodeClient, store *Storage, queue *WebhookQueue, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{client: client, store: store, queue: queue, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("event poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	cursor, err := w.store.LastEventSequence()
	if err != nil {
		return err
	}
	for {
		events, err := w.client.ListEvents(ctx, cursor, 200)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, event := range events {
			attrs, err := json.Marshal(event.Event.Attributes)
			if err != nil {
				return err
			}
			if err := w.store.RecordEvent(event.Sequence, event.Event.Type, string(attrs)); err != nil {
				return err
			}
			w.queue.Enqueue(event.Sequence, event.Event.Type, event.Event.Attributes)
			cursor = event.Sequence
		}
	}
}
