package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// webhookQueueSize is the bounded channel capacity for outbound alerts.
	webhookQueueSize = 1024
	webhookTimeout   = 10 * time.Second
)

// Webhook POSTs alerts as JSON to an external endpoint. Alerts are enqueued
// non-blockingly into a bounded channel and sent by a background goroutine.
// If the channel is full, alerts are dropped.
type Webhook struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryWait  time.Duration

	alerts    chan Alert
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Notifier = (*Webhook)(nil)

// NewWebhook creates a webhook dispatcher and starts its background loop.
func NewWebhook(url, authHeader string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     logger.With("component", "alert_webhook"),
		retryWait:  time.Second,
		alerts:     make(chan Alert, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify enqueues a. It never blocks.
func (w *Webhook) Notify(_ context.Context, a Alert) error {
	select {
	case w.alerts <- a:
		return nil
	default:
		w.logger.Warn("queue full, dropping alert", "tag", a.Tag)
		return ErrQueueFull
	}
}

// Close shuts down the dispatcher, draining any queued alerts.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.alerts)
	})
	w.wg.Wait()
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for a := range w.alerts {
		w.send(a)
	}
}

// send POSTs the alert to the configured URL with one retry on 5xx.
func (w *Webhook) send(a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryWait)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "authgate-alert/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
