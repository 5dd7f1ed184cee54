// Package alert delivers operator notifications about security events:
// failed logins, remote authorization requests and anomaly spikes.
//
// Delivery is fire-and-forget. Notify never blocks on the network and a
// failed delivery never fails the operation that raised the alert.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Tags used by the gateway.
const (
	TagAuth      = "Auth"
	TagAuthorize = "Authorize"
)

// ErrQueueFull is returned when an asynchronous sink drops an alert.
var ErrQueueFull = errors.New("alert queue full")

// Link is a titled hyperlink attached to an alert.
type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Alert is one notification.
type Alert struct {
	Tag       string            `json:"tag"`
	Title     string            `json:"title,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Links     []Link            `json:"links,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers alerts. Implementations must be safe for concurrent use
// and must not block on remote I/O.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Nop discards every alert.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to a structured logger. It is always part of the
// server's fan-out so alerts survive in the log when remote sinks fail.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, a Alert) error {
	attrs := []slog.Attr{
		slog.String("tag", a.Tag),
		slog.String("message", a.Message),
	}
	for k, v := range a.Fields {
		attrs = append(attrs, slog.String(k, v))
	}
	l.Logger.LogAttrs(ctx, slog.LevelWarn, "alert", attrs...)
	return nil
}

// Send stamps a, notifies n and logs any delivery error. It is the helper
// callers use when an alert must never affect the outcome of the request.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, a Alert) {
	if n == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if err := n.Notify(ctx, a); err != nil && logger != nil {
		logger.Warn("alert delivery failed", "tag", a.Tag, "error", err)
	}
}
