package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultSpikeWindow    = 1 * time.Minute
	DefaultSpikeThreshold = 50
)

// SpikeDetector counts login failures in a sliding window and raises one
// Auth alert each time the count reaches the threshold.
type SpikeDetector struct {
	mu        sync.Mutex
	failures  []time.Time
	window    time.Duration
	threshold int

	notifier Notifier
	logger   *slog.Logger
	clock    clockwork.Clock
}

// NewSpikeDetector returns a detector. A non-positive threshold disables it.
func NewSpikeDetector(n Notifier, window time.Duration, threshold int, logger *slog.Logger, clock clockwork.Clock) *SpikeDetector {
	if window <= 0 {
		window = DefaultSpikeWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SpikeDetector{
		window:    window,
		threshold: threshold,
		notifier:  n,
		logger:    logger,
		clock:     clock,
	}
}

// RecordFailure notes one failed login.
func (d *SpikeDetector) RecordFailure(ctx context.Context) {
	if d == nil || d.threshold <= 0 {
		return
	}
	now := d.clock.Now()

	d.mu.Lock()
	d.failures = append(d.failures, now)
	d.failures = trimWindow(d.failures, now, d.window)
	count := len(d.failures)
	fire := count >= d.threshold
	if fire {
		// Reset to avoid repeated alerts within the same spike.
		d.failures = d.failures[:0]
	}
	d.mu.Unlock()

	if !fire {
		return
	}
	Send(ctx, d.notifier, d.logger, Alert{
		Tag:     TagAuth,
		Title:   "Login failure spike",
		Message: fmt.Sprintf("%d failed logins in the last %s.", count, d.window),
		Fields: map[string]string{
			"count":     strconv.Itoa(count),
			"threshold": strconv.Itoa(d.threshold),
		},
		Timestamp: now.UTC(),
	})
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
