package fetch

import (
	"context"
	"time"

	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/site"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

// HistorySource summarizes a past day of a site's series
type HistorySource interface {
	DaySummary(ctx context.Context, s site.Site, date telemetry.Date) (telemetry.DaySummary, error)
}

// History makes single-attempt history requests through the shared throttle
type History struct {
	source   HistorySource
	throttle *Throttle
	timeout  time.Duration
	metrics  *metrics.Metrics
}

// NewHistory creates a history client. A non-positive timeout leaves ctx as is.
func NewHistory(source HistorySource, throttle *Throttle, timeout time.Duration, m *metrics.Metrics) *History {
	return &History{source: source, throttle: throttle, timeout: timeout, metrics: m}
}

// DaySummary returns the day's summary or a *FetchError
func (h *History) DaySummary(ctx context.Context, s site.Site, date telemetry.Date) (telemetry.DaySummary, error) {
	if err := h.throttle.Wait(ctx); err != nil {
		return telemetry.DaySummary{}, &FetchError{SiteID: s.ID, Class: ClassTransient, Err: err}
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	h.metrics.FetchAttempts.Inc()
	sum, err := h.source.DaySummary(ctx, s, date)
	if err == nil {
		return sum, nil
	}

	if IsRateLimited(err) {
		h.throttle.Penalize()
		h.metrics.ThrottlePenalties.Inc()
	}
	class := Classify(err)
	h.metrics.FetchFailures.WithLabelValues(class.String()).Inc()
	return telemetry.DaySummary{}, &FetchError{SiteID: s.ID, Class: class, Attempts: 1, Err: err}
}
