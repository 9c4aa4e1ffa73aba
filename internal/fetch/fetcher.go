package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/site"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

// Source returns the newest reading for a site in one physical request
type Source interface {
	LatestReading(ctx context.Context, s site.Site) (telemetry.RawReading, error)
}

// Config controls retry behaviour
type Config struct {
	// RetryCount is the number of attempts after the first one
	RetryCount     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
}

// Fetcher performs one logical fetch per call, retrying transient failures
// with exponential backoff and jitter.
type Fetcher struct {
	source   Source
	throttle *Throttle
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a new fetcher
func NewFetcher(source Source, throttle *Throttle, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Fetcher {
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &Fetcher{
		source:   source,
		throttle: throttle,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Fetch returns the site's latest reading or a *FetchError. Permanent and
// no-data failures are returned after a single attempt.
func (f *Fetcher) Fetch(ctx context.Context, s site.Site) (telemetry.RawReading, error) {
	b := f.newBackOff()
	var prevDelay time.Duration
	attempts := 0

	for {
		if err := f.throttle.Wait(ctx); err != nil {
			return telemetry.RawReading{}, &FetchError{SiteID: s.ID, Class: ClassTransient, Attempts: attempts, Err: err}
		}

		attempts++
		f.metrics.FetchAttempts.Inc()
		if attempts > 1 {
			f.metrics.FetchRetries.Inc()
		}

		reading, err := f.attempt(ctx, s)
		if err == nil {
			return reading, nil
		}

		class := Classify(err)
		if IsRateLimited(err) {
			if !f.throttle.Penalized() {
				f.logger.Warn("Remote API rate limit hit, slowing all requests",
					zap.String("site_id", s.ID))
			}
			f.throttle.Penalize()
			f.metrics.ThrottlePenalties.Inc()
		}

		if class != ClassTransient || attempts > f.cfg.RetryCount || ctx.Err() != nil {
			f.metrics.FetchFailures.WithLabelValues(class.String()).Inc()
			return telemetry.RawReading{}, &FetchError{SiteID: s.ID, Class: class, Attempts: attempts, Err: err}
		}

		// jitter may shrink the next interval; delays never go backwards
		delay := b.NextBackOff()
		if delay < prevDelay {
			delay = prevDelay
		}
		prevDelay = delay

		f.logger.Debug("Retrying fetch after transient failure",
			zap.String("site_id", s.ID),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := f.sleep(ctx, delay); err != nil {
			f.metrics.FetchFailures.WithLabelValues(ClassTransient.String()).Inc()
			return telemetry.RawReading{}, &FetchError{SiteID: s.ID, Class: ClassTransient, Attempts: attempts, Err: err}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, s site.Site) (telemetry.RawReading, error) {
	if f.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.AttemptTimeout)
		defer cancel()
	}
	return f.source.LatestReading(ctx, s)
}

func (f *Fetcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.BackoffBase
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = f.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
