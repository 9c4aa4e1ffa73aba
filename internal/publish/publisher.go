package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

// Batch is the full set of records produced by one cycle
type Batch struct {
	CycleID     string
	GeneratedAt time.Time
	Records     []telemetry.PublishRecord
}

// Publisher writes a batch to an external sink. Implementations must be
// idempotent per site ID.
type Publisher interface {
	Publish(ctx context.Context, batch Batch) error
}

// Sink is a named Publisher
type Sink struct {
	Name      string
	Publisher Publisher
}

// SinkPublishError reports which sinks rejected a batch
type SinkPublishError struct {
	CycleID string
	Sinks   []string
	Err     error
}

func (e *SinkPublishError) Error() string {
	return fmt.Sprintf("publish cycle %s: sinks [%s] failed: %v", e.CycleID, strings.Join(e.Sinks, ", "), e.Err)
}

func (e *SinkPublishError) Unwrap() error {
	return e.Err
}

// Multi fans a batch out to every sink. A failing sink does not stop the
// others.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewMulti creates a fan-out publisher
func NewMulti(m *metrics.Metrics, logger *zap.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m, logger: logger}
}

// Publish writes the batch to every sink
func (p *Multi) Publish(ctx context.Context, batch Batch) error {
	var (
		failed []string
		errs   []error
	)
	for _, s := range p.sinks {
		start := time.Now()
		if err := s.Publisher.Publish(ctx, batch); err != nil {
			p.metrics.PublishFailures.WithLabelValues(s.Name).Inc()
			failed = append(failed, s.Name)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		p.logger.Debug("Batch published",
			zap.String("sink", s.Name),
			zap.String("cycle_id", batch.CycleID),
			zap.Int("records", len(batch.Records)),
			zap.Duration("took", time.Since(start)))
	}

	if len(errs) > 0 {
		return &SinkPublishError{CycleID: batch.CycleID, Sinks: failed, Err: errors.Join(errs...)}
	}
	return nil
}

// Func adapts a function to the Publisher interface
type Func func(ctx context.Context, batch Batch) error

func (f Func) Publish(ctx context.Context, batch Batch) error {
	return f(ctx, batch)
}
