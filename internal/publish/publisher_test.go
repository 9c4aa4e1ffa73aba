package publish_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/publish"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

func TestMulti_AllSinksReceiveBatch(t *testing.T) {
	var got []string
	record := func(name string) publish.Func {
		return func(_ context.Context, b publish.Batch) error {
			got = append(got, name+":"+b.CycleID)
			return nil
		}
	}

	p := publish.NewMulti(metrics.New(), zaptest.NewLogger(t),
		publish.Sink{Name: "postgres", Publisher: record("postgres")},
		publish.Sink{Name: "amqp", Publisher: record("amqp")},
	)

	err := p.Publish(context.Background(), publish.Batch{
		CycleID:     "c1",
		GeneratedAt: time.Now(),
		Records:     []telemetry.PublishRecord{{SiteID: "A"}},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"postgres:c1", "amqp:c1"}, got)
}

func TestMulti_FailingSinkDoesNotBlockOthers(t *testing.T) {
	boom := errors.New("connection refused")
	delivered := false
	m := metrics.New()

	p := publish.NewMulti(m, zaptest.NewLogger(t),
		publish.Sink{Name: "postgres", Publisher: publish.Func(func(context.Context, publish.Batch) error { return boom })},
		publish.Sink{Name: "amqp", Publisher: publish.Func(func(context.Context, publish.Batch) error {
			delivered = true
			return nil
		})},
	)

	err := p.Publish(context.Background(), publish.Batch{CycleID: "c2"})

	var spe *publish.SinkPublishError
	require.ErrorAs(t, err, &spe)
	assert.Equal(t, []string{"postgres"}, spe.Sinks)
	assert.ErrorIs(t, err, boom)
	assert.True(t, delivered)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("postgres")))
}
