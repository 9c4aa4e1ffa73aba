package fetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/site"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

type statusErr int

func (e statusErr) Error() string   { return http.StatusText(int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

type noData struct{}

func (noData) Error() string { return "no records today" }
func (noData) NoData() bool  { return true }

// scriptedSource fails with the queued errors, then succeeds
type scriptedSource struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSource) LatestReading(_ context.Context, st site.Site) (telemetry.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return telemetry.RawReading{}, err
	}
	return telemetry.RawReading{SiteID: st.ID, HasSOC: true, SOC: 50}, nil
}

func newTestFetcher(t *testing.T, src Source, retries int) (*Fetcher, *[]time.Duration, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	f := NewFetcher(src, NewThrottle(0, 1, 0, 0), Config{
		RetryCount:     retries,
		BackoffBase:    100 * time.Millisecond,
		BackoffMax:     2 * time.Second,
		AttemptTimeout: time.Second,
	}, m, zaptest.NewLogger(t))

	delays := &[]time.Duration{}
	f.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return f, delays, m
}

var testSite = site.Site{ID: "1001", Name: "Farm A", InverterSerial: "2207123456", MonitorSOC: true}

func TestFetch_TransientFailuresThenSuccess(t *testing.T) {
	for k := 0; k <= 3; k++ {
		errs := make([]error, k)
		for i := range errs {
			errs[i] = statusErr(http.StatusBadGateway)
		}
		src := &scriptedSource{errs: errs}
		f, delays, m := newTestFetcher(t, src, 3)

		reading, err := f.Fetch(context.Background(), testSite)

		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, "1001", reading.SiteID)
		assert.Equal(t, k+1, src.calls, "k=%d: attempts", k)
		assert.Len(t, *delays, k, "k=%d: retries", k)
		assert.Equal(t, float64(k), testutil.ToFloat64(m.FetchRetries))
		for i := 1; i < len(*delays); i++ {
			assert.GreaterOrEqual(t, (*delays)[i], (*delays)[i-1], "k=%d: delays must not decrease", k)
		}
	}
}

func TestFetch_RetriesExhausted(t *testing.T) {
	src := &scriptedSource{errs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	f, delays, m := newTestFetcher(t, src, 2)

	_, err := f.Fetch(context.Background(), testSite)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ClassTransient, fe.Class)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, 3, src.calls)
	assert.Len(t, *delays, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchFailures.WithLabelValues("transient")))
}

func TestFetch_PermanentFailureIsAttemptedOnce(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		src := &scriptedSource{errs: []error{statusErr(status)}}
		f, delays, _ := newTestFetcher(t, src, 3)

		_, err := f.Fetch(context.Background(), testSite)

		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, ClassPermanent, fe.Class)
		assert.Equal(t, 1, fe.Attempts)
		assert.Equal(t, 1, src.calls)
		assert.Empty(t, *delays)
		assert.True(t, IsPermanent(err))
	}
}

func TestFetch_NoDataIsNotRetried(t *testing.T) {
	src := &scriptedSource{errs: []error{noData{}}}
	f, delays, _ := newTestFetcher(t, src, 3)

	_, err := f.Fetch(context.Background(), testSite)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ClassNoData, fe.Class)
	assert.Equal(t, 1, src.calls)
	assert.Empty(t, *delays)
	assert.False(t, IsPermanent(err))
}

func TestFetch_RateLimitPenalizesThrottle(t *testing.T) {
	src := &scriptedSource{errs: []error{statusErr(http.StatusTooManyRequests)}}
	f, _, m := newTestFetcher(t, src, 1)
	f.throttle = NewThrottle(0, 1, time.Millisecond, time.Hour)

	_, err := f.Fetch(context.Background(), testSite)

	require.NoError(t, err)
	assert.True(t, f.throttle.Penalized())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThrottlePenalties))
}

func TestFetch_ContextCancelledStopsRetrying(t *testing.T) {
	src := &scriptedSource{errs: []error{statusErr(http.StatusServiceUnavailable), statusErr(http.StatusServiceUnavailable)}}
	f, _, _ := newTestFetcher(t, src, 5)

	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.Fetch(ctx, testSite)

	require.Error(t, err)
	assert.Equal(t, 1, src.calls)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"server error", statusErr(http.StatusInternalServerError), ClassTransient},
		{"rate limited", statusErr(http.StatusTooManyRequests), ClassTransient},
		{"request timeout", statusErr(http.StatusRequestTimeout), ClassTransient},
		{"unauthorized", statusErr(http.StatusUnauthorized), ClassPermanent},
		{"not found", statusErr(http.StatusNotFound), ClassPermanent},
		{"no data", noData{}, ClassNoData},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unknown", errors.New("connection reset by peer"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestThrottle_CooldownRestoresRate(t *testing.T) {
	now := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	th := NewThrottle(0, 1, time.Second, time.Minute)
	th.now = func() time.Time { return now }

	th.Penalize()
	assert.True(t, th.Penalized())

	now = now.Add(2 * time.Minute)
	assert.False(t, th.Penalized())

	require.NoError(t, th.Wait(context.Background()))
	assert.Equal(t, th.normal, th.limiter.Limit())
	assert.Equal(t, 1, th.limiter.Burst())
}

func TestThrottle_PenaltySpacesCallsDespiteSavedBurst(t *testing.T) {
	ctx := context.Background()
	th := NewThrottle(1000, 5, 40*time.Millisecond, time.Minute)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, th.Wait(ctx))
	}
	require.Less(t, time.Since(start), 40*time.Millisecond, "burst is available before a penalty")

	// let the bucket refill completely
	time.Sleep(10 * time.Millisecond)

	th.Penalize()
	start = time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 110*time.Millisecond)
	assert.Equal(t, 1, th.limiter.Burst())
}

func TestThrottle_CooldownRestoresBurst(t *testing.T) {
	now := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	th := NewThrottle(1000, 5, time.Millisecond, time.Minute)
	th.now = func() time.Time { return now }

	th.Penalize()
	require.Equal(t, 1, th.limiter.Burst())

	now = now.Add(2 * time.Minute)
	require.NoError(t, th.Wait(context.Background()))
	assert.Equal(t, 5, th.limiter.Burst())
	assert.Equal(t, th.normal, th.limiter.Limit())
}
