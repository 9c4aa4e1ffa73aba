package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle spaces requests to the remote API across all sites. A rate-limit
// answer from any site slows every caller down for a cool-down period.
type Throttle struct {
	limiter  *rate.Limiter
	normal   rate.Limit
	burst    int
	penalty  rate.Limit
	cooldown time.Duration
	now      func() time.Time

	mu    sync.Mutex
	until time.Time
}

// NewThrottle allows perSecond requests with the given burst. While
// penalized requests are spaced at least penaltyInterval apart. A
// non-positive perSecond disables throttling outside penalties.
func NewThrottle(perSecond float64, burst int, penaltyInterval, cooldown time.Duration) *Throttle {
	normal := rate.Inf
	if perSecond > 0 {
		normal = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	penalty := rate.Every(penaltyInterval)
	if penaltyInterval <= 0 {
		penalty = normal
	}
	return &Throttle{
		limiter:  rate.NewLimiter(normal, burst),
		normal:   normal,
		burst:    burst,
		penalty:  penalty,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Wait blocks until the next request may be sent
func (t *Throttle) Wait(ctx context.Context) error {
	t.restoreIfCooled()
	return t.limiter.Wait(ctx)
}

// Penalize slows the limiter to the penalty rate and restarts the cool-down.
// Saved-up burst tokens are dropped, so the next request waits a full
// penalty interval after the one that was rejected.
func (t *Throttle) Penalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until = t.now().Add(t.cooldown)

	now := time.Now()
	t.limiter.SetLimitAt(now, t.penalty)
	t.limiter.SetBurstAt(now, 1)
	t.limiter.ReserveN(now, 1)
}

// Penalized reports whether the cool-down is active
func (t *Throttle) Penalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.until.IsZero() && t.now().Before(t.until)
}

func (t *Throttle) restoreIfCooled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.until.IsZero() && !t.now().Before(t.until) {
		t.until = time.Time{}
		t.limiter.SetLimit(t.normal)
		t.limiter.SetBurst(t.burst)
	}
}
