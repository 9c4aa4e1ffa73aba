package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/septivank/inverter-telemetry-worker/internal/fetch"
	"github.com/septivank/inverter-telemetry-worker/internal/logging"
	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/site"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
	"github.com/septivank/inverter-telemetry-worker/internal/validity"
)

// Phases
const (
	PhaseIdle       = "idle"
	PhaseRefreshing = "refreshing"
	PhaseCollecting = "collecting"
)

const (
	eventRefresh = "refresh"
	eventCollect = "collect"
	eventFinish  = "finish"
)

// ErrCycleDeadlineExceeded marks sites still outstanding when a cycle's deadline elapsed
var ErrCycleDeadlineExceeded = errors.New("cycle deadline exceeded")

// ErrNoValidSites is returned by Start when the initial validation finds nothing to poll
var ErrNoValidSites = errors.New("no valid sites")

// Fetcher performs one logical fetch for a site
type Fetcher interface {
	Fetch(ctx context.Context, s site.Site) (telemetry.RawReading, error)
}

// Validity decides which sites may be fetched
type Validity interface {
	Load(ctx context.Context) error
	ValidSites(ctx context.Context, sites []site.Site, now time.Time) []site.Site
	Refresh(ctx context.Context, sites []site.Site, now time.Time) int
	Invalidate(id string)
	MarkInvalid(ctx context.Context, id string, now time.Time)
	// StaleSites lists sites whose last validity check failed
	StaleSites() []string
}

// Processor is the single aggregation point for cycle results
type Processor interface {
	Process(ctx context.Context, result CycleResult) error
	// Maintain runs once per day during the refresh phase
	Maintain(ctx context.Context, now time.Time) error
}

// SiteFailure is a site that produced no reading in a cycle
type SiteFailure struct {
	Site site.Site
	Err  error
}

// CycleResult is everything a cycle collected before its deadline
type CycleResult struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Today      telemetry.Date
	Dispatched int
	Readings   []telemetry.RawReading
	Failures   []SiteFailure
	// StaleValidity lists sites polled on a carried-over validity record
	StaleValidity []string
}

// Options configures the scheduler
type Options struct {
	Interval      time.Duration
	CycleDeadline time.Duration
	MaxConcurrent int
	RefreshHour   int
	Location      *time.Location
}

// Scheduler drives collection cycles on a fixed interval. Cycles are strictly
// sequential; fetches inside a cycle run in parallel up to MaxConcurrent.
type Scheduler struct {
	registry  *site.Registry
	validity  Validity
	fetcher   Fetcher
	processor Processor
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	// shared across cycles so fetches abandoned at a deadline keep counting
	// against the limit until they return
	sem     *semaphore.Weighted
	machine *fsm.FSM

	invalidations chan string
	refreshCh     chan struct{}

	mu          sync.Mutex
	lastRefresh time.Time
	lastCycle   time.Time
}

// New creates a scheduler
func New(registry *site.Registry, v Validity, f Fetcher, p Processor, opts Options, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CycleDeadline <= 0 {
		opts.CycleDeadline = opts.Interval
	}

	s := &Scheduler{
		registry:      registry,
		validity:      v,
		fetcher:       f,
		processor:     p,
		opts:          opts,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		invalidations: make(chan string, 64),
		refreshCh:     make(chan struct{}, 1),
	}

	s.machine = fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: eventRefresh, Src: []string{PhaseIdle}, Dst: PhaseRefreshing},
			{Name: eventCollect, Src: []string{PhaseIdle}, Dst: PhaseCollecting},
			{Name: eventFinish, Src: []string{PhaseRefreshing, PhaseCollecting}, Dst: PhaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("Scheduler phase changed",
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
	return s
}

// Phase returns the current phase
func (s *Scheduler) Phase() string {
	return s.machine.Current()
}

// LastCycle returns when the last cycle finished
func (s *Scheduler) LastCycle() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

// RequestInvalidation queues a site for re-validation at the start of the next cycle
func (s *Scheduler) RequestInvalidation(id string) {
	select {
	case s.invalidations <- id:
	default:
		s.logger.Warn("Invalidation queue full, dropping request", zap.String("site_id", id))
	}
}

// RequestRefresh forces a global re-validation followed by a cycle
func (s *Scheduler) RequestRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Start restores persisted validity and validates every site that has no
// trusted record for the current window. It fails only when no configured
// site is valid.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.validity.Load(ctx); err != nil {
		s.logger.Warn("Failed to restore validity records", zap.Error(err))
	}

	now := s.now()
	s.transition(ctx, eventRefresh)
	valid := s.validity.ValidSites(ctx, s.registry.All(), now)
	s.transition(ctx, eventFinish)

	s.mu.Lock()
	s.lastRefresh = now
	s.mu.Unlock()

	if len(valid) == 0 {
		return fmt.Errorf("initial validation of %d sites: %w", s.registry.Len(), ErrNoValidSites)
	}
	s.logger.Info("Initial validation complete",
		zap.Int("valid", len(valid)),
		zap.Int("total", s.registry.Len()))
	return nil
}

// Run executes cycles until ctx is cancelled. The first cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("cycle_deadline", s.opts.CycleDeadline),
		zap.Int("max_concurrent", s.opts.MaxConcurrent),
		zap.Int("sites", s.registry.Len()))

	s.tick(ctx, false)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx, false)
		case <-s.refreshCh:
			s.tick(ctx, true)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, forceRefresh bool) {
	now := s.now()
	if forceRefresh || s.refreshDue(now) {
		s.refresh(ctx, now)
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunCycle(ctx, now); err != nil {
		s.logger.Error("Cycle processing failed", zap.Error(err))
	}
}

func (s *Scheduler) refreshDue(now time.Time) bool {
	boundary := validity.RefreshBoundary(now, s.opts.RefreshHour, s.opts.Location)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh.Before(boundary)
}

func (s *Scheduler) refresh(ctx context.Context, now time.Time) int {
	s.transition(ctx, eventRefresh)
	defer s.transition(ctx, eventFinish)

	n := s.validity.Refresh(ctx, s.registry.All(), now)
	s.metrics.Refreshes.Inc()

	if err := s.processor.Maintain(ctx, now); err != nil {
		s.logger.Warn("Daily maintenance failed", zap.Error(err))
	}

	s.mu.Lock()
	s.lastRefresh = now
	s.mu.Unlock()
	return n
}

type outcome struct {
	site    site.Site
	reading telemetry.RawReading
	err     error
}

// RunCycle fetches every valid site once and hands the result to the
// processor. Sites not settled by the cycle deadline are reported as failed
// with ErrCycleDeadlineExceeded; their fetches keep running and late results
// are dropped.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) (CycleResult, error) {
	start := time.Now()
	cycleID := uuid.NewString()
	logger := logging.WithCycleID(s.logger, cycleID)

	s.applyInvalidations()

	s.transition(ctx, eventCollect)
	defer s.transition(ctx, eventFinish)

	result := CycleResult{
		CycleID:   cycleID,
		StartedAt: now,
		Today:     telemetry.DateOf(now, s.opts.Location),
	}

	sites := s.validity.ValidSites(ctx, s.registry.All(), now)
	sort.SliceStable(sites, func(i, j int) bool { return sites[i].Priority < sites[j].Priority })
	s.metrics.ValidSites.Set(float64(len(sites)))

	result.StaleValidity = s.validity.StaleSites()
	s.metrics.StaleValidity.Set(float64(len(result.StaleValidity)))
	if len(result.StaleValidity) > 0 {
		logger.Warn("Validity of some sites is carried over from a failed check",
			zap.Strings("site_ids", result.StaleValidity))
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, s.opts.CycleDeadline)
	defer cancel()

	// buffered so abandoned fetches never block on send
	results := make(chan outcome, len(sites))
	settled := make(map[string]bool, len(sites))

	for _, st := range sites {
		if err := s.sem.Acquire(deadlineCtx, 1); err != nil {
			break
		}
		result.Dispatched++

		go func(st site.Site) {
			defer s.sem.Release(1)
			reading, err := s.fetcher.Fetch(ctx, st)
			results <- outcome{site: st, reading: reading, err: err}
		}(st)
	}

	accept := func(o outcome) {
		settled[o.site.ID] = true
		if o.err != nil {
			s.handleFailure(ctx, logger, o, now)
			result.Failures = append(result.Failures, SiteFailure{Site: o.site, Err: o.err})
			return
		}
		result.Readings = append(result.Readings, o.reading)
	}

collect:
	for len(settled) < result.Dispatched {
		select {
		case o := <-results:
			accept(o)
		case <-deadlineCtx.Done():
			break collect
		}
	}

	// results already delivered when the deadline fired still count
	for drained := false; !drained && len(settled) < result.Dispatched; {
		select {
		case o := <-results:
			accept(o)
		default:
			drained = true
		}
	}

	// outstanding and never-dispatched sites
	missed := 0
	for _, st := range sites {
		if !settled[st.ID] {
			missed++
			result.Failures = append(result.Failures, SiteFailure{Site: st, Err: ErrCycleDeadlineExceeded})
		}
	}
	if missed > 0 {
		logger.Warn("Cycle deadline exceeded", zap.Int("unsettled_sites", missed))
	}

	result.FinishedAt = s.now()
	partial := missed > 0

	outcomeLabel := "complete"
	if partial {
		outcomeLabel = "deadline_exceeded"
	}
	s.metrics.CyclesTotal.WithLabelValues(outcomeLabel).Inc()
	s.metrics.CycleDuration.Observe(time.Since(start).Seconds())

	logger.Info("Collection cycle finished",
		zap.Int("valid_sites", len(sites)),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("readings", len(result.Readings)),
		zap.Int("failures", len(result.Failures)),
		zap.Int("stale_validity", len(result.StaleValidity)),
		zap.Bool("deadline_exceeded", partial),
		zap.Duration("took", time.Since(start)))

	err := s.processor.Process(ctx, result)

	s.mu.Lock()
	s.lastCycle = result.FinishedAt
	s.mu.Unlock()

	return result, err
}

func (s *Scheduler) handleFailure(ctx context.Context, logger *zap.Logger, o outcome, now time.Time) {
	siteLogger := logging.WithSite(logger, o.site.ID, o.site.Name)

	var fe *fetch.FetchError
	if !errors.As(o.err, &fe) {
		siteLogger.Warn("Fetch failed", zap.Error(o.err))
		return
	}

	if fetch.IsPermanent(o.err) {
		siteLogger.Warn("Permanent fetch failure, excluding site until next refresh",
			zap.Int("attempts", fe.Attempts), zap.Error(fe.Err))
		s.validity.MarkInvalid(ctx, o.site.ID, now)
		return
	}

	if fe.Class == fetch.ClassNoData {
		siteLogger.Info("No readings yet today", zap.Error(fe.Err))
		return
	}
	siteLogger.Warn("Fetch failed after retries",
		zap.Int("attempts", fe.Attempts), zap.Error(fe.Err))
}

func (s *Scheduler) applyInvalidations() {
	for {
		select {
		case id := <-s.invalidations:
			s.validity.Invalidate(id)
			s.logger.Info("Site invalidated on request", zap.String("site_id", id))
		default:
			return
		}
	}
}

func (s *Scheduler) transition(ctx context.Context, event string) {
	if err := s.machine.Event(ctx, event); err != nil {
		s.logger.Error("Invalid scheduler transition",
			zap.String("event", event),
			zap.String("phase", s.machine.Current()),
			zap.Error(err))
	}
}
