package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/db"
	"github.com/septivank/inverter-telemetry-worker/internal/logging"
	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/publish"
	"github.com/septivank/inverter-telemetry-worker/internal/repository"
	"github.com/septivank/inverter-telemetry-worker/internal/scheduler"
	"github.com/septivank/inverter-telemetry-worker/internal/site"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
	"github.com/septivank/inverter-telemetry-worker/internal/tracker"
	"github.com/septivank/inverter-telemetry-worker/internal/validity"
)

// ReadingStore retains raw readings
type ReadingStore interface {
	InsertReadings(ctx context.Context, readings []db.InverterReading) error
	PruneReadings(ctx context.Context, before time.Time) (int64, error)
}

// StateStore persists tracker state across restarts
type StateStore interface {
	LoadTrackerState(ctx context.Context) (map[string]tracker.SiteState, error)
	SaveTrackerState(ctx context.Context, states map[string]tracker.SiteState) error
}

// NopStateStore keeps nothing
type NopStateStore struct{}

func (NopStateStore) LoadTrackerState(context.Context) (map[string]tracker.SiteState, error) {
	return nil, nil
}

func (NopStateStore) SaveTrackerState(context.Context, map[string]tracker.SiteState) error {
	return nil
}

// HistorySource summarizes a past day of a site's series
type HistorySource interface {
	DaySummary(ctx context.Context, s site.Site, date telemetry.Date) (telemetry.DaySummary, error)
}

// ValidityLookup resolves inverter serials checked by the validity cache
type ValidityLookup interface {
	Get(id string) (validity.Record, bool)
}

// ProcessorService is the single aggregation point for cycle results: it
// folds readings into the tracker and publishes one batch per cycle.
type ProcessorService struct {
	registry  *site.Registry
	tracker   *tracker.Tracker
	validity  ValidityLookup
	history   HistorySource
	publisher publish.Publisher
	readings  ReadingStore
	state     StateStore
	retention time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// seeded holds the day each site's yesterday max was last looked up
	seeded map[string]telemetry.Date

	mu        sync.RWMutex
	lastBatch publish.Batch
	published bool
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	registry *site.Registry,
	tr *tracker.Tracker,
	v ValidityLookup,
	history HistorySource,
	publisher publish.Publisher,
	readings ReadingStore,
	state StateStore,
	retention time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ProcessorService {
	if state == nil {
		state = NopStateStore{}
	}
	return &ProcessorService{
		registry:  registry,
		tracker:   tr,
		validity:  v,
		history:   history,
		publisher: publisher,
		readings:  readings,
		state:     state,
		retention: retention,
		metrics:   m,
		logger:    logger,
		seeded:    make(map[string]telemetry.Date),
	}
}

// Restore loads persisted tracker state. Call before the first cycle.
func (s *ProcessorService) Restore(ctx context.Context) error {
	states, err := s.state.LoadTrackerState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tracker state: %w", err)
	}
	s.tracker.Restore(states)
	s.logger.Info("Tracker state restored", zap.Int("sites", len(states)))
	return nil
}

// Process implements scheduler.Processor
func (s *ProcessorService) Process(ctx context.Context, result scheduler.CycleResult) error {
	logger := logging.WithCycleID(s.logger, result.CycleID)

	s.tracker.RolloverIfNeeded(result.Today)
	for _, r := range result.Readings {
		s.tracker.Update(r)
	}

	sites := s.sites()
	s.seedYesterday(ctx, logger, result, sites)

	now := result.FinishedAt
	if now.IsZero() {
		now = time.Now()
	}
	records := s.tracker.Records(sites, now)

	online := 0
	for _, r := range records {
		if r.Status == telemetry.StatusOnline {
			online++
		}
	}
	s.metrics.OnlineSites.Set(float64(online))

	s.storeReadings(ctx, logger, result)

	if err := s.state.SaveTrackerState(ctx, s.tracker.State()); err != nil {
		logger.Warn("Failed to persist tracker state", zap.Error(err))
	}

	batch := publish.Batch{CycleID: result.CycleID, GeneratedAt: now, Records: records}
	err := s.publisher.Publish(ctx, batch)

	// the batch is served over HTTP even when a sink rejected it
	s.mu.Lock()
	s.lastBatch = batch
	s.published = true
	s.mu.Unlock()

	if err != nil {
		logger.Error("Failed to publish batch", zap.Error(err))
		return err
	}

	logger.Info("Batch published",
		zap.Int("records", len(records)),
		zap.Int("online", online),
		zap.Int("readings", len(result.Readings)))
	return nil
}

// Maintain implements scheduler.Processor by pruning expired raw readings
func (s *ProcessorService) Maintain(ctx context.Context, now time.Time) error {
	if s.readings == nil || s.retention <= 0 {
		return nil
	}
	cutoff := now.Add(-s.retention)
	n, err := s.readings.PruneReadings(ctx, cutoff)
	if err != nil {
		return err
	}
	s.logger.Info("Pruned raw readings", zap.Int64("deleted", n), zap.Time("before", cutoff))
	return nil
}

// LastBatch returns the most recently published batch
func (s *ProcessorService) LastBatch() (publish.Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBatch, s.published
}

// sites returns every configured site with its resolved serial
func (s *ProcessorService) sites() []site.Site {
	all := s.registry.All()
	for i, st := range all {
		if rec, ok := s.validity.Get(st.ID); ok {
			all[i] = st.WithSerial(rec.InverterSerial)
		}
	}
	return all
}

// seedYesterday looks up the previous day's peak once per day for sites that
// produced a reading but whose yesterday max is unknown, such as after a
// cold start or an outage spanning midnight.
func (s *ProcessorService) seedYesterday(ctx context.Context, logger *zap.Logger, result scheduler.CycleResult, sites []site.Site) {
	if s.history == nil || result.Today.IsZero() {
		return
	}

	byID := make(map[string]site.Site, len(sites))
	for _, st := range sites {
		byID[st.ID] = st
	}
	yesterday := result.Today.AddDays(-1)

	for _, r := range result.Readings {
		if s.seeded[r.SiteID] == result.Today || !s.tracker.YesterdayUnknown(r.SiteID) {
			continue
		}
		st, ok := byID[r.SiteID]
		if !ok || !st.MonitorSOC {
			continue
		}
		s.seeded[r.SiteID] = result.Today

		sum, err := s.history.DaySummary(ctx, st, yesterday)
		if err != nil {
			logging.WithSite(logger, st.ID, st.Name).Warn("Yesterday's history unavailable",
				zap.String("date", yesterday.String()), zap.Error(err))
			continue
		}
		s.tracker.SeedYesterday(st.ID, sum)
	}
}

func (s *ProcessorService) storeReadings(ctx context.Context, logger *zap.Logger, result scheduler.CycleResult) {
	if s.readings == nil || len(result.Readings) == 0 {
		return
	}
	cycleID, err := uuid.Parse(result.CycleID)
	if err != nil {
		logger.Warn("Skipping raw reading retention", zap.Error(err))
		return
	}

	rows := make([]db.InverterReading, 0, len(result.Readings))
	for _, r := range result.Readings {
		rows = append(rows, repository.ReadingFromRaw(r, cycleID))
	}
	if err := s.readings.InsertReadings(ctx, rows); err != nil {
		logger.Warn("Failed to store raw readings", zap.Error(err))
	}
}
