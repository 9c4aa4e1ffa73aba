package tracker

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/anomaly"
	"github.com/septivank/inverter-telemetry-worker/internal/metrics"
	"github.com/septivank/inverter-telemetry-worker/internal/site"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

// DefaultStaleness is the offline threshold when none is configured
const DefaultStaleness = 30 * time.Minute

// Options configures a Tracker
type Options struct {
	Staleness time.Duration
	Location  *time.Location
}

// Tracker owns the per-site metric state. It is not safe for concurrent use;
// the cycle processor is its only writer.
type Tracker struct {
	registry *site.Registry
	opts     Options
	detector *anomaly.Detector
	metrics  *metrics.Metrics
	logger   *zap.Logger

	states map[string]SiteState
	today  telemetry.Date
}

// New creates a tracker for the registry's sites
func New(registry *site.Registry, opts Options, detector *anomaly.Detector, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Tracker{
		registry: registry,
		opts:     opts,
		detector: detector,
		metrics:  m,
		logger:   logger,
		states:   make(map[string]SiteState),
	}
}

// RolloverIfNeeded moves every site whose roll date differs to today
func (t *Tracker) RolloverIfNeeded(today telemetry.Date) {
	t.today = today
	for id, st := range t.states {
		if st.RollDate == today {
			continue
		}
		rolled := st.Roll(today)
		t.states[id] = rolled

		fields := []zap.Field{
			zap.String("site_id", id),
			zap.String("from", st.RollDate.String()),
			zap.String("to", today.String()),
		}
		if rolled.YesterdayMax != nil {
			fields = append(fields, zap.Float64("yesterday_max_soc", *rolled.YesterdayMax))
		}
		t.logger.Info("Rolled site state to new day", fields...)
	}
}

// Update folds a successful reading into the site's state and returns the
// resulting record.
func (t *Tracker) Update(r telemetry.RawReading) telemetry.PublishRecord {
	st, ok := t.states[r.SiteID]
	if !ok {
		st.RollDate = t.today
		if st.RollDate.IsZero() {
			st.RollDate = telemetry.DateOf(r.Timestamp, t.opts.Location)
		}
	}

	st = st.Apply(r)
	t.states[r.SiteID] = st

	if r.HasVoltage {
		t.checkVoltage(r)
	}

	s, _ := t.registry.Get(r.SiteID)
	if s.ID == "" {
		s.ID = r.SiteID
	}
	return t.record(s, st, st.LastSeen)
}

// YesterdayUnknown reports whether a tracked site has no yesterday max
func (t *Tracker) YesterdayUnknown(id string) bool {
	st, ok := t.states[id]
	return ok && st.YesterdayMax == nil
}

// SeedYesterday applies a vendor summary of the previous day to a tracked site
func (t *Tracker) SeedYesterday(id string, sum telemetry.DaySummary) {
	st, ok := t.states[id]
	if !ok {
		return
	}
	seeded := st.SeedYesterday(sum)
	if seeded.YesterdayMax != nil && st.YesterdayMax == nil {
		t.logger.Info("Seeded yesterday max from vendor history",
			zap.String("site_id", id),
			zap.String("date", sum.Date.String()),
			zap.Float64("yesterday_max_soc", *seeded.YesterdayMax))
	}
	t.states[id] = seeded
}

// Records returns one record per site, in the given order. Sites without any
// reading are reported offline.
func (t *Tracker) Records(sites []site.Site, now time.Time) []telemetry.PublishRecord {
	out := make([]telemetry.PublishRecord, 0, len(sites))
	for _, s := range sites {
		out = append(out, t.record(s, t.states[s.ID], now))
	}
	return out
}

// State returns a copy of the state of every tracked site
func (t *Tracker) State() map[string]SiteState {
	out := make(map[string]SiteState, len(t.states))
	for id, st := range t.states {
		out[id] = st
	}
	return out
}

// Restore replaces tracked state, typically with a persisted snapshot.
// Sites no longer in the registry are dropped.
func (t *Tracker) Restore(states map[string]SiteState) {
	for id, st := range states {
		if _, ok := t.registry.Get(id); !ok {
			continue
		}
		t.states[id] = st
	}
}

// Online reports whether the newest reading is younger than the staleness window
func (t *Tracker) Online(st SiteState, now time.Time) bool {
	return !st.LastSeen.IsZero() && now.Sub(st.LastSeen) < t.opts.Staleness
}

func (t *Tracker) record(s site.Site, st SiteState, now time.Time) telemetry.PublishRecord {
	rec := telemetry.PublishRecord{
		SiteID:         s.ID,
		SiteName:       s.Name,
		InverterSerial: s.InverterSerial,
		Priority:       s.Priority,
		Status:         telemetry.StatusOffline,
		LastSeen:       st.LastSeen,
		DataFresh:      st.DataFresh,

		HasSOC:     st.HasSOC,
		LowestSOC:  st.TodayLow,
		LowestAt:   st.TodayLowAt,
		CurrentSOC: st.CurrentSOC,
		CurrentAt:  st.CurrentAt,

		HasVoltage:       st.HasVoltage,
		MaxVoltageDiff:   st.MaxVoltageDiff,
		MaxVoltageDiffAt: st.MaxVoltageDiffAt,
	}
	if t.Online(st, now) {
		rec.Status = telemetry.StatusOnline
	}
	if st.HasVoltage {
		bat := decimal.NewFromFloat(st.VBat)
		bms := decimal.NewFromFloat(st.VBMS)
		rec.VBat = bat
		rec.VBMS = bms
		rec.VoltageDiff = bat.Sub(bms)
		rec.VoltageAt = st.VoltageAt
	}
	if st.YesterdayMax != nil {
		v := *st.YesterdayMax
		rec.YesterdayMaxSOC = &v
	}
	return rec
}

func (t *Tracker) checkVoltage(r telemetry.RawReading) {
	bat := decimal.NewFromFloat(r.VBat)
	bms := decimal.NewFromFloat(r.VBMS)
	if alert, reason := t.detector.CheckVoltageDiff(bat, bms, bat.Sub(bms)); alert {
		t.metrics.VoltageDiffAlerts.Inc()
		t.logger.Warn("Battery voltage anomaly",
			zap.String("site_id", r.SiteID),
			zap.String("reason", reason),
			zap.Time("reading_time", r.Timestamp))
	}
}
