package validity

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/septivank/inverter-telemetry-worker/internal/fetch"
	"github.com/septivank/inverter-telemetry-worker/internal/site"
)

// Checker confirms a site is reachable and resolves its inverter serial
type Checker interface {
	CheckSite(ctx context.Context, s site.Site) (bool, string, error)
}

// Options configures a Cache
type Options struct {
	RefreshHour int
	Location    *time.Location
	// CheckConcurrency bounds parallel remote checks during a refresh
	CheckConcurrency int
}

// Cache memoizes site checks for one refresh window. Mutations happen on the
// scheduler goroutine; the lock only guards concurrent readers such as the
// HTTP status endpoint.
type Cache struct {
	checker Checker
	store   Store
	opts    Options
	logger  *zap.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// NewCache creates a new validity cache
func NewCache(checker Checker, store Store, opts Options, logger *zap.Logger) *Cache {
	if store == nil {
		store = NopStore{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CheckConcurrency < 1 {
		opts.CheckConcurrency = 1
	}
	return &Cache{
		checker: checker,
		store:   store,
		opts:    opts,
		logger:  logger,
		records: make(map[string]Record),
	}
}

// Load restores persisted records. Records from before the current window
// are kept but will be re-checked on first use.
func (c *Cache) Load(ctx context.Context) error {
	records, err := c.store.LoadValidity(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for id, r := range records {
		c.records[id] = r
	}
	c.mu.Unlock()

	c.logger.Info("Validity records restored", zap.Int("count", len(records)))
	return nil
}

// Boundary returns the refresh boundary in effect at now
func (c *Cache) Boundary(now time.Time) time.Time {
	return RefreshBoundary(now, c.opts.RefreshHour, c.opts.Location)
}

// IsValid reports whether the site may be fetched, checking it remotely only
// when no trusted record exists for the current window.
func (c *Cache) IsValid(ctx context.Context, s site.Site, now time.Time) bool {
	if r, ok := c.trusted(s.ID, now); ok {
		return r.Valid
	}
	c.apply(ctx, c.check(ctx, []site.Site{s}, now), now)
	r, _ := c.Get(s.ID)
	return r.Valid
}

// ValidSites returns the fetchable subset of sites, in input order, with
// resolved inverter serials filled in. Untrusted records are re-checked in
// parallel first.
func (c *Cache) ValidSites(ctx context.Context, sites []site.Site, now time.Time) []site.Site {
	var pending []site.Site
	for _, s := range sites {
		if _, ok := c.trusted(s.ID, now); !ok {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		c.apply(ctx, c.check(ctx, pending, now), now)
	}

	valid := make([]site.Site, 0, len(sites))
	for _, s := range sites {
		r, ok := c.Get(s.ID)
		if !ok || !r.Valid {
			continue
		}
		s = s.WithSerial(r.InverterSerial)
		if s.InverterSerial == "" {
			c.logger.Warn("Site has no resolved inverter serial, skipping until next check",
				zap.String("site_id", s.ID))
			continue
		}
		valid = append(valid, s)
	}
	return valid
}

// Refresh re-checks every site regardless of record age and returns the
// number of valid sites.
func (c *Cache) Refresh(ctx context.Context, sites []site.Site, now time.Time) int {
	c.apply(ctx, c.check(ctx, sites, now), now)

	n := 0
	for _, s := range sites {
		if r, ok := c.Get(s.ID); ok && r.Valid {
			n++
		}
	}
	c.logger.Info("Site validity refreshed",
		zap.Int("valid", n),
		zap.Int("total", len(sites)))
	return n
}

// Invalidate drops the site's record so the next use re-checks it
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.records, id)
	c.mu.Unlock()
}

// MarkInvalid excludes the site until the next refresh window
func (c *Cache) MarkInvalid(ctx context.Context, id string, now time.Time) {
	c.mu.Lock()
	r := c.records[id]
	r.Valid = false
	r.Stale = false
	r.CheckedAt = now
	c.records[id] = r
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
}

// Get returns the current record for a site
func (c *Cache) Get(id string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	return r, ok
}

// StaleSites returns the sorted IDs whose validity was carried over from a
// failed check
func (c *Cache) StaleSites() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, r := range c.records {
		if r.Stale {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of all records
func (c *Cache) Snapshot() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

type checkResult struct {
	id     string
	valid  bool
	serial string
	err    error
}

func (c *Cache) trusted(id string, now time.Time) (Record, bool) {
	r, ok := c.Get(id)
	if !ok || !r.TrustedAt(c.Boundary(now)) {
		return Record{}, false
	}
	return r, true
}

// check runs remote checks in parallel; results are applied by the caller
func (c *Cache) check(ctx context.Context, sites []site.Site, now time.Time) []checkResult {
	results := make([]checkResult, len(sites))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.CheckConcurrency)
	for i, s := range sites {
		g.Go(func() error {
			valid, serial, err := c.checker.CheckSite(gctx, s)
			results[i] = checkResult{id: s.ID, valid: valid, serial: serial, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (c *Cache) apply(ctx context.Context, results []checkResult, now time.Time) {
	c.mu.Lock()
	for _, res := range results {
		prior, hadPrior := c.records[res.id]

		switch {
		case res.err == nil:
			c.records[res.id] = Record{Valid: res.valid, CheckedAt: now, InverterSerial: res.serial}

		case fetch.Classify(res.err) == fetch.ClassPermanent:
			c.logger.Warn("Site check rejected", zap.String("site_id", res.id), zap.Error(res.err))
			c.records[res.id] = Record{Valid: false, CheckedAt: now, InverterSerial: prior.InverterSerial}

		case hadPrior:
			c.logger.Warn("Site check failed, keeping last known validity",
				zap.String("site_id", res.id),
				zap.Bool("valid", prior.Valid),
				zap.Error(res.err))
			prior.Stale = true
			prior.CheckedAt = now
			c.records[res.id] = prior

		default:
			c.logger.Warn("Site check failed with no prior record, assuming valid",
				zap.String("site_id", res.id),
				zap.Error(res.err))
			c.records[res.id] = Record{Valid: true, Stale: true, CheckedAt: now}
		}
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
}

func (c *Cache) persist(ctx context.Context, snapshot map[string]Record) {
	if err := c.store.SaveValidity(ctx, snapshot); err != nil {
		c.logger.Warn("Failed to persist validity records", zap.Error(err))
	}
}

func (c *Cache) snapshotLocked() map[string]Record {
	out := make(map[string]Record, len(c.records))
	for id, r := range c.records {
		out[id] = r
	}
	return out
}
