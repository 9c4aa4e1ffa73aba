package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/septivank/inverter-telemetry-worker/internal/db"
	"github.com/septivank/inverter-telemetry-worker/internal/publish"
	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

// DBTX is the subset of pgxpool.Pool the repository needs
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Repository handles database operations
type Repository struct {
	pool DBTX
	now  func() time.Time
}

// NewRepository creates a new repository
func NewRepository(pool DBTX) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

const upsertStatusQuery = `
	INSERT INTO site_status (
		site_id, site_name, inverter_serial, priority, status, data_fresh, last_seen,
		lowest_soc, lowest_at, current_soc, current_at,
		v_bat, v_bms, v_diff, voltage_at, max_v_diff,
		yesterday_max_soc, cycle_id, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	ON CONFLICT (site_id) DO UPDATE SET
		site_name = EXCLUDED.site_name,
		inverter_serial = EXCLUDED.inverter_serial,
		priority = EXCLUDED.priority,
		status = EXCLUDED.status,
		data_fresh = EXCLUDED.data_fresh,
		last_seen = EXCLUDED.last_seen,
		lowest_soc = EXCLUDED.lowest_soc,
		lowest_at = EXCLUDED.lowest_at,
		current_soc = EXCLUDED.current_soc,
		current_at = EXCLUDED.current_at,
		v_bat = EXCLUDED.v_bat,
		v_bms = EXCLUDED.v_bms,
		v_diff = EXCLUDED.v_diff,
		voltage_at = EXCLUDED.voltage_at,
		max_v_diff = EXCLUDED.max_v_diff,
		yesterday_max_soc = EXCLUDED.yesterday_max_soc,
		cycle_id = EXCLUDED.cycle_id,
		updated_at = EXCLUDED.updated_at
`

// UpsertSiteStatuses writes one row per site. Re-publishing the same batch is a no-op in effect.
func (r *Repository) UpsertSiteStatuses(ctx context.Context, rows []db.SiteStatus) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range rows {
		batch.Queue(upsertStatusQuery,
			s.SiteID, s.SiteName, s.InverterSerial, s.Priority, s.Status, s.DataFresh, s.LastSeen,
			s.LowestSOC, s.LowestAt, s.CurrentSOC, s.CurrentAt,
			s.VBat, s.VBMS, s.VoltageDiff, s.VoltageAt, s.MaxVoltageDiff,
			s.YesterdayMaxSOC, s.CycleID, s.UpdatedAt,
		)
	}

	if err := r.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to upsert site statuses: %w", err)
	}
	return nil
}

const insertReadingQuery = `
	INSERT INTO inverter_readings (
		id, cycle_id, site_id, reading_time, fetched_at, soc, v_bat, v_bms, fresh
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

// InsertReadings stores raw readings for later auditing
func (r *Repository) InsertReadings(ctx context.Context, readings []db.InverterReading) error {
	if len(readings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rd := range readings {
		batch.Queue(insertReadingQuery,
			rd.ID, rd.CycleID, rd.SiteID, rd.ReadingTime, rd.FetchedAt,
			rd.SOC, rd.VBat, rd.VBMS, rd.Fresh,
		)
	}

	if err := r.execBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to insert readings: %w", err)
	}
	return nil
}

// PruneReadings deletes raw readings fetched before the cutoff
func (r *Repository) PruneReadings(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM inverter_readings WHERE fetched_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune readings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Publish implements publish.Publisher by upserting the batch into site_status
func (r *Repository) Publish(ctx context.Context, b publish.Batch) error {
	cycleID, err := uuid.Parse(b.CycleID)
	if err != nil {
		return fmt.Errorf("invalid cycle id %q: %w", b.CycleID, err)
	}

	updatedAt := b.GeneratedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}

	rows := make([]db.SiteStatus, 0, len(b.Records))
	for _, rec := range b.Records {
		rows = append(rows, StatusFromRecord(rec, cycleID, updatedAt))
	}
	return r.UpsertSiteStatuses(ctx, rows)
}

// StatusFromRecord maps a published record onto a site_status row. Metrics
// that are unknown are stored as NULL.
func StatusFromRecord(rec telemetry.PublishRecord, cycleID uuid.UUID, updatedAt time.Time) db.SiteStatus {
	row := db.SiteStatus{
		SiteID:         rec.SiteID,
		SiteName:       rec.SiteName,
		InverterSerial: rec.InverterSerial,
		Priority:       rec.Priority,
		Status:         string(rec.Status),
		DataFresh:      rec.DataFresh,
		LastSeen:       timePtr(rec.LastSeen),
		CycleID:        cycleID,
		UpdatedAt:      updatedAt,
	}

	if rec.HasSOC {
		row.LowestSOC = &rec.LowestSOC
		row.LowestAt = timePtr(rec.LowestAt)
		row.CurrentSOC = &rec.CurrentSOC
		row.CurrentAt = timePtr(rec.CurrentAt)
	}
	if rec.HasVoltage {
		row.VBat = &rec.VBat
		row.VBMS = &rec.VBMS
		row.VoltageDiff = &rec.VoltageDiff
		row.VoltageAt = timePtr(rec.VoltageAt)
		row.MaxVoltageDiff = &rec.MaxVoltageDiff
	}
	if rec.YesterdayMaxSOC != nil {
		v := *rec.YesterdayMaxSOC
		row.YesterdayMaxSOC = &v
	}
	return row
}

// ReadingFromRaw maps a fetched reading onto an inverter_readings row
func ReadingFromRaw(r telemetry.RawReading, cycleID uuid.UUID) db.InverterReading {
	row := db.InverterReading{
		ID:          uuid.New(),
		CycleID:     cycleID,
		SiteID:      r.SiteID,
		ReadingTime: r.Timestamp,
		FetchedAt:   r.FetchedAt,
		Fresh:       r.Fresh,
	}
	if row.FetchedAt.IsZero() {
		row.FetchedAt = r.Timestamp
	}
	if r.HasSOC {
		soc := r.SOC
		row.SOC = &soc
	}
	if r.HasVoltage {
		bat, bms := r.VBat, r.VBMS
		row.VBat = &bat
		row.VBMS = &bms
	}
	return row
}

func (r *Repository) execBatch(ctx context.Context, batch *pgx.Batch) error {
	results := r.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("statement %d: %w", i, err)
		}
	}
	return results.Close()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
