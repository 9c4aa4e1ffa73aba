package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// SiteStatus is one row of the site_status sink table, keyed by site ID
type SiteStatus struct {
	SiteID          string
	SiteName        string
	InverterSerial  string
	Priority        int
	Status          string
	DataFresh       bool
	LastSeen        *time.Time
	LowestSOC       *float64
	LowestAt        *time.Time
	CurrentSOC      *float64
	CurrentAt       *time.Time
	VBat            *decimal.Decimal
	VBMS            *decimal.Decimal
	VoltageDiff     *decimal.Decimal
	VoltageAt       *time.Time
	MaxVoltageDiff  *decimal.Decimal
	YesterdayMaxSOC *float64
	CycleID         uuid.UUID
	UpdatedAt       time.Time
}

// InverterReading is a raw reading retained for auditing and pruned daily
type InverterReading struct {
	ID          uuid.UUID
	CycleID     uuid.UUID
	SiteID      string
	ReadingTime time.Time
	FetchedAt   time.Time
	SOC         *float64
	VBat        *float64
	VBMS        *float64
	Fresh       bool
}

const schema = `
CREATE TABLE IF NOT EXISTS site_status (
	site_id           TEXT PRIMARY KEY,
	site_name         TEXT NOT NULL,
	inverter_serial   TEXT NOT NULL DEFAULT '',
	priority          INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	data_fresh        BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen         TIMESTAMPTZ,
	lowest_soc        DOUBLE PRECISION,
	lowest_at         TIMESTAMPTZ,
	current_soc       DOUBLE PRECISION,
	current_at        TIMESTAMPTZ,
	v_bat             NUMERIC(8, 2),
	v_bms             NUMERIC(8, 2),
	v_diff            NUMERIC(8, 2),
	voltage_at        TIMESTAMPTZ,
	max_v_diff        NUMERIC(8, 2),
	yesterday_max_soc DOUBLE PRECISION,
	cycle_id          UUID NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS inverter_readings (
	id           UUID PRIMARY KEY,
	cycle_id     UUID NOT NULL,
	site_id      TEXT NOT NULL,
	reading_time TIMESTAMPTZ NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	soc          DOUBLE PRECISION,
	v_bat        DOUBLE PRECISION,
	v_bms        DOUBLE PRECISION,
	fresh        BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS inverter_readings_fetched_at_idx ON inverter_readings (fetched_at);
CREATE INDEX IF NOT EXISTS inverter_readings_site_idx ON inverter_readings (site_id, reading_time DESC);
`

// EnsureSchema creates the worker's tables if they do not exist
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
