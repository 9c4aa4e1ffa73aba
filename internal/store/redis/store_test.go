package redis

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
	"github.com/septivank/inverter-telemetry-worker/internal/tracker"
	"github.com/septivank/inverter-telemetry-worker/internal/validity"
)

func TestKeysUsePrefix(t *testing.T) {
	s := NewStore(nil, "itw:")
	assert.Equal(t, "itw:validity", s.ValidityKey())
	assert.Equal(t, "itw:tracker", s.TrackerKey())
}

func TestHashCodec_ValidityRecords(t *testing.T) {
	checked := time.Date(2025, 3, 4, 5, 30, 0, 0, time.UTC)
	in := map[string]validity.Record{
		"a": {Valid: true, CheckedAt: checked, InverterSerial: "SN-1"},
		"b": {Valid: false, CheckedAt: checked, Stale: true},
	}

	fields, err := encodeHash(in)
	require.NoError(t, err)
	require.Len(t, fields, 4)

	raw := make(map[string]string)
	for i := 0; i < len(fields); i += 2 {
		raw[fields[i].(string)] = fields[i+1].(string)
	}

	out, err := decodeHash[validity.Record](raw)
	require.NoError(t, err)
	assert.Equal(t, "SN-1", out["a"].InverterSerial)
	assert.True(t, out["b"].Stale)
	assert.True(t, checked.Equal(out["a"].CheckedAt))
}

func TestHashCodec_TrackerStateKeepsExactDecimals(t *testing.T) {
	y := 80.0
	in := map[string]tracker.SiteState{
		"a": {
			HasSOC:         true,
			TodayLow:       40,
			YesterdayMax:   &y,
			MaxVoltageDiff: decimal.RequireFromString("0.3"),
			RollDate:       telemetry.Date{Year: 2025, Month: time.March, Day: 4},
		},
	}

	fields, err := encodeHash(in)
	require.NoError(t, err)

	out, err := decodeHash[tracker.SiteState](map[string]string{"a": fields[1].(string)})
	require.NoError(t, err)
	assert.Equal(t, "0.3", out["a"].MaxVoltageDiff.String())
	require.NotNil(t, out["a"].YesterdayMax)
	assert.Equal(t, 80.0, *out["a"].YesterdayMax)
	assert.Equal(t, in["a"].RollDate, out["a"].RollDate)
}

func TestDecodeHash_SkipsCorruptEntries(t *testing.T) {
	out, err := decodeHash[validity.Record](map[string]string{
		"good": `{"valid":true}`,
		"bad":  `{"valid":`,
	})
	assert.Error(t, err)
	assert.Contains(t, out, "good")
	assert.NotContains(t, out, "bad")
}

func TestConnect_RejectsInvalidOptions(t *testing.T) {
	base := ConnectOptions{
		Addr:           "localhost:6379",
		ConnectTimeout: time.Second,
		RetryInterval:  100 * time.Millisecond,
		MaxWait:        time.Second,
		PingTimeout:    time.Second,
	}

	tests := []struct {
		name   string
		mutate func(o *ConnectOptions)
	}{
		{"no addr", func(o *ConnectOptions) { o.Addr = "" }},
		{"no timeout", func(o *ConnectOptions) { o.ConnectTimeout = 0 }},
		{"no retry interval", func(o *ConnectOptions) { o.RetryInterval = 0 }},
		{"max wait below interval", func(o *ConnectOptions) { o.MaxWait = time.Millisecond }},
		{"no ping timeout", func(o *ConnectOptions) { o.PingTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			_, err := Connect(context.Background(), opts, zaptest.NewLogger(t))
			assert.Error(t, err)
		})
	}
}

func TestConnect_GivesUpAfterTimeout(t *testing.T) {
	opts := ConnectOptions{
		// reserved port with nothing listening
		Addr:           "127.0.0.1:1",
		ConnectTimeout: 300 * time.Millisecond,
		RetryInterval:  50 * time.Millisecond,
		MaxWait:        100 * time.Millisecond,
		PingTimeout:    50 * time.Millisecond,
	}

	start := time.Now()
	_, err := Connect(context.Background(), opts, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[REDIS]")
	assert.Less(t, time.Since(start), 5*time.Second)
}
