package db

import "testing"

func TestMaskPassword(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "<empty>"},
		{"postgres://worker:secret@db:5432/telemetry", "postgres://worker:xxxxx@db:5432/telemetry"},
		{"postgres://worker@db:5432/telemetry", "postgres://worker@db:5432/telemetry"},
		{"postgres://db:5432/telemetry?sslmode=disable", "postgres://db:5432/telemetry?sslmode=disable"},
		{"postgres://worker:se%zzcret@db:5432/telemetry", redactedDSN},
		{"host=db user=worker password=secret dbname=telemetry", redactedDSN},
	}

	for _, tt := range tests {
		if got := maskPassword(tt.in); got != tt.want {
			t.Errorf("maskPassword(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
