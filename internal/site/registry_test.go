package site

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSitesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sites.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create test YAML file: %v", err)
	}
	return path
}

func TestLoadRegistry(t *testing.T) {
	path := writeSitesFile(t, `
sites:
  - id: "1001"
    name: Farm A
    priority: 2
  - id: "1002"
    name: Farm B
    inverter_serial: "2207123456"
    priority: 1
    monitor_voltage: false
`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	all := reg.All()
	if all[0].ID != "1001" || all[1].ID != "1002" {
		t.Errorf("All() order = %q, %q; want file order", all[0].ID, all[1].ID)
	}

	a, ok := reg.Get("1001")
	if !ok {
		t.Fatal("Get(1001) not found")
	}
	if !a.MonitorSOC || !a.MonitorVoltage {
		t.Errorf("monitor flags should default to true, got %+v", a)
	}

	b, _ := reg.Get("1002")
	if b.InverterSerial != "2207123456" {
		t.Errorf("InverterSerial = %q", b.InverterSerial)
	}
	if b.MonitorVoltage {
		t.Error("monitor_voltage: false was not honoured")
	}
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", "sites: []\n"},
		{"missing id", "sites:\n  - name: nameless\n"},
		{"duplicate id", "sites:\n  - id: a\n  - id: a\n"},
		{"nothing monitored", "sites:\n  - id: a\n    monitor_soc: false\n    monitor_voltage: false\n"},
		{"bad yaml", "sites: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadRegistry(writeSitesFile(t, tt.content)); err == nil {
				t.Errorf("LoadRegistry() expected error")
			}
		})
	}
}

func TestRegistryAllReturnsCopy(t *testing.T) {
	reg, err := NewRegistry([]Site{{ID: "a", MonitorSOC: true}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	all := reg.All()
	all[0].Name = "mutated"

	got, _ := reg.Get("a")
	if got.Name != "a" {
		t.Errorf("registry was mutated through All(): %q", got.Name)
	}
}

func TestWithSerial(t *testing.T) {
	s := Site{ID: "a", InverterSerial: "old"}

	if got := s.WithSerial("new").InverterSerial; got != "new" {
		t.Errorf("WithSerial(new) = %q", got)
	}
	if got := s.WithSerial("").InverterSerial; got != "old" {
		t.Errorf("WithSerial(\"\") should keep existing serial, got %q", got)
	}
	if s.InverterSerial != "old" {
		t.Error("WithSerial must not modify the receiver")
	}
}
