package generator

import (
	"context"
	"testing"
	"time"
)

func TestEquipmentStatusMarkovChain(t *testing.T) {
	gen := NewEquipmentStatus("tenant-1", newTestMaster(), nil, testRNG())
	ctx := context.Background()
	store := &memStore{}

	last := map[string]string{}
	for tick := 0; tick < 300; tick++ {
		now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC).Add(time.Duration(tick) * 10 * time.Second)
		records, err := gen.GenerateAndSave(ctx, store, now)
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		if len(records) != 4 {
			t.Fatalf("tick %d: got %d records, want one per equipment", tick, len(records))
		}

		for _, r := range records {
			rec := r.(EquipmentStatusRecord)
			if rec.TenantID != "tenant-1" {
				t.Fatalf("tenant = %q", rec.TenantID)
			}
			if _, ok := statusTransitions[rec.Status]; !ok {
				t.Fatalf("unknown status %q", rec.Status)
			}

			// Each step must be a legal transition from the previous one.
			if prev, ok := last[rec.EquipmentCode]; ok {
				if rec.PreviousStatus != prev {
					t.Fatalf("%s previous_status = %q, want %q", rec.EquipmentCode, rec.PreviousStatus, prev)
				}
				legal := false
				for _, target := range statusTransitions[prev] {
					if target.Value == rec.Status {
						legal = true
					}
				}
				if !legal {
					t.Fatalf("illegal transition %s -> %s", prev, rec.Status)
				}
			}
			last[rec.EquipmentCode] = rec.Status

			if rec.Status == statusRunning && rec.SpeedRPM == 0 {
				t.Errorf("%s running with zero speed", rec.EquipmentCode)
			}
			if rec.Status != statusRunning && rec.SpeedRPM != 0 {
				t.Errorf("%s %s with speed %v", rec.EquipmentCode, rec.Status, rec.SpeedRPM)
			}
		}
	}

	if store.execCount() != 300*4 {
		t.Errorf("store saw %d inserts, want %d", store.execCount(), 300*4)
	}
}

func TestEvaluateAlarm(t *testing.T) {
	gen := NewEquipmentStatus("tenant-1", newTestMaster(), nil, testRNG())

	cases := []struct {
		name     string
		state    equipmentState
		severity string
	}{
		{"normal", equipmentState{temperature: 60, pressure: 5, vibration: 3}, ""},
		{"warm", equipmentState{temperature: 86, pressure: 5, vibration: 3}, "warning"},
		{"hot", equipmentState{temperature: 96, pressure: 5, vibration: 3}, "critical"},
		{"pressure warning", equipmentState{temperature: 60, pressure: 6.6, vibration: 3}, "warning"},
		{"pressure critical", equipmentState{temperature: 60, pressure: 8.1, vibration: 3}, "critical"},
		{"vibration warning", equipmentState{temperature: 60, pressure: 5, vibration: 8.5}, "warning"},
		{"vibration critical", equipmentState{temperature: 60, pressure: 5, vibration: 12.5}, "critical"},
	}

	for _, c := range cases {
		code, message, severity := gen.evaluateAlarm(&c.state)
		if severity != c.severity {
			t.Errorf("%s: severity = %q, want %q", c.name, severity, c.severity)
		}
		if c.severity == "" && (code != "" || message != "") {
			t.Errorf("%s: normal state produced alarm %q %q", c.name, code, message)
		}
		if c.severity != "" && code == "" {
			t.Errorf("%s: alarm without code", c.name)
		}
	}
}
