package generator

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeProductionSnapshots(t *testing.T) {
	rt := NewRuntime(0.02, 0.10)
	gen := NewRealtimeProduction("tenant-1", newTestMaster(), rt, nil, testRNG())
	ctx := context.Background()
	store := &memStore{}

	cum := map[string]int{}
	sawRunning, sawIdle := false, false

	for tick := 0; tick < 200; tick++ {
		now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC).Add(time.Duration(tick) * 5 * time.Second)
		records, err := gen.GenerateAndSave(ctx, store, now)
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		if len(records) != 2 {
			t.Fatalf("tick %d: got %d records, want one per line", tick, len(records))
		}

		for _, r := range records {
			rec := r.(RealtimeProductionRecord)
			if rec.TenantID != "tenant-1" {
				t.Fatalf("tenant = %q", rec.TenantID)
			}
			if rec.GoodCount+rec.DefectCount != rec.TaktCount {
				t.Fatalf("good %d + defect %d != takt %d", rec.GoodCount, rec.DefectCount, rec.TaktCount)
			}
			switch rec.EquipmentStatus {
			case "running":
				sawRunning = true
			case "idle":
				sawIdle = true
				if rec.TaktCount != 0 {
					t.Fatalf("idle line produced %d units", rec.TaktCount)
				}
			default:
				t.Fatalf("unexpected status %q", rec.EquipmentStatus)
			}
			if rec.TaktCount == 0 && rec.CycleTimeMs != 0 {
				t.Errorf("cycle time %d with no production", rec.CycleTimeMs)
			}
			if rec.TargetCycleTimeMs < 2000 || rec.TargetCycleTimeMs > 6000 {
				t.Errorf("target cycle %d outside rate 10..30 per minute", rec.TargetCycleTimeMs)
			}
			if rec.ProductionOrderNo == "" || rec.ProductCode == "" {
				t.Errorf("missing order or product on %s", rec.LineCode)
			}
			cum[rec.LineCode] += rec.TaktCount
		}
	}

	if !sawRunning || !sawIdle {
		t.Errorf("expected both running and idle ticks, saw running=%v idle=%v", sawRunning, sawIdle)
	}
	total := 0
	for _, n := range cum {
		total += n
	}
	if total == 0 {
		t.Errorf("no units produced over 200 ticks")
	}
	if store.execCount() != 200*2 {
		t.Errorf("store saw %d inserts, want %d", store.execCount(), 200*2)
	}
}

func TestRealtimeProductionEmptyMaster(t *testing.T) {
	rt := NewRuntime(0.02, 0.10)
	gen := NewRealtimeProduction("tenant-1", emptyMaster(), rt, nil, testRNG())
	store := &memStore{}

	records, err := gen.GenerateAndSave(context.Background(), store, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 || store.execCount() != 0 {
		t.Fatalf("empty master produced %d records, %d inserts", len(records), store.execCount())
	}
}

func TestRealtimeProductionOverlayRaisesDefects(t *testing.T) {
	rt := NewRuntime(0.02, 0.10)
	// Force every unit defective.
	overlay := adjusterFunc(func(now time.Time, ctx map[string]interface{}, target string, base float64) float64 {
		if target == "defect_rate" {
			return 1.0
		}
		return base
	})
	gen := NewRealtimeProduction("tenant-1", newTestMaster(), rt, overlay, testRNG())
	store := &memStore{}

	for tick := 0; tick < 50; tick++ {
		now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC).Add(time.Duration(tick) * 5 * time.Second)
		records, err := gen.GenerateAndSave(context.Background(), store, now)
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		for _, r := range records {
			rec := r.(RealtimeProductionRecord)
			if rec.GoodCount != 0 {
				t.Fatalf("defect rate 1.0 still yielded %d good units", rec.GoodCount)
			}
		}
	}
}
