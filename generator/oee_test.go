package generator

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func TestOEEInvariants(t *testing.T) {
	gen := NewOEECalculator("tenant-1", newTestMaster(), nil, testRNG())
	ctx := context.Background()

	for tick := 0; tick < 20; tick++ {
		ts := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC).Add(time.Duration(tick) * time.Hour)
		records := gen.Generate(ctx, ts)
		if len(records) != 4 {
			t.Fatalf("got %d records, want one per equipment", len(records))
		}

		for _, r := range records {
			rec := r.(OEERecord)
			if rec.TenantID != "tenant-1" {
				t.Fatalf("tenant = %q", rec.TenantID)
			}
			if rec.Availability < 0 || rec.Availability > 1 {
				t.Errorf("availability out of [0,1]: %v", rec.Availability)
			}
			if rec.Performance < 0 || rec.Performance > 1 {
				t.Errorf("performance out of [0,1]: %v", rec.Performance)
			}
			if rec.Quality < 0 || rec.Quality > 1 {
				t.Errorf("quality out of [0,1]: %v", rec.Quality)
			}
			want := rec.Availability * rec.Performance * rec.Quality
			if math.Abs(rec.OEE-want) > 1e-9 {
				t.Errorf("oee = %v, want a*p*q = %v", rec.OEE, want)
			}
			if rec.OEE < 0 || rec.OEE > 1 {
				t.Errorf("oee out of [0,1]: %v", rec.OEE)
			}

			if rec.GoodCount+rec.DefectCount != rec.TotalCount {
				t.Errorf("good %d + defect %d != total %d", rec.GoodCount, rec.DefectCount, rec.TotalCount)
			}
			if rec.ActualRunTimeMin+rec.DowntimeMin > rec.PlannedTimeMin+0.01 {
				t.Errorf("run %v + downtime %v exceeds planned %v",
					rec.ActualRunTimeMin, rec.DowntimeMin, rec.PlannedTimeMin)
			}
			if rec.ShiftCode != ShiftForHour(ts.Hour()) {
				t.Errorf("shift = %d for hour %d", rec.ShiftCode, ts.Hour())
			}
			if rec.CalculationDate.Hour() != 0 {
				t.Errorf("calculation_date not truncated to midnight: %v", rec.CalculationDate)
			}

			var breakdownSum float64
			for _, min := range rec.DowntimeBreakdown {
				if min < 0 {
					t.Errorf("negative downtime minutes: %v", rec.DowntimeBreakdown)
				}
				breakdownSum += min
			}
			if breakdownSum > rec.DowntimeMin+1.0 {
				t.Errorf("breakdown sum %v far exceeds downtime %v", breakdownSum, rec.DowntimeMin)
			}
		}
	}
}

func TestOEESaveIsUpsert(t *testing.T) {
	gen := NewOEECalculator("tenant-1", newTestMaster(), nil, testRNG())
	ctx := context.Background()
	store := &memStore{}

	records := gen.Generate(ctx, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	n, err := gen.Save(ctx, store, records)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n != len(records) {
		t.Errorf("saved %d, want %d", n, len(records))
	}
	for _, q := range store.execs {
		if !strings.Contains(q, "ON CONFLICT (tenant_id, calculation_date, shift_code, equipment_code)") {
			t.Errorf("oee insert is not the accumulating upsert:\n%s", q)
		}
		if !strings.Contains(q, "total_count         = mes_equipment_oee.total_count + EXCLUDED.total_count") {
			t.Errorf("count columns do not accumulate:\n%s", q)
		}
	}
}

func TestOEEOverlayClampsAvailability(t *testing.T) {
	// An adjuster pushing availability above 1 must be clamped.
	boost := adjusterFunc(func(now time.Time, context map[string]interface{}, target string, base float64) float64 {
		if target == "availability" {
			return base * 5
		}
		return base
	})

	gen := NewOEECalculator("tenant-1", newTestMaster(), boost, testRNG())
	records := gen.Generate(context.Background(), time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	for _, r := range records {
		rec := r.(OEERecord)
		if rec.Availability > 1 {
			t.Errorf("availability %v not clamped", rec.Availability)
		}
		if rec.DowntimeMin < 0 {
			t.Errorf("negative downtime %v", rec.DowntimeMin)
		}
	}
}
