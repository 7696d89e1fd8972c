package generator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// RealtimeProductionRecord is one 5-second production-line snapshot.
type RealtimeProductionRecord struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Timestamp          time.Time `json:"timestamp"`
	LineCode           string    `json:"line_code"`
	EquipmentCode      string    `json:"equipment_code"`
	ProductionOrderNo  string    `json:"production_order_no"`
	ProductCode        string    `json:"product_code"`
	TaktCount          int       `json:"takt_count"`
	GoodCount          int       `json:"good_count"`
	DefectCount        int       `json:"defect_count"`
	CycleTimeMs        int       `json:"cycle_time_ms"`
	TargetCycleTimeMs  int       `json:"target_cycle_time_ms"`
	EquipmentStatus    string    `json:"equipment_status"`
	SpeedRPM           float64   `json:"speed_rpm"`
	TemperatureCelsius float64   `json:"temperature_celsius"`
	PressureBar        float64   `json:"pressure_bar"`
}

func (r RealtimeProductionRecord) RecordTenant() string       { return r.TenantID }
func (r RealtimeProductionRecord) RecordTimestamp() time.Time { return r.Timestamp }

// lineProduction is the per-line running state.
type lineProduction struct {
	currentProduct string
	targetRate     float64 // units per minute, 10..30
	cumProduced    int64
	cumGood        int64
	cumDefect      int64
	orderNo        string
}

// RealtimeProduction emits one snapshot per line every tick and persists it
// in the same call. Cumulative counters live across ticks, so this
// generator cannot be replayed for past timestamps.
type RealtimeProduction struct {
	tenantID string
	master   MasterSource
	runtime  *Runtime
	overlay  Adjuster
	rng      *rand.Rand

	lines map[string]*lineProduction
}

// NewRealtimeProduction creates the generator.
func NewRealtimeProduction(tenantID string, master MasterSource, rt *Runtime, overlay Adjuster, rng *rand.Rand) *RealtimeProduction {
	return &RealtimeProduction{
		tenantID: tenantID,
		master:   master,
		runtime:  rt,
		overlay:  overlay,
		rng:      rng,
		lines:    make(map[string]*lineProduction),
	}
}

func (g *RealtimeProduction) Name() string { return "realtime_production" }

// GenerateAndSave produces one row per line and inserts it.
func (g *RealtimeProduction) GenerateAndSave(ctx context.Context, store Store, now time.Time) ([]Record, error) {
	md := g.master.Get(ctx)
	if len(md.Lines) == 0 {
		return nil, nil
	}

	now = now.UTC()
	records := make([]Record, 0, len(md.Lines))

	for _, line := range md.Lines {
		state, ok := g.lines[line.LineCode]
		if !ok {
			state = &lineProduction{
				targetRate: uniform(g.rng, 10, 30),
			}
			if len(md.Products) > 0 {
				state.currentProduct = md.Products[g.rng.Intn(len(md.Products))].ProductCode
			}
			state.orderNo = fmt.Sprintf("PO%s-%s-%03d", now.Format("20060102"), line.LineCode, uniformInt(g.rng, 1, 999))
			g.lines[line.LineCode] = state
		}

		running := g.rng.Float64() < 0.9
		status := "idle"
		produced, defects := 0, 0

		if running {
			status = "running"
			rate := applyVariance(g.rng, state.targetRate, g.runtime.ProductionVariance())
			// 5-second share of a per-minute rate.
			produced = int(rate / 12)

			defectRate := adjust(g.overlay, now, map[string]interface{}{
				"line": map[string]interface{}{"code": line.LineCode, "rate": rate},
			}, "defect_rate", g.runtime.BaseDefectRate())

			for i := 0; i < produced; i++ {
				if g.rng.Float64() < defectRate {
					defects++
				}
			}
		}

		good := produced - defects
		state.cumProduced += int64(produced)
		state.cumGood += int64(good)
		state.cumDefect += int64(defects)

		targetCycleMs := int(60000 / state.targetRate)
		cycleMs := 0
		if produced > 0 {
			cycleMs = int(applyVariance(g.rng, float64(targetCycleMs), 0.05))
		}

		var equipmentCode string
		if eqs := md.EquipmentOnLine(line.LineCode); len(eqs) > 0 {
			equipmentCode = eqs[g.rng.Intn(len(eqs))].EquipmentCode
		}

		rec := RealtimeProductionRecord{
			ID:                 uuid.NewString(),
			TenantID:           g.tenantID,
			Timestamp:          now,
			LineCode:           line.LineCode,
			EquipmentCode:      equipmentCode,
			ProductionOrderNo:  state.orderNo,
			ProductCode:        state.currentProduct,
			TaktCount:          produced,
			GoodCount:          good,
			DefectCount:        defects,
			CycleTimeMs:        cycleMs,
			TargetCycleTimeMs:  targetCycleMs,
			EquipmentStatus:    status,
			SpeedRPM:           round(uniform(g.rng, 800, 1500), 1),
			TemperatureCelsius: round(uniform(g.rng, 35, 55), 1),
			PressureBar:        round(uniform(g.rng, 4.0, 6.0), 2),
		}

		_, err := store.Exec(ctx, `
			INSERT INTO mes_realtime_production
				(id, tenant_id, timestamp, line_code, equipment_code, production_order_no,
				 product_code, takt_count, good_count, defect_count, cycle_time_ms,
				 target_cycle_time_ms, equipment_status, speed_rpm, temperature_celsius,
				 pressure_bar, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW())
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.TenantID, rec.Timestamp, rec.LineCode, nullIfEmpty(rec.EquipmentCode),
			nullIfEmpty(rec.ProductionOrderNo), nullIfEmpty(rec.ProductCode), rec.TaktCount,
			rec.GoodCount, rec.DefectCount, rec.CycleTimeMs, rec.TargetCycleTimeMs,
			rec.EquipmentStatus, rec.SpeedRPM, rec.TemperatureCelsius, rec.PressureBar)
		if err != nil {
			return records, fmt.Errorf("failed to insert realtime production for %s: %w", line.LineCode, err)
		}

		records = append(records, rec)
	}

	return records, nil
}

// nullIfEmpty maps "" to SQL NULL for optional text columns.
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
