package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"factorysim/database"

	"github.com/google/uuid"
)

// downtimeReasons carries the fixed split weights for lost minutes.
var downtimeReasons = []WeightedItem{
	{"breakdown", 0.15},
	{"planned_maintenance", 0.10},
	{"setup", 0.20},
	{"changeover", 0.15},
	{"material_shortage", 0.10},
	{"quality_issue", 0.10},
	{"operator_absence", 0.05},
	{"waiting", 0.15},
}

// OEERecord is one hourly OEE contribution for an equipment, date and shift.
// Persisted as an accumulating upsert keyed on (tenant, date, shift,
// equipment).
type OEERecord struct {
	TenantID        string    `json:"tenant_id"`
	CalculationDate time.Time `json:"calculation_date"`
	ShiftCode       int       `json:"shift_code"`
	EquipmentCode   string    `json:"equipment_code"`
	LineCode        string    `json:"line_code"`

	PlannedTimeMin   float64 `json:"planned_time_min"`
	ActualRunTimeMin float64 `json:"actual_run_time_min"`
	DowntimeMin      float64 `json:"downtime_min"`
	SetupTimeMin     float64 `json:"setup_time_min"`
	IdleTimeMin      float64 `json:"idle_time_min"`

	TotalCount  int `json:"total_count"`
	GoodCount   int `json:"good_count"`
	DefectCount int `json:"defect_count"`

	IdealCycleSec  float64 `json:"ideal_cycle_sec"`
	ActualCycleSec float64 `json:"actual_cycle_sec"`

	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	Quality      float64 `json:"quality"`
	OEE          float64 `json:"oee"`

	DowntimeBreakdown map[string]float64 `json:"downtime_breakdown"`
	DefectBreakdown   map[string]int     `json:"defect_breakdown"`

	CalculatedAt time.Time `json:"calculated_at"`
}

func (r OEERecord) RecordTenant() string       { return r.TenantID }
func (r OEERecord) RecordTimestamp() time.Time { return r.CalculatedAt }

// OEECalculator synthesizes hourly OEE rows per equipment. Split shape.
type OEECalculator struct {
	tenantID string
	master   MasterSource
	overlay  Adjuster
	rng      *rand.Rand
}

// NewOEECalculator creates the generator.
func NewOEECalculator(tenantID string, master MasterSource, overlay Adjuster, rng *rand.Rand) *OEECalculator {
	return &OEECalculator{tenantID: tenantID, master: master, overlay: overlay, rng: rng}
}

func (g *OEECalculator) Name() string { return "oee_calculation" }

// Generate produces one OEE record per equipment for the hour ending at ts.
func (g *OEECalculator) Generate(ctx context.Context, ts time.Time) []Record {
	md := g.master.Get(ctx)
	if len(md.Lines) == 0 || len(md.Equipment) == 0 {
		return nil
	}

	ts = ts.UTC()
	records := make([]Record, 0, len(md.Equipment))
	for _, eq := range md.Equipment {
		records = append(records, g.calculate(eq, ts))
	}
	return records
}

func (g *OEECalculator) calculate(eq database.Equipment, ts time.Time) OEERecord {
	const plannedMin = 60.0

	availabilityTarget := adjust(g.overlay, ts, map[string]interface{}{
		"equipment":   map[string]interface{}{"code": eq.EquipmentCode, "type": eq.EquipmentType},
		"environment": map[string]interface{}{"hour": ts.Hour()},
	}, "availability", uniform(g.rng, 0.70, 0.95))
	if availabilityTarget > 1 {
		availabilityTarget = 1
	}
	if availabilityTarget < 0 {
		availabilityTarget = 0
	}

	actualRun := plannedMin * availabilityTarget
	downtime := plannedMin - actualRun

	// Split downtime across reasons, jittered, each at least half a minute.
	breakdown := make(map[string]float64, len(downtimeReasons))
	var setupTime, idleTime float64
	remaining := downtime
	for i, reason := range downtimeReasons {
		var minutes float64
		if i == len(downtimeReasons)-1 {
			minutes = remaining
		} else {
			minutes = downtime * reason.Weight * uniform(g.rng, 0.5, 1.5)
			if minutes > remaining {
				minutes = remaining
			}
		}
		if minutes < 0.5 {
			minutes = 0.5
			if minutes > remaining {
				minutes = remaining
			}
		}
		remaining -= minutes
		minutes = round(minutes, 2)
		breakdown[reason.Value] = minutes

		switch reason.Value {
		case "setup", "changeover":
			setupTime += minutes
		case "waiting", "operator_absence":
			idleTime += minutes
		}
	}

	rate := uniform(g.rng, 20, 30) // units per minute
	total := int(actualRun * rate)
	qualityTarget := uniform(g.rng, 0.97, 0.995)
	good := int(float64(total) * qualityTarget)
	defect := total - good

	idealCycle := uniform(g.rng, 2.0, 3.0)
	actualCycle := idealCycle * uniform(g.rng, 1.0, 1.2)

	availability := actualRun / plannedMin
	performance := 0.0
	quality := 0.0
	if actualRun > 0 {
		performance = (float64(total) * idealCycle / 60.0) / actualRun
	}
	if performance > 1 {
		performance = 1
	}
	if total > 0 {
		quality = float64(good) / float64(total)
	}

	defectBreakdown := map[string]int{}
	if defect > 0 {
		solder := int(float64(defect) * uniform(g.rng, 0.3, 0.6))
		component := int(float64(defect-solder) * uniform(g.rng, 0.3, 0.7))
		defectBreakdown["solder"] = solder
		defectBreakdown["component"] = component
		defectBreakdown["other"] = defect - solder - component
	}

	return OEERecord{
		TenantID:          g.tenantID,
		CalculationDate:   time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
		ShiftCode:         ShiftForHour(ts.Hour()),
		EquipmentCode:     eq.EquipmentCode,
		LineCode:          eq.LineCode,
		PlannedTimeMin:    plannedMin,
		ActualRunTimeMin:  round(actualRun, 2),
		DowntimeMin:       round(downtime, 2),
		SetupTimeMin:      round(setupTime, 2),
		IdleTimeMin:       round(idleTime, 2),
		TotalCount:        total,
		GoodCount:         good,
		DefectCount:       defect,
		IdealCycleSec:     round(idealCycle, 2),
		ActualCycleSec:    round(actualCycle, 2),
		Availability:      availability,
		Performance:       performance,
		Quality:           quality,
		OEE:               availability * performance * quality,
		DowntimeBreakdown: breakdown,
		DefectBreakdown:   defectBreakdown,
		CalculatedAt:      ts,
	}
}

// Save upserts the OEE rows, accumulating time and count columns and
// overwriting oee and calculated_at.
func (g *OEECalculator) Save(ctx context.Context, store Store, records []Record) (int, error) {
	saved := 0
	for _, r := range records {
		rec, ok := r.(OEERecord)
		if !ok {
			return saved, fmt.Errorf("unexpected record type %T", r)
		}

		downtimeJSON, err := json.Marshal(rec.DowntimeBreakdown)
		if err != nil {
			return saved, fmt.Errorf("failed to marshal downtime breakdown: %w", err)
		}
		defectJSON, err := json.Marshal(rec.DefectBreakdown)
		if err != nil {
			return saved, fmt.Errorf("failed to marshal defect breakdown: %w", err)
		}

		_, err = store.Exec(ctx, `
			INSERT INTO mes_equipment_oee
				(id, tenant_id, calculation_date, shift_code, equipment_code, line_code,
				 planned_time_min, actual_run_time_min, downtime_min, setup_time_min,
				 idle_time_min, total_count, good_count, defect_count, ideal_cycle_sec,
				 actual_cycle_sec, oee, downtime_breakdown, defect_breakdown, calculated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			ON CONFLICT (tenant_id, calculation_date, shift_code, equipment_code)
			DO UPDATE SET
				planned_time_min    = mes_equipment_oee.planned_time_min + EXCLUDED.planned_time_min,
				actual_run_time_min = mes_equipment_oee.actual_run_time_min + EXCLUDED.actual_run_time_min,
				downtime_min        = mes_equipment_oee.downtime_min + EXCLUDED.downtime_min,
				setup_time_min      = mes_equipment_oee.setup_time_min + EXCLUDED.setup_time_min,
				idle_time_min       = mes_equipment_oee.idle_time_min + EXCLUDED.idle_time_min,
				total_count         = mes_equipment_oee.total_count + EXCLUDED.total_count,
				good_count          = mes_equipment_oee.good_count + EXCLUDED.good_count,
				defect_count        = mes_equipment_oee.defect_count + EXCLUDED.defect_count,
				ideal_cycle_sec     = EXCLUDED.ideal_cycle_sec,
				actual_cycle_sec    = EXCLUDED.actual_cycle_sec,
				oee                 = EXCLUDED.oee,
				downtime_breakdown  = EXCLUDED.downtime_breakdown,
				defect_breakdown    = EXCLUDED.defect_breakdown,
				calculated_at       = EXCLUDED.calculated_at`,
			uuid.NewString(), rec.TenantID, rec.CalculationDate, rec.ShiftCode,
			rec.EquipmentCode, rec.LineCode, rec.PlannedTimeMin, rec.ActualRunTimeMin,
			rec.DowntimeMin, rec.SetupTimeMin, rec.IdleTimeMin, rec.TotalCount,
			rec.GoodCount, rec.DefectCount, rec.IdealCycleSec, rec.ActualCycleSec,
			rec.OEE, string(downtimeJSON), string(defectJSON), rec.CalculatedAt)
		if err != nil {
			return saved, fmt.Errorf("failed to upsert oee: %w", err)
		}
		saved++
	}
	return saved, nil
}
