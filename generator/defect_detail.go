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

// defectCode pairs a defect code with its category and description.
type defectCode struct {
	Code        string
	Category    string
	Description string
}

// defectCodes is the authoritative SMT defect catalogue.
var defectCodes = []defectCode{
	{"BRIDGE", "solder", "Solder bridge"},
	{"INSUF", "solder", "Insufficient solder"},
	{"COLD", "solder", "Cold joint"},
	{"CRACK", "solder", "Solder crack"},
	{"VOID", "solder", "Void"},
	{"MISSING", "component", "Missing component"},
	{"TOMBSTONE", "component", "Tombstone"},
	{"SHIFT", "placement", "Placement shift"},
	{"POLARITY", "component", "Wrong polarity"},
	{"ROTATE", "placement", "Rotation error"},
	{"SHORT", "short", "Short"},
	{"OPEN", "open", "Open"},
	{"CONTAM", "contamination", "Contamination"},
	{"SCRATCH", "mechanical", "Scratch"},
	{"BENT", "mechanical", "Bent"},
}

var detectionPoints = []WeightedItem{
	{"spi", 0.25}, {"aoi", 0.30}, {"xray", 0.10},
	{"ict", 0.15}, {"fct", 0.10}, {"visual", 0.10},
}

var componentPrefixes = []string{"R", "C", "U", "Q", "L", "D", "J", "SW", "F", "FB"}

// defectEventWeights governs how many defect events one tick produces (0-5).
var defectEventWeights = []float64{0.30, 0.35, 0.20, 0.10, 0.04, 0.01}

// DefectDetailRecord is one detected defect.
type DefectDetailRecord struct {
	TenantID          string    `json:"tenant_id"`
	ProductionOrderNo string    `json:"production_order_no"`
	ProductCode       string    `json:"product_code"`
	DefectTimestamp   time.Time `json:"defect_timestamp"`
	DetectionPoint    string    `json:"detection_point"`
	LineCode          string    `json:"line_code"`
	EquipmentCode     string    `json:"equipment_code"`
	DefectCode        string    `json:"defect_code"`
	DefectCategory    string    `json:"defect_category"`
	Severity          string    `json:"severity"`
	DefectQty         int       `json:"defect_qty"`
	PanelID           string    `json:"panel_id"`
	PCBSerial         string    `json:"pcb_serial"`
	ComponentRef      string    `json:"component_ref"`
	XMm               float64   `json:"x_mm"`
	YMm               float64   `json:"y_mm"`
	LotNo             string    `json:"lot_no"`
	RepairResult      string    `json:"repair_result"`
	RootCauseCategory string    `json:"root_cause_category"`
	WorkerID          string    `json:"worker_id"`

	id string
}

func (r DefectDetailRecord) RecordTenant() string       { return r.TenantID }
func (r DefectDetailRecord) RecordTimestamp() time.Time { return r.DefectTimestamp }

// DefectDetail samples 0-5 defect events per tick across the plant.
// Split shape: replayable for past timestamps.
type DefectDetail struct {
	tenantID string
	master   MasterSource
	runtime  *Runtime
	overlay  Adjuster
	rng      *rand.Rand
}

// NewDefectDetail creates the generator.
func NewDefectDetail(tenantID string, master MasterSource, rt *Runtime, overlay Adjuster, rng *rand.Rand) *DefectDetail {
	return &DefectDetail{
		tenantID: tenantID,
		master:   master,
		runtime:  rt,
		overlay:  overlay,
		rng:      rng,
	}
}

func (g *DefectDetail) Name() string { return "defect_detail" }

// MaxRecordsPerTick is the upper bound on records one tick can emit.
func (g *DefectDetail) MaxRecordsPerTick() int { return len(defectEventWeights) - 1 }

// Generate samples the defect events for the given timestamp.
func (g *DefectDetail) Generate(ctx context.Context, ts time.Time) []Record {
	md := g.master.Get(ctx)
	if len(md.Lines) == 0 || len(md.Equipment) == 0 {
		return nil
	}

	ts = ts.UTC()

	// The overlay can push the expected event count up during a defect
	// spike; scale the weighted draw by the adjusted factor.
	count := weightedIndex(g.rng, defectEventWeights)
	factor := adjust(g.overlay, ts, map[string]interface{}{
		"defect": map[string]interface{}{"base_rate": g.runtime.BaseDefectRate()},
	}, "defect_event_count", 1.0)
	if factor > 1 {
		count = int(float64(count)*factor + 0.5)
		if count > 2*g.MaxRecordsPerTick() {
			count = 2 * g.MaxRecordsPerTick()
		}
	}

	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		records = append(records, g.sampleDefect(md, ts))
	}
	return records
}

func (g *DefectDetail) sampleDefect(md *database.MasterData, ts time.Time) DefectDetailRecord {
	line := md.Lines[g.rng.Intn(len(md.Lines))]

	equipment := md.Equipment[g.rng.Intn(len(md.Equipment))]
	if onLine := md.EquipmentOnLine(line.LineCode); len(onLine) > 0 {
		equipment = onLine[g.rng.Intn(len(onLine))]
	}

	var product string
	if len(md.Products) > 0 {
		product = md.Products[g.rng.Intn(len(md.Products))].ProductCode
	}

	code := defectCodes[g.rng.Intn(len(defectCodes))]
	severity := []string{"critical", "major", "minor"}[weightedIndex(g.rng, []float64{0.05, 0.25, 0.70})]
	repair := []string{"repaired", "scrapped", "pending"}[weightedIndex(g.rng, []float64{0.65, 0.15, 0.20})]
	rootCause := []string{"Man", "Machine", "Material", "Method"}[weightedIndex(g.rng, []float64{0.15, 0.35, 0.25, 0.25})]
	qty := []int{1, 2, 3}[weightedIndex(g.rng, []float64{0.85, 0.12, 0.03})]

	componentRef := fmt.Sprintf("%s%d",
		componentPrefixes[g.rng.Intn(len(componentPrefixes))],
		uniformInt(g.rng, 1, 999))

	return DefectDetailRecord{
		id:                uuid.NewString(),
		TenantID:          g.tenantID,
		ProductionOrderNo: fmt.Sprintf("PO%s-%s-%04d", ts.Format("20060102"), line.LineCode, uniformInt(g.rng, 1, 500)),
		ProductCode:       product,
		DefectTimestamp:   ts,
		DetectionPoint:    weightedChoice(g.rng, detectionPoints),
		LineCode:          line.LineCode,
		EquipmentCode:     equipment.EquipmentCode,
		DefectCode:        code.Code,
		DefectCategory:    code.Category,
		Severity:          severity,
		DefectQty:         qty,
		PanelID:           fmt.Sprintf("PNL%s-%04d", ts.Format("20060102"), uniformInt(g.rng, 1, 9999)),
		PCBSerial:         fmt.Sprintf("PCB%s%06d", ts.Format("060102"), uniformInt(g.rng, 1, 999999)),
		ComponentRef:      componentRef,
		XMm:               round(uniform(g.rng, 0, 200), 2),
		YMm:               round(uniform(g.rng, 0, 150), 2),
		LotNo:             fmt.Sprintf("LOT%s-%03d", ts.Format("20060102"), uniformInt(g.rng, 100, 999)),
		RepairResult:      repair,
		RootCauseCategory: rootCause,
		WorkerID:          fmt.Sprintf("W%03d", uniformInt(g.rng, 100, 999)),
	}
}

// Save inserts the defect rows. Panel identity and coordinates travel in
// the defect_location JSON column.
func (g *DefectDetail) Save(ctx context.Context, store Store, records []Record) (int, error) {
	saved := 0
	for _, r := range records {
		rec, ok := r.(DefectDetailRecord)
		if !ok {
			return saved, fmt.Errorf("unexpected record type %T", r)
		}

		location, err := json.Marshal(map[string]interface{}{
			"panel_id":      rec.PanelID,
			"pcb_serial":    rec.PCBSerial,
			"component_ref": rec.ComponentRef,
			"x_mm":          rec.XMm,
			"y_mm":          rec.YMm,
		})
		if err != nil {
			return saved, fmt.Errorf("failed to marshal defect location: %w", err)
		}

		_, err = store.Exec(ctx, `
			INSERT INTO mes_defect_detail
				(id, tenant_id, production_order_no, product_code, defect_timestamp,
				 detection_point, line_code, equipment_code, defect_code, defect_category,
				 severity, defect_qty, defect_location, lot_no, repair_result,
				 root_cause_category, worker_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW())
			ON CONFLICT (id) DO NOTHING`,
			rec.id, rec.TenantID, rec.ProductionOrderNo, rec.ProductCode, rec.DefectTimestamp,
			rec.DetectionPoint, rec.LineCode, rec.EquipmentCode, rec.DefectCode,
			rec.DefectCategory, rec.Severity, rec.DefectQty, string(location), rec.LotNo,
			rec.RepairResult, rec.RootCauseCategory, rec.WorkerID)
		if err != nil {
			return saved, fmt.Errorf("failed to insert defect detail: %w", err)
		}
		saved++
	}
	return saved, nil
}
