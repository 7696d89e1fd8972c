package generator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// routingStep is one operation of the fixed SMT routing.
type routingStep struct {
	Seq  int
	Name string
}

// smtRouting is the 7-step routing every line advances through.
var smtRouting = []routingStep{
	{10, "Print"}, {20, "SPI"}, {30, "Mount"}, {40, "Reflow"},
	{50, "AOI"}, {60, "Assembly"}, {70, "FinalTest"},
}

// ProductionResultRecord is one per-line production result row.
type ProductionResultRecord struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ProductionOrderNo string    `json:"production_order_no"`
	ResultTimestamp   time.Time `json:"result_timestamp"`
	Shift             int       `json:"shift"`
	LineCode          string    `json:"line_code"`
	EquipmentCode     string    `json:"equipment_code"`
	OperationSeq      int       `json:"operation_seq"`
	OperationName     string    `json:"operation_name"`
	ProductCode       string    `json:"product_code"`
	LotNo             string    `json:"lot_no"`
	InputQty          int       `json:"input_qty"`
	OutputQty         int       `json:"output_qty"`
	GoodQty           int       `json:"good_qty"`
	DefectQty         int       `json:"defect_qty"`
	ScrapQty          int       `json:"scrap_qty"`
	CycleTimeSec      float64   `json:"cycle_time_sec"`
	WorkerID          string    `json:"worker_id"`
}

func (r ProductionResultRecord) RecordTenant() string       { return r.TenantID }
func (r ProductionResultRecord) RecordTimestamp() time.Time { return r.ResultTimestamp }

// lineRouting tracks where a line is in the routing and which order it is
// working on.
type lineRouting struct {
	opIndex      int
	orderCounter int
	product      string
}

// ProductionResult emits one result row per line per tick, advancing the
// line's routing cursor with p=0.1. Split shape: Generate accepts an
// explicit timestamp so gap-fill can replay past intervals.
type ProductionResult struct {
	tenantID string
	master   MasterSource
	overlay  Adjuster
	rng      *rand.Rand

	lines map[string]*lineRouting
}

// NewProductionResult creates the generator.
func NewProductionResult(tenantID string, master MasterSource, overlay Adjuster, rng *rand.Rand) *ProductionResult {
	return &ProductionResult{
		tenantID: tenantID,
		master:   master,
		overlay:  overlay,
		rng:      rng,
		lines:    make(map[string]*lineRouting),
	}
}

func (g *ProductionResult) Name() string { return "production_result" }

// Generate produces one record per line for the given timestamp.
func (g *ProductionResult) Generate(ctx context.Context, ts time.Time) []Record {
	md := g.master.Get(ctx)
	if len(md.Lines) == 0 {
		return nil
	}

	ts = ts.UTC()
	records := make([]Record, 0, len(md.Lines))

	for _, line := range md.Lines {
		state, ok := g.lines[line.LineCode]
		if !ok {
			state = &lineRouting{orderCounter: uniformInt(g.rng, 1, 500)}
			if len(md.Products) > 0 {
				state.product = md.Products[g.rng.Intn(len(md.Products))].ProductCode
			}
			g.lines[line.LineCode] = state
		}

		step := smtRouting[state.opIndex]

		input := uniformInt(g.rng, 10, 20)
		yield := uniform(g.rng, 0.98, 1.00)
		output := int(float64(input) * yield)

		defectRate := adjust(g.overlay, ts, map[string]interface{}{
			"line": map[string]interface{}{"code": line.LineCode, "operation": step.Name},
		}, "defect_rate", uniform(g.rng, 0.01, 0.03))
		defect := int(float64(output) * defectRate)
		if defect > output {
			defect = output
		}
		good := output - defect

		// Defects split into rework and scrap; scrap is the remainder.
		rework := int(float64(defect) * uniform(g.rng, 0.3, 0.7))
		scrap := defect - rework

		var equipmentCode string
		if eqs := md.EquipmentOnLine(line.LineCode); len(eqs) > 0 {
			equipmentCode = eqs[g.rng.Intn(len(eqs))].EquipmentCode
		}

		rec := ProductionResultRecord{
			ID:                uuid.NewString(),
			TenantID:          g.tenantID,
			ProductionOrderNo: fmt.Sprintf("PO%s-%s-%04d", ts.Format("20060102"), line.LineCode, state.orderCounter),
			ResultTimestamp:   ts,
			Shift:             ShiftForHour(ts.Hour()),
			LineCode:          line.LineCode,
			EquipmentCode:     equipmentCode,
			OperationSeq:      step.Seq,
			OperationName:     step.Name,
			ProductCode:       state.product,
			LotNo:             fmt.Sprintf("LOT%s-%s-%03d", ts.Format("20060102"), line.LineCode, uniformInt(g.rng, 100, 999)),
			InputQty:          input,
			OutputQty:         output,
			GoodQty:           good,
			DefectQty:         defect,
			ScrapQty:          scrap,
			CycleTimeSec:      round(uniform(g.rng, 2.5, 4.5), 2),
			WorkerID:          fmt.Sprintf("W%03d", uniformInt(g.rng, 100, 999)),
		}
		records = append(records, rec)

		// Advance the routing cursor occasionally; a wrap starts a new order.
		if g.rng.Float64() < 0.1 {
			state.opIndex = (state.opIndex + 1) % len(smtRouting)
			if state.opIndex == 0 {
				state.orderCounter++
				if len(md.Products) > 0 {
					state.product = md.Products[g.rng.Intn(len(md.Products))].ProductCode
				}
			}
		}
	}

	return records
}

// Save inserts the records and returns the persisted count.
func (g *ProductionResult) Save(ctx context.Context, store Store, records []Record) (int, error) {
	saved := 0
	for _, r := range records {
		rec, ok := r.(ProductionResultRecord)
		if !ok {
			return saved, fmt.Errorf("unexpected record type %T", r)
		}

		_, err := store.Exec(ctx, `
			INSERT INTO mes_production_result
				(id, tenant_id, production_order_no, result_timestamp, shift, line_code,
				 equipment_code, operation_seq, product_code, lot_no, input_qty, output_qty,
				 good_qty, defect_qty, scrap_qty, cycle_time_sec, worker_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW())
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.TenantID, rec.ProductionOrderNo, rec.ResultTimestamp, rec.Shift,
			rec.LineCode, nullIfEmpty(rec.EquipmentCode), rec.OperationSeq, rec.ProductCode,
			rec.LotNo, rec.InputQty, rec.OutputQty, rec.GoodQty, rec.DefectQty, rec.ScrapQty,
			rec.CycleTimeSec, rec.WorkerID)
		if err != nil {
			return saved, fmt.Errorf("failed to insert production result: %w", err)
		}
		saved++
	}
	return saved, nil
}
