package generator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Equipment operational states used by the Markov chain.
const (
	statusRunning     = "running"
	statusIdle        = "idle"
	statusSetup       = "setup"
	statusMaintenance = "maintenance"
	statusBreakdown   = "breakdown"
)

// statusTransitions maps each state to its weighted successors.
var statusTransitions = map[string][]WeightedItem{
	statusRunning: {
		{statusRunning, 0.95}, {statusIdle, 0.03}, {statusSetup, 0.01},
		{statusBreakdown, 0.005}, {statusMaintenance, 0.005},
	},
	statusIdle: {
		{statusIdle, 0.7}, {statusRunning, 0.25}, {statusSetup, 0.03}, {statusMaintenance, 0.02},
	},
	statusSetup: {
		{statusSetup, 0.6}, {statusRunning, 0.35}, {statusIdle, 0.05},
	},
	statusMaintenance: {
		{statusMaintenance, 0.8}, {statusIdle, 0.15}, {statusRunning, 0.05},
	},
	statusBreakdown: {
		{statusBreakdown, 0.7}, {statusMaintenance, 0.2}, {statusIdle, 0.1},
	},
}

// baseTempByType gives the idle base temperature range per equipment type.
var baseTempByType = map[string][2]float64{
	"printer":  {35, 45},
	"mounter":  {40, 55},
	"reflow":   {60, 80},
	"aoi":      {30, 40},
	"spi":      {30, 40},
	"ict":      {30, 42},
	"assembly": {28, 38},
}

// EquipmentStatusRecord is one sampled equipment state row.
type EquipmentStatusRecord struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	EquipmentID    string    `json:"equipment_id"`
	EquipmentCode  string    `json:"equipment_code"`
	StatusTime     time.Time `json:"status_timestamp"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	SpeedRPM       float64   `json:"speed_rpm"`
	Temperature    float64   `json:"temperature"`
	Pressure       float64   `json:"pressure"`
	Vibration      float64   `json:"vibration"`
	Power          float64   `json:"power"`
	AlarmCode      string    `json:"alarm_code"`
	AlarmMessage   string    `json:"alarm_message"`
	AlarmSeverity  string    `json:"alarm_severity"`
}

func (r EquipmentStatusRecord) RecordTenant() string       { return r.TenantID }
func (r EquipmentStatusRecord) RecordTimestamp() time.Time { return r.StatusTime }

// equipmentState carries the Markov state and the smoothed sensor values.
type equipmentState struct {
	status      string
	baseTemp    float64
	temperature float64
	pressure    float64
	vibration   float64
	power       float64
}

// EquipmentStatus samples every equipment's state each tick through a
// Markov transition table, smooths the attached sensor readings, and
// persists in the same call.
type EquipmentStatus struct {
	tenantID string
	master   MasterSource
	overlay  Adjuster
	rng      *rand.Rand

	equipment map[string]*equipmentState
}

// NewEquipmentStatus creates the generator.
func NewEquipmentStatus(tenantID string, master MasterSource, overlay Adjuster, rng *rand.Rand) *EquipmentStatus {
	return &EquipmentStatus{
		tenantID:  tenantID,
		master:    master,
		overlay:   overlay,
		rng:       rng,
		equipment: make(map[string]*equipmentState),
	}
}

func (g *EquipmentStatus) Name() string { return "equipment_status" }

// GenerateAndSave advances every equipment one Markov step and inserts the
// sampled row.
func (g *EquipmentStatus) GenerateAndSave(ctx context.Context, store Store, now time.Time) ([]Record, error) {
	md := g.master.Get(ctx)
	if len(md.Lines) == 0 || len(md.Equipment) == 0 {
		return nil, nil
	}

	now = now.UTC()
	records := make([]Record, 0, len(md.Equipment))

	for _, eq := range md.Equipment {
		state, ok := g.equipment[eq.EquipmentCode]
		if !ok {
			tempRange, found := baseTempByType[strings.ToLower(eq.EquipmentType)]
			if !found {
				tempRange = [2]float64{40, 70}
			}
			base := uniform(g.rng, tempRange[0], tempRange[1])
			state = &equipmentState{
				status:      statusRunning,
				baseTemp:    base,
				temperature: base,
				pressure:    uniform(g.rng, 4, 6),
				vibration:   uniform(g.rng, 2, 5),
				power:       uniform(g.rng, 10, 50),
			}
			g.equipment[eq.EquipmentCode] = state
		}

		previous := state.status
		state.status = weightedChoice(g.rng, statusTransitions[previous])

		// Exponential smoothing keeps readings continuous across ticks.
		var delta float64
		switch state.status {
		case statusRunning:
			delta = uniform(g.rng, 20, 40)
		case statusBreakdown:
			delta = uniform(g.rng, 30, 60)
		default:
			delta = uniform(g.rng, -5, 10)
		}
		target := state.baseTemp + delta
		target = adjust(g.overlay, now, map[string]interface{}{
			"equipment": map[string]interface{}{
				"code": eq.EquipmentCode, "type": eq.EquipmentType, "status": state.status,
			},
		}, "temperature", target)
		state.temperature = 0.7*state.temperature + 0.3*target

		pressureTarget := uniform(g.rng, 4, 6)
		if state.status == statusRunning {
			pressureTarget = uniform(g.rng, 5, 7)
		}
		state.pressure = 0.7*state.pressure + 0.3*pressureTarget

		vibrationTarget := uniform(g.rng, 2, 5)
		if state.status == statusRunning || state.status == statusBreakdown {
			vibrationTarget = uniform(g.rng, 4, 9)
		}
		state.vibration = 0.7*state.vibration + 0.3*vibrationTarget

		powerTarget := uniform(g.rng, 10, 30)
		if state.status == statusRunning {
			powerTarget = uniform(g.rng, 40, 80)
		}
		state.power = 0.7*state.power + 0.3*powerTarget

		alarmCode, alarmMessage, alarmSeverity := g.evaluateAlarm(state)

		var speed float64
		if state.status == statusRunning {
			speed = round(uniform(g.rng, 800, 1500), 1)
		}

		rec := EquipmentStatusRecord{
			ID:             uuid.NewString(),
			TenantID:       g.tenantID,
			EquipmentID:    eq.ID,
			EquipmentCode:  eq.EquipmentCode,
			StatusTime:     now,
			Status:         state.status,
			PreviousStatus: previous,
			SpeedRPM:       speed,
			Temperature:    round(state.temperature, 1),
			Pressure:       round(state.pressure, 2),
			Vibration:      round(state.vibration, 2),
			Power:          round(state.power, 1),
			AlarmCode:      alarmCode,
			AlarmMessage:   alarmMessage,
			AlarmSeverity:  alarmSeverity,
		}

		_, err := store.Exec(ctx, `
			INSERT INTO mes_equipment_status
				(id, tenant_id, equipment_id, equipment_code, status_timestamp, status,
				 previous_status, speed_rpm, temperature, pressure, alarm_code,
				 alarm_message, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, rec.TenantID, rec.EquipmentID, rec.EquipmentCode, rec.StatusTime,
			rec.Status, rec.PreviousStatus, rec.SpeedRPM, rec.Temperature, rec.Pressure,
			nullIfEmpty(rec.AlarmCode), nullIfEmpty(rec.AlarmMessage))
		if err != nil {
			return records, fmt.Errorf("failed to insert equipment status for %s: %w", eq.EquipmentCode, err)
		}

		records = append(records, rec)
	}

	return records, nil
}

// evaluateAlarm applies the fixed thresholds to the smoothed readings.
func (g *EquipmentStatus) evaluateAlarm(state *equipmentState) (code, message, severity string) {
	switch {
	case state.temperature > 95 || state.pressure > 8 || state.vibration > 12:
		severity = "critical"
	case state.temperature > 85 || state.pressure > 6.5 || state.vibration > 8:
		severity = "warning"
	default:
		return "", "", ""
	}

	switch {
	case state.temperature > 85:
		code = "ALM-TEMP"
		message = fmt.Sprintf("Temperature %.1f exceeds limit", state.temperature)
	case state.pressure > 6.5:
		code = "ALM-PRESS"
		message = fmt.Sprintf("Pressure %.2f exceeds limit", state.pressure)
	default:
		code = "ALM-VIB"
		message = fmt.Sprintf("Vibration %.2f exceeds limit", state.vibration)
	}
	return code, message, severity
}
