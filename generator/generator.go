package generator

import (
	"context"
	"sync"
	"time"

	"factorysim/database"
)

// Store is the slice of the persistence port generators need: parameterized
// writes plus partition maintenance for the half-year partitioned tables.
// *database.Postgres satisfies it; tests substitute an in-memory fake.
type Store interface {
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	EnsurePartition(ctx context.Context, table string, date time.Time) error
}

// MasterSource yields the master-data snapshot for the generator's tenant.
// *database.MasterDataCache satisfies it.
type MasterSource interface {
	Get(ctx context.Context) *database.MasterData
}

// Record is one emitted domain record. Generators return concrete structs;
// the engine and the gap-fill service only need tenant and timestamp.
type Record interface {
	RecordTenant() string
	RecordTimestamp() time.Time
}

// DirectGenerator produces and persists records in a single call. Direct
// generators carry tick-to-tick internal state keyed to wall-clock time and
// are therefore excluded from gap-fill.
type DirectGenerator interface {
	Name() string
	GenerateAndSave(ctx context.Context, store Store, now time.Time) ([]Record, error)
}

// SplitGenerator separates production from persistence so the gap-fill
// service can generate for arbitrary past timestamps and batch the saves.
type SplitGenerator interface {
	Name() string
	Generate(ctx context.Context, ts time.Time) []Record
	Save(ctx context.Context, store Store, records []Record) (int, error)
}

// Adjuster modifies a named numeric output before it is applied, letting
// the scenario overlay inject anomalies. A nil Adjuster means no overlay.
type Adjuster interface {
	Adjust(now time.Time, context map[string]interface{}, target string, base float64) float64
}

// adjust is the nil-safe helper generators call.
func adjust(a Adjuster, now time.Time, context map[string]interface{}, target string, base float64) float64 {
	if a == nil {
		return base
	}
	return a.Adjust(now, context, target, base)
}

// Runtime carries the engine settings that may change while the simulation
// is running. Generators read it at every tick under a read lock.
type Runtime struct {
	mu                 sync.RWMutex
	baseDefectRate     float64
	productionVariance float64
}

// NewRuntime creates runtime settings with the given initial values.
func NewRuntime(baseDefectRate, productionVariance float64) *Runtime {
	return &Runtime{
		baseDefectRate:     baseDefectRate,
		productionVariance: productionVariance,
	}
}

// BaseDefectRate returns the current defect probability per unit.
func (r *Runtime) BaseDefectRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.baseDefectRate
}

// ProductionVariance returns the current variance sigma.
func (r *Runtime) ProductionVariance() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.productionVariance
}

// Update replaces both runtime values.
func (r *Runtime) Update(baseDefectRate, productionVariance float64) {
	r.mu.Lock()
	r.baseDefectRate = baseDefectRate
	r.productionVariance = productionVariance
	r.mu.Unlock()
}

// Shift codes derived from the hour of day: 1 = day [06,14), 2 = swing
// [14,22), 3 = night otherwise.
func ShiftForHour(hour int) int {
	switch {
	case hour >= 6 && hour < 14:
		return 1
	case hour >= 14 && hour < 22:
		return 2
	default:
		return 3
	}
}
