package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"factorysim/broadcast"
	"factorysim/clock"
	"factorysim/generator"
)

// Gap-fill lifecycle states.
const (
	GapFillIdle      = "IDLE"
	GapFillDetecting = "DETECTING"
	GapFillFilling   = "FILLING"
	GapFillCompleted = "COMPLETED"
	GapFillError     = "ERROR"
)

// A table with no rows for the tenant is treated as this far behind.
const emptyTableGap = 365 * 24 * time.Hour

// TimestampStore answers the newest persisted timestamp per table. A nil
// result means the table holds no rows for the tenant.
type TimestampStore interface {
	LastTimestamp(ctx context.Context, table, column, tenantID string) (*time.Time, error)
}

// gapTarget binds one split-shape generator to its table, cadence and
// timestamp column. Direct-persist generators are never registered here.
type gapTarget struct {
	gen            generator.SplitGenerator
	table          string
	tsColumn       string
	interval       time.Duration
	recordsPerTick int
}

// GapInfo describes one detected gap.
type GapInfo struct {
	Generator         string     `json:"generator"`
	Table             string     `json:"table"`
	Last              *time.Time `json:"last_timestamp"`
	GapSeconds        int64      `json:"gap_seconds"`
	RecordsToGenerate int64      `json:"records_to_generate"`
}

// GapFillProgress is the single progress snapshot the service maintains.
// It is published to subscribers on every batch flush.
type GapFillProgress struct {
	State                  string     `json:"state"`
	TotalGaps              int        `json:"total_gaps"`
	GapsFilled             int        `json:"gaps_filled"`
	TotalRecordsToGenerate int64      `json:"total_records_to_generate"`
	RecordsGenerated       int64      `json:"records_generated"`
	CurrentTable           string     `json:"current_table,omitempty"`
	CurrentTime            *time.Time `json:"current_time,omitempty"`
	TargetTime             *time.Time `json:"target_time,omitempty"`
	StartedAt              *time.Time `json:"started_at,omitempty"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	Error                  string     `json:"error,omitempty"`
}

// GapFillService backfills the interval between the last persisted row and
// now for every registered split-shape generator. One run at a time; the
// engine serializes access.
type GapFillService struct {
	tenantID  string
	minGap    time.Duration
	batchSize int

	clock clock.Clock
	ts    TimestampStore
	store generator.Store
	bcast *broadcast.Broadcaster

	targets []gapTarget

	mu        sync.Mutex
	progress  GapFillProgress
	cancelled bool
}

// NewGapFillService creates a service with no registered generators.
func NewGapFillService(tenantID string, minGapSeconds, batchSize int, clk clock.Clock, ts TimestampStore, store generator.Store, bcast *broadcast.Broadcaster) *GapFillService {
	return &GapFillService{
		tenantID:  tenantID,
		minGap:    time.Duration(minGapSeconds) * time.Second,
		batchSize: batchSize,
		clock:     clk,
		ts:        ts,
		store:     store,
		bcast:     bcast,
		progress:  GapFillProgress{State: GapFillIdle},
	}
}

// Register adds one split-shape generator to the fill schedule.
func (s *GapFillService) Register(gen generator.SplitGenerator, table, tsColumn string, intervalSeconds, recordsPerTick int) {
	s.targets = append(s.targets, gapTarget{
		gen:            gen,
		table:          table,
		tsColumn:       tsColumn,
		interval:       time.Duration(intervalSeconds) * time.Second,
		recordsPerTick: recordsPerTick,
	})
}

// Detect measures the gap for every registered generator.
func (s *GapFillService) Detect(ctx context.Context) ([]GapInfo, error) {
	now := s.clock.Now()
	infos := make([]GapInfo, 0, len(s.targets))
	for _, t := range s.targets {
		last, err := s.ts.LastTimestamp(ctx, t.table, t.tsColumn, s.tenantID)
		if err != nil {
			return nil, fmt.Errorf("gap detection for %s failed: %w", t.table, err)
		}

		var gap time.Duration
		if last == nil {
			gap = emptyTableGap
		} else {
			gap = now.Sub(*last)
		}
		if gap < 0 {
			gap = 0
		}

		ticks := int64(gap / t.interval)
		infos = append(infos, GapInfo{
			Generator:         t.gen.Name(),
			Table:             t.table,
			Last:              last,
			GapSeconds:        int64(gap / time.Second),
			RecordsToGenerate: ticks * int64(t.recordsPerTick),
		})
	}
	return infos, nil
}

// Run detects and fills all gaps at or above the minimum, publishing
// progress along the way. A cancelled run returns nil with state IDLE.
func (s *GapFillService) Run(ctx context.Context) error {
	now := s.clock.Now()

	s.mu.Lock()
	s.cancelled = false
	s.progress = GapFillProgress{State: GapFillDetecting, StartedAt: &now}
	s.mu.Unlock()

	infos, err := s.Detect(ctx)
	if err != nil {
		s.fail(err)
		return err
	}

	// Below-threshold gaps are left alone.
	fillable := make([]GapInfo, 0, len(infos))
	var total int64
	for _, info := range infos {
		if time.Duration(info.GapSeconds)*time.Second >= s.minGap {
			fillable = append(fillable, info)
			total += info.RecordsToGenerate
		}
	}

	s.mu.Lock()
	s.progress.State = GapFillFilling
	s.progress.TotalGaps = len(fillable)
	s.progress.TotalRecordsToGenerate = total
	s.mu.Unlock()

	s.bcast.Publish(broadcast.EventGapFillStarted, s.clock.Now(), map[string]interface{}{
		"gaps":                      fillable,
		"total_records_to_generate": total,
	})
	log.Printf("[GapFill] %d gaps to fill, ~%d records", len(fillable), total)

	for _, info := range fillable {
		target, ok := s.targetFor(info.Generator)
		if !ok {
			continue
		}
		if err := s.fillOne(ctx, target, info, now); err != nil {
			s.fail(err)
			s.bcast.Publish(broadcast.EventGapFillError, s.clock.Now(), map[string]interface{}{
				"table": info.Table,
				"error": err.Error(),
			})
			return err
		}
		if s.isCancelled() {
			s.setState(GapFillIdle)
			log.Printf("[GapFill] cancelled")
			return nil
		}
	}

	done := s.clock.Now()
	s.mu.Lock()
	s.progress.State = GapFillCompleted
	s.progress.CompletedAt = &done
	s.progress.CurrentTable = ""
	snapshot := s.progress
	s.mu.Unlock()

	s.bcast.Publish(broadcast.EventGapFillCompleted, done, snapshot)
	log.Printf("[GapFill] completed, %d records generated", snapshot.RecordsGenerated)
	return nil
}

// fillOne steps one generator from just past its last timestamp up to now,
// batching persistence.
func (s *GapFillService) fillOne(ctx context.Context, t gapTarget, info GapInfo, now time.Time) error {
	start := now.Add(-emptyTableGap)
	if info.Last != nil {
		start = info.Last.Add(t.interval)
	}

	s.mu.Lock()
	s.progress.CurrentTable = t.table
	s.progress.TargetTime = &now
	s.mu.Unlock()

	var buffer []generator.Record
	for ts := start; !ts.After(now); ts = ts.Add(t.interval) {
		if s.isCancelled() || ctx.Err() != nil {
			return ctx.Err()
		}

		buffer = append(buffer, t.gen.Generate(ctx, ts)...)

		cur := ts
		s.mu.Lock()
		s.progress.CurrentTime = &cur
		s.mu.Unlock()

		if len(buffer) >= s.batchSize {
			if err := s.flush(ctx, t, buffer); err != nil {
				return err
			}
			buffer = buffer[:0]
		}
	}
	if len(buffer) > 0 {
		if err := s.flush(ctx, t, buffer); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.progress.GapsFilled++
	s.mu.Unlock()
	return nil
}

func (s *GapFillService) flush(ctx context.Context, t gapTarget, batch []generator.Record) error {
	if s.isCancelled() {
		return nil
	}
	n, err := t.gen.Save(ctx, s.store, batch)
	if err != nil {
		return fmt.Errorf("gap-fill save to %s failed: %w", t.table, err)
	}

	s.mu.Lock()
	s.progress.RecordsGenerated += int64(n)
	snapshot := s.progress
	s.mu.Unlock()

	s.bcast.Publish(broadcast.EventGapFillProgress, s.clock.Now(), snapshot)
	return nil
}

// Cancel asks a running fill to stop. The flag is polled at every tick and
// before every flush; the run ends cleanly with state IDLE.
func (s *GapFillService) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// Progress returns the current snapshot.
func (s *GapFillService) Progress() GapFillProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *GapFillService) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *GapFillService) setState(state string) {
	s.mu.Lock()
	s.progress.State = state
	s.mu.Unlock()
}

func (s *GapFillService) fail(err error) {
	s.mu.Lock()
	s.progress.State = GapFillError
	s.progress.Error = err.Error()
	s.mu.Unlock()
}

func (s *GapFillService) targetFor(name string) (gapTarget, bool) {
	for _, t := range s.targets {
		if t.gen.Name() == name {
			return t, true
		}
	}
	return gapTarget{}, false
}
