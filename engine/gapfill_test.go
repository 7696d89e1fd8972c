package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"factorysim/broadcast"
	"factorysim/generator"
)

// stubRecord is the minimal record the fill path needs.
type stubRecord struct {
	tenant string
	ts     time.Time
}

func (r stubRecord) RecordTenant() string       { return r.tenant }
func (r stubRecord) RecordTimestamp() time.Time { return r.ts }

// stubSplit fabricates a fixed number of records per tick and remembers
// every timestamp it was asked to generate for.
type stubSplit struct {
	name    string
	perTick int

	mu        sync.Mutex
	generated []time.Time
	saved     int
	saveErr   error
	onTick    func(tick int)
}

func (g *stubSplit) Name() string { return g.name }

func (g *stubSplit) Generate(ctx context.Context, ts time.Time) []generator.Record {
	g.mu.Lock()
	g.generated = append(g.generated, ts)
	tick := len(g.generated)
	g.mu.Unlock()
	if g.onTick != nil {
		g.onTick(tick)
	}
	out := make([]generator.Record, g.perTick)
	for i := range out {
		out[i] = stubRecord{tenant: "tenant-1", ts: ts}
	}
	return out
}

func (g *stubSplit) Save(ctx context.Context, store generator.Store, records []generator.Record) (int, error) {
	if g.saveErr != nil {
		return 0, g.saveErr
	}
	g.mu.Lock()
	g.saved += len(records)
	g.mu.Unlock()
	return len(records), nil
}

// stubTimestamps maps table name to the newest persisted timestamp.
type stubTimestamps struct {
	last map[string]*time.Time
	err  error
}

func (s *stubTimestamps) LastTimestamp(ctx context.Context, table, column, tenantID string) (*time.Time, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.last[table], nil
}

func drainEvents(sub *broadcast.Subscription) []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestDetectMeasuresGaps(t *testing.T) {
	clk := newInstantClock()
	now := clk.Now()
	last := now.Add(-2 * time.Hour)

	ts := &stubTimestamps{last: map[string]*time.Time{
		"mes_production_result": &last,
		// erp table absent: no rows yet
	}}
	svc := NewGapFillService("tenant-1", 60, 100, clk, ts, nil, broadcast.NewBroadcaster())
	svc.Register(&stubSplit{name: "production_result", perTick: 5}, "mes_production_result", "result_timestamp", 60, 5)
	svc.Register(&stubSplit{name: "erp_transaction", perTick: 2}, "erp_inventory_transaction", "transaction_date", 1800, 2)

	infos, err := svc.Detect(context.Background())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d gaps, want 2", len(infos))
	}

	pr := infos[0]
	if pr.Table != "mes_production_result" || pr.GapSeconds != 7200 {
		t.Fatalf("production gap = %+v", pr)
	}
	if pr.RecordsToGenerate != 120*5 {
		t.Fatalf("records estimate = %d, want 600", pr.RecordsToGenerate)
	}

	erp := infos[1]
	if erp.Last != nil {
		t.Fatalf("empty table reported last = %v", erp.Last)
	}
	wantGap := int64(emptyTableGap / time.Second)
	if erp.GapSeconds != wantGap {
		t.Fatalf("empty table gap = %d, want %d", erp.GapSeconds, wantGap)
	}
}

func TestRunFillsGapAndPublishesProgress(t *testing.T) {
	clk := newInstantClock()
	now := clk.Now()
	last := now.Add(-2 * time.Hour)

	gen := &stubSplit{name: "production_result", perTick: 5}
	ts := &stubTimestamps{last: map[string]*time.Time{"mes_production_result": &last}}
	bcast := broadcast.NewBroadcaster()
	sub := bcast.Subscribe()
	defer bcast.Unsubscribe(sub)

	svc := NewGapFillService("tenant-1", 60, 100, clk, ts, nil, bcast)
	svc.Register(gen, "mes_production_result", "result_timestamp", 60, 5)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// 7200s at 60s cadence: first tick at last+60s, last tick at now.
	if len(gen.generated) != 120 {
		t.Fatalf("generated %d ticks, want 120", len(gen.generated))
	}
	if first := gen.generated[0]; !first.Equal(last.Add(60 * time.Second)) {
		t.Fatalf("first tick at %v, want %v", first, last.Add(60*time.Second))
	}
	if final := gen.generated[len(gen.generated)-1]; !final.Equal(now) {
		t.Fatalf("final tick at %v, want %v", final, now)
	}
	if gen.saved != 600 {
		t.Fatalf("saved %d records, want 600", gen.saved)
	}

	p := svc.Progress()
	if p.State != GapFillCompleted || p.GapsFilled != 1 || p.RecordsGenerated != 600 {
		t.Fatalf("progress = %+v", p)
	}
	if p.CompletedAt == nil || p.StartedAt == nil {
		t.Fatalf("progress missing timestamps: %+v", p)
	}

	events := drainEvents(sub)
	counts := map[string]int{}
	for _, ev := range events {
		counts[ev.Type]++
	}
	if counts[broadcast.EventGapFillStarted] != 1 {
		t.Errorf("started events = %d", counts[broadcast.EventGapFillStarted])
	}
	// 600 records at batch size 100: one progress snapshot per flush.
	if counts[broadcast.EventGapFillProgress] != 6 {
		t.Errorf("progress events = %d, want 6", counts[broadcast.EventGapFillProgress])
	}
	if counts[broadcast.EventGapFillCompleted] != 1 {
		t.Errorf("completed events = %d", counts[broadcast.EventGapFillCompleted])
	}
}

func TestRunSkipsGapsBelowMinimum(t *testing.T) {
	clk := newInstantClock()
	now := clk.Now()
	last := now.Add(-30 * time.Second)

	gen := &stubSplit{name: "production_result", perTick: 5}
	ts := &stubTimestamps{last: map[string]*time.Time{"mes_production_result": &last}}
	svc := NewGapFillService("tenant-1", 60, 100, clk, ts, nil, broadcast.NewBroadcaster())
	svc.Register(gen, "mes_production_result", "result_timestamp", 60, 5)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(gen.generated) != 0 {
		t.Fatalf("below-threshold gap was filled: %d ticks", len(gen.generated))
	}
	p := svc.Progress()
	if p.State != GapFillCompleted || p.TotalGaps != 0 || p.RecordsGenerated != 0 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestRunIsIdempotentWhenCaughtUp(t *testing.T) {
	clk := newInstantClock()
	now := clk.Now()

	gen := &stubSplit{name: "production_result", perTick: 5}
	ts := &stubTimestamps{last: map[string]*time.Time{"mes_production_result": &now}}
	svc := NewGapFillService("tenant-1", 60, 100, clk, ts, nil, broadcast.NewBroadcaster())
	svc.Register(gen, "mes_production_result", "result_timestamp", 60, 5)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gen.saved != 0 {
		t.Fatalf("caught-up table still generated %d records", gen.saved)
	}
}

func TestCancelStopsFillCleanly(t *testing.T) {
	clk := newInstantClock()
	now := clk.Now()
	last := now.Add(-2 * time.Hour)

	gen := &stubSplit{name: "production_result", perTick: 5}
	ts := &stubTimestamps{last: map[string]*time.Time{"mes_production_result": &last}}
	svc := NewGapFillService("tenant-1", 60, 100, clk, ts, nil, broadcast.NewBroadcaster())
	svc.Register(gen, "mes_production_result", "result_timestamp", 60, 5)

	gen.onTick = func(tick int) {
		if tick == 10 {
			svc.Cancel()
		}
	}

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("cancelled run returned error: %v", err)
	}
	if svc.Progress().State != GapFillIdle {
		t.Fatalf("state after cancel = %q, want IDLE", svc.Progress().State)
	}
	if len(gen.generated) > 11 {
		t.Fatalf("fill kept going after cancel: %d ticks", len(gen.generated))
	}
	// Nothing reached the buffer flush before the cancel point.
	if gen.saved != 0 {
		t.Fatalf("cancelled run saved %d records", gen.saved)
	}
}

func TestRunReportsDetectionFailure(t *testing.T) {
	clk := newInstantClock()
	ts := &stubTimestamps{err: errors.New("connection refused")}
	svc := NewGapFillService("tenant-1", 60, 100, clk, ts, nil, broadcast.NewBroadcaster())
	svc.Register(&stubSplit{name: "production_result", perTick: 5}, "mes_production_result", "result_timestamp", 60, 5)

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected detection error")
	}
	p := svc.Progress()
	if p.State != GapFillError || p.Error == "" {
		t.Fatalf("progress = %+v", p)
	}
}

func TestRunReportsSaveFailure(t *testing.T) {
	clk := newInstantClock()
	now := clk.Now()
	last := now.Add(-2 * time.Hour)

	gen := &stubSplit{name: "production_result", perTick: 5, saveErr: errors.New("disk full")}
	ts := &stubTimestamps{last: map[string]*time.Time{"mes_production_result": &last}}
	bcast := broadcast.NewBroadcaster()
	sub := bcast.Subscribe()
	defer bcast.Unsubscribe(sub)

	svc := NewGapFillService("tenant-1", 60, 100, clk, ts, nil, bcast)
	svc.Register(gen, "mes_production_result", "result_timestamp", 60, 5)

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected save error")
	}
	if svc.Progress().State != GapFillError {
		t.Fatalf("state = %q, want ERROR", svc.Progress().State)
	}

	sawError := false
	for _, ev := range drainEvents(sub) {
		if ev.Type == broadcast.EventGapFillError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("no gap_fill_error event published")
	}
}
