package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"factorysim/clock"
)

func newInstantClock() *clock.Fake {
	return clock.NewFake(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
}

// parkClock blocks every Sleep until the context is cancelled, so a ticker
// executes exactly one tick per Start.
type parkClock struct {
	now time.Time
}

func newParkClock() *parkClock {
	return &parkClock{now: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *parkClock) Now() time.Time { return c.now }

func (c *parkClock) Sleep(ctx context.Context, d time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNewTickerDefaults(t *testing.T) {
	tk := NewTicker(TickerConfig{Name: "x", Interval: time.Second}, newInstantClock())
	if tk.cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", tk.cfg.MaxRetries)
	}
	if tk.cfg.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", tk.cfg.RetryDelay)
	}
	if tk.State() != tickerStopped {
		t.Errorf("initial state = %q", tk.State())
	}
}

func TestExecuteWithRetrySuccess(t *testing.T) {
	clk := newInstantClock()
	calls := 0
	tk := NewTicker(TickerConfig{
		Name:     "gen",
		Interval: time.Second,
		Callback: func(ctx context.Context) error { calls++; return nil },
	}, clk)

	tk.executeWithRetry(context.Background())

	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
	m := tk.Metrics()
	if m.RunCount != 1 || m.ErrorCount != 0 || m.ConsecutiveErrors != 0 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.LastRun.IsZero() {
		t.Fatal("LastRun not recorded")
	}
}

func TestExecuteWithRetryExhaustsAttempts(t *testing.T) {
	clk := newInstantClock()
	start := clk.Now()
	calls := 0
	var reported []error
	tk := NewTicker(TickerConfig{
		Name:       "gen",
		Interval:   time.Second,
		RetryDelay: time.Second,
		Callback:   func(ctx context.Context) error { calls++; return errors.New("boom") },
		OnError:    func(name string, err error) { reported = append(reported, err) },
	}, clk)

	tk.executeWithRetry(context.Background())

	if calls != 3 {
		t.Fatalf("callback ran %d times, want 3", calls)
	}
	if len(reported) != 3 {
		t.Fatalf("OnError fired %d times, want once per attempt", len(reported))
	}
	m := tk.Metrics()
	if m.RunCount != 0 || m.ErrorCount != 1 || m.ConsecutiveErrors != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	// Linear backoff: 1s after the first attempt, 2s after the second.
	if elapsed := clk.Now().Sub(start); elapsed != 3*time.Second {
		t.Errorf("slept %v between attempts, want 3s", elapsed)
	}
}

func TestExecuteWithRetryRecovers(t *testing.T) {
	clk := newInstantClock()
	calls := 0
	errs := 0
	tk := NewTicker(TickerConfig{
		Name:     "gen",
		Interval: time.Second,
		Callback: func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
		OnError: func(name string, err error) { errs++ },
	}, clk)

	tk.executeWithRetry(context.Background())

	if calls != 3 {
		t.Fatalf("callback ran %d times, want 3", calls)
	}
	if errs != 2 {
		t.Fatalf("OnError fired %d times, want 2", errs)
	}
	m := tk.Metrics()
	if m.RunCount != 1 || m.ErrorCount != 0 || m.ConsecutiveErrors != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestExecuteWithRetryConsecutiveErrorsAccumulate(t *testing.T) {
	clk := newInstantClock()
	tk := NewTicker(TickerConfig{
		Name:     "gen",
		Interval: time.Second,
		Callback: func(ctx context.Context) error { return errors.New("boom") },
	}, clk)

	tk.executeWithRetry(context.Background())
	tk.executeWithRetry(context.Background())

	m := tk.Metrics()
	if m.ErrorCount != 2 || m.ConsecutiveErrors != 2 {
		t.Fatalf("metrics = %+v", m)
	}

	tk.cfg.Callback = func(ctx context.Context) error { return nil }
	tk.executeWithRetry(context.Background())

	m = tk.Metrics()
	if m.ConsecutiveErrors != 0 {
		t.Fatalf("ConsecutiveErrors = %d after success, want 0", m.ConsecutiveErrors)
	}
	if m.ErrorCount != 2 {
		t.Fatalf("ErrorCount = %d, historic count must survive recovery", m.ErrorCount)
	}
}

func TestExecuteWithRetryNeverRetriesCancellation(t *testing.T) {
	clk := newInstantClock()
	calls := 0
	errs := 0
	tk := NewTicker(TickerConfig{
		Name:     "gen",
		Interval: time.Second,
		Callback: func(ctx context.Context) error { calls++; return context.Canceled },
		OnError:  func(name string, err error) { errs++ },
	}, clk)

	tk.executeWithRetry(context.Background())

	if calls != 1 {
		t.Fatalf("cancelled callback retried %d times", calls)
	}
	if errs != 0 {
		t.Fatalf("OnError fired %d times for cancellation", errs)
	}
	m := tk.Metrics()
	if m.ErrorCount != 0 || m.RunCount != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestTickerLifecycle(t *testing.T) {
	ran := make(chan struct{}, 1)
	tk := NewTicker(TickerConfig{
		Name:     "gen",
		Interval: time.Second,
		Callback: func(ctx context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	}, newParkClock())

	tk.Start(context.Background())
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	if tk.State() != tickerRunning {
		t.Fatalf("state = %q, want running", tk.State())
	}

	tk.Pause()
	if tk.State() != tickerPaused {
		t.Fatalf("state = %q, want paused", tk.State())
	}

	// Pausing a paused ticker and resuming twice are no-ops.
	tk.Pause()
	tk.Resume()
	if tk.State() != tickerRunning {
		t.Fatalf("state = %q, want running", tk.State())
	}
	tk.Resume()

	tk.Stop()
	if tk.State() != tickerStopped {
		t.Fatalf("state = %q, want stopped", tk.State())
	}
	tk.Stop() // idempotent

	if m := tk.Metrics(); m.RunCount < 1 {
		t.Fatalf("RunCount = %d, want at least 1", m.RunCount)
	}
}

func TestTickerPauseSuspendsCallback(t *testing.T) {
	var runs atomic.Int64
	tk := NewTicker(TickerConfig{
		Name:     "gen",
		Interval: time.Millisecond,
		Callback: func(ctx context.Context) error { runs.Add(1); return nil },
	}, newInstantClock())

	tk.Start(context.Background())
	defer tk.Stop()

	waitFor := func(cond func() bool, msg string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatal(msg)
			}
			time.Sleep(time.Millisecond)
		}
	}
	waitFor(func() bool { return runs.Load() >= 1 }, "callback never ran")

	tk.Pause()
	// Let any tick in flight at the moment of the pause drain.
	settled := runs.Load()
	waitFor(func() bool {
		cur := runs.Load()
		if cur == settled {
			return true
		}
		settled = cur
		return false
	}, "callback kept running after pause")

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != settled {
		t.Fatalf("callback ran %d times while paused", got-settled)
	}

	tk.Resume()
	waitFor(func() bool { return runs.Load() > settled }, "callback did not resume")
}

func TestTickerStartWhileRunningIsNoop(t *testing.T) {
	tk := NewTicker(TickerConfig{
		Name:     "gen",
		Interval: time.Second,
		Callback: func(ctx context.Context) error { return nil },
	}, newParkClock())

	tk.Start(context.Background())
	defer tk.Stop()

	done := tk.done
	tk.Start(context.Background())
	if tk.done != done {
		t.Fatal("second Start replaced the running loop")
	}
}
