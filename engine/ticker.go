package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"factorysim/clock"
)

// Ticker states.
const (
	tickerStopped = "stopped"
	tickerRunning = "running"
	tickerPaused  = "paused"
)

const pausePollInterval = 500 * time.Millisecond

// TickerConfig configures one generator's periodic driver.
type TickerConfig struct {
	Name       string
	Interval   time.Duration
	MaxRetries int           // default 3
	RetryDelay time.Duration // default 1s
	Callback   func(ctx context.Context) error
	OnError    func(name string, err error)
}

// TickerMetrics is a snapshot of one ticker's counters.
type TickerMetrics struct {
	LastRun           time.Time `json:"last_run"`
	RunCount          int64     `json:"run_count"`
	ErrorCount        int64     `json:"error_count"`
	ConsecutiveErrors int64     `json:"consecutive_errors"`
}

// Ticker drives one generator: sleep, execute with retry, repeat. A
// generator error never kills the ticker; it is retried with linear
// backoff and finally surfaced through OnError. Cancelling the context
// interrupts any sleep and ends the loop.
type Ticker struct {
	cfg   TickerConfig
	clock clock.Clock

	mu      sync.Mutex
	state   string
	metrics TickerMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker creates a ticker in the stopped state.
func NewTicker(cfg TickerConfig, clk clock.Clock) *Ticker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Ticker{cfg: cfg, clock: clk, state: tickerStopped}
}

// Start launches the loop. No-op if already running.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.state != tickerStopped {
		t.mu.Unlock()
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.state = tickerRunning
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(ctx)
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.done)

	for {
		// Paused tickers poll rather than hold the interval timer.
		for t.State() == tickerPaused {
			if err := t.clock.Sleep(ctx, pausePollInterval); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		t.executeWithRetry(ctx)

		if err := t.clock.Sleep(ctx, t.cfg.Interval); err != nil {
			return
		}
	}
}

// executeWithRetry runs the callback up to MaxRetries times with linear
// backoff. Context cancellation is never retried.
func (t *Ticker) executeWithRetry(ctx context.Context) {
	var lastErr error
	for attempt := 0; attempt < t.cfg.MaxRetries; attempt++ {
		err := t.cfg.Callback(ctx)
		if err == nil {
			t.mu.Lock()
			t.metrics.LastRun = t.clock.Now()
			t.metrics.RunCount++
			t.metrics.ConsecutiveErrors = 0
			t.mu.Unlock()
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return
		}

		lastErr = err
		log.Printf("[Ticker:%s] attempt %d/%d failed: %v", t.cfg.Name, attempt+1, t.cfg.MaxRetries, err)
		if t.cfg.OnError != nil {
			t.cfg.OnError(t.cfg.Name, err)
		}

		if attempt < t.cfg.MaxRetries-1 {
			backoff := t.cfg.RetryDelay * time.Duration(attempt+1)
			if err := t.clock.Sleep(ctx, backoff); err != nil {
				return
			}
		}
	}

	t.mu.Lock()
	t.metrics.ErrorCount++
	t.metrics.ConsecutiveErrors++
	t.mu.Unlock()
	log.Printf("[Ticker:%s] giving up after %d attempts: %v", t.cfg.Name, t.cfg.MaxRetries, lastErr)
}

// Pause suspends callback execution; the loop keeps polling.
func (t *Ticker) Pause() {
	t.mu.Lock()
	if t.state == tickerRunning {
		t.state = tickerPaused
	}
	t.mu.Unlock()
}

// Resume continues a paused ticker.
func (t *Ticker) Resume() {
	t.mu.Lock()
	if t.state == tickerPaused {
		t.state = tickerRunning
	}
	t.mu.Unlock()
}

// Stop cancels the loop and waits for it to exit.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if t.state == tickerStopped {
		t.mu.Unlock()
		return
	}
	t.state = tickerStopped
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// State returns the ticker state.
func (t *Ticker) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Metrics returns a snapshot of the counters.
func (t *Ticker) Metrics() TickerMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}
