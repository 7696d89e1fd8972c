package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsSubmittedJobs(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Stop()

	var ran int64
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		err := pool.Submit(Job{
			ID: "job",
			Execute: func(ctx context.Context) error {
				if atomic.AddInt64(&ran, 1) == 4 {
					close(done)
				}
				return nil
			},
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("only %d of 4 jobs ran", atomic.LoadInt64(&ran))
	}
}

func TestWorkerPoolStopCancelsJobContext(t *testing.T) {
	pool := NewWorkerPool(1)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	pool.Submit(Job{
		ID: "long",
		Execute: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	})

	<-started
	pool.Stop()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("running job never saw cancellation")
	}

	if err := pool.Submit(Job{ID: "late", Execute: func(ctx context.Context) error { return nil }}); err == nil {
		t.Fatal("submit after stop accepted")
	}

	pool.Stop() // idempotent
}
