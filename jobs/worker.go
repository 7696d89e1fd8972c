package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Job is one asynchronous control-plane task, such as a manually
// requested backfill. Execute receives the pool's shutdown context.
type Job struct {
	ID      string
	Execute func(ctx context.Context) error
}

// WorkerPool runs control-plane jobs off the API request path. Generator
// tickers never go through here; the pool exists so a long backfill does
// not hold an HTTP connection open.
type WorkerPool struct {
	workerCount int
	jobQueue    chan Job
	wg          sync.WaitGroup
	stopOnce    sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool starts workerCount workers.
func NewWorkerPool(workerCount int) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		workerCount: workerCount,
		jobQueue:    make(chan Job, workerCount*2),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < workerCount; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	log.Printf("[Jobs] worker pool started with %d workers", workerCount)
	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobQueue:
			log.Printf("[Jobs] worker %d running job %s", id, job.ID)
			if err := job.Execute(p.ctx); err != nil {
				log.Printf("[Jobs] job %s failed: %v", job.ID, err)
			} else {
				log.Printf("[Jobs] job %s completed", job.ID)
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// Submit enqueues a job. Fails when the pool is shutting down.
func (p *WorkerPool) Submit(job Job) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	default:
	}
	select {
	case p.jobQueue <- job:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Stop cancels in-flight jobs and waits for the workers to exit. Jobs
// still queued at that point are discarded.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		log.Printf("[Jobs] worker pool stopped")
	})
}

// QueueSize reports the number of queued jobs.
func (p *WorkerPool) QueueSize() int {
	return len(p.jobQueue)
}
