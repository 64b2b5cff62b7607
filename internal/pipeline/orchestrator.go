package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by Submit once Shutdown has started.
var ErrShuttingDown = errors.New("pipeline is shutting down")

// Processor is implemented by Worker.
type Processor interface {
	Process(ctx context.Context, req Request) error
}

// Orchestrator runs submitted jobs in the background, at most MaxConcurrent at a
// time. Jobs waiting for a slot are queued in submission order by the semaphore.
type Orchestrator struct {
	worker Processor
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(worker Processor, maxConcurrent int) *Orchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		worker: worker,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues req and returns immediately.
func (o *Orchestrator) Submit(req Request) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShuttingDown
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			log.Warn().Str("job_id", req.JobID).Msg("pipeline: job dropped before start")
			return
		}
		defer o.sem.Release(1)

		if err := o.worker.Process(o.ctx, req); err != nil {
			log.Error().Err(err).Str("job_id", req.JobID).Msg("pipeline: job failed")
			return
		}
		log.Info().Str("job_id", req.JobID).Msg("pipeline: job completed")
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first, in-flight jobs are cancelled and Shutdown still waits for them to unwind.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}
