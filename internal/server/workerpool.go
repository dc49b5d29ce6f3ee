package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/varunrmantri23/CrimsonCache/internal/logging"
)

// task is one unit of background work: the expiry sweep, an auto-save, a
// metrics refresh, or an RSS report.
type task func()

// workerPool runs CrimsonCache's background jobs (expiry sweeper,
// auto-save worker, metrics refresh, RSS reporter) behind a small fixed pool of
// goroutines instead of bare `go func(){...}()` calls, so a panicking job
// is recovered and a burst of ticks can't pile up unboundedly — the same
// bounded-pool shape used to cap concurrent fan-out dispatch elsewhere.
type workerPool struct {
	queue   chan task
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  zerolog.Logger
}

func newWorkerPool(queueDepth int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		queue:  make(chan task, queueDepth),
		logger: logger,
	}
}

// start launches the pool's worker goroutines. Call once.
func (p *workerPool) start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *workerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.exec(t)
		}
	}
}

func (p *workerPool) exec(t task) {
	defer logging.RecoverPanic(p.logger, "server.workerPool", nil)
	t()
}

// submit enqueues t, dropping it (and counting the drop) instead of
// blocking the caller when the queue is full.
func (p *workerPool) submit(t task) {
	select {
	case p.queue <- t:
	default:
		p.dropped.Add(1)
		p.logger.Warn().Msg("worker pool queue full, task dropped")
	}
}

func (p *workerPool) droppedCount() int64 { return p.dropped.Load() }

func (p *workerPool) stop() {
	close(p.queue)
	p.wg.Wait()
}
