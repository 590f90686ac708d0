package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Enqueue outcomes surfaced to the trigger endpoint.
var (
	// ErrQueueFull means the job queue has no capacity; the caller should
	// retry later.
	ErrQueueFull = errors.New("worker: job queue full")

	// ErrAlreadyQueued means the session is already queued or being
	// processed.
	ErrAlreadyQueued = errors.New("worker: session already queued")
)

// Pool runs a fixed number of workers over a bounded job queue. Enqueue is
// non-blocking and observable: callers learn immediately whether a session
// was accepted, deduplicated, or rejected for capacity.
type Pool struct {
	processor *Processor
	jobs      chan string
	workers   int

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(processor *Processor, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		processor: processor,
		jobs:      make(chan string, queueSize),
		workers:   workers,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the worker goroutines. ctx cancellation stops workers
// after their current job.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	log.Info().Int("workers", p.workers).Int("queueSize", cap(p.jobs)).Msg("Worker pool started")
}

// Enqueue submits a session for processing. Returns ErrAlreadyQueued if the
// session is queued or in flight, ErrQueueFull if the queue is at capacity.
func (p *Pool) Enqueue(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrQueueFull
	}
	if _, ok := p.inflight[sessionID]; ok {
		return ErrAlreadyQueued
	}

	select {
	case p.jobs <- sessionID:
		p.inflight[sessionID] = struct{}{}
		log.Debug().Str("sessionId", sessionID).Int("queued", len(p.jobs)).Msg("Session enqueued")
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for workers to drain it. After Stop,
// Enqueue returns ErrQueueFull.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sessionID, ok := <-p.jobs:
			if !ok {
				return
			}

			if err := p.processor.Process(ctx, sessionID); err != nil {
				log.Error().Err(err).Int("worker", id).Str("sessionId", sessionID).Msg("Session processing error")
			}

			p.mu.Lock()
			delete(p.inflight, sessionID)
			p.mu.Unlock()
		}
	}
}
