// Package worker runs fire-and-forget jobs on a fixed set of goroutines fed
// by a bounded queue. Submitting never blocks: a full queue rejects the job.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Pool struct {
	jobs    chan Job
	workers int
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Pool)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool starts workers goroutines reading from a queue of queueSize jobs.
// Every job runs under its own timeout, detached from the submitter's context.
func NewPool(queueSize, workers int, timeout time.Duration, opts ...Option) *Pool {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs:    make(chan Job, queueSize),
		workers: workers,
		timeout: timeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop rejects new jobs and waits for queued ones to finish or ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("job", job.Name).Interface("panic", r).Msg("job panicked")
		}
	}()

	if err := job.Run(ctx); err != nil {
		p.logger.Warn().Err(err).Str("job", job.Name).Msg("job failed")
	}
}
