package triage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of background work. The context carries the job timeout.
type Job func(ctx context.Context) error

// Persister runs post-stream persistence outside the request lifecycle.
// Jobs are tracked so Shutdown can wait for them.
type Persister struct {
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPersister creates a persister whose jobs each get timeout to finish.
func NewPersister(timeout time.Duration, logger *zap.Logger) *Persister {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Persister{timeout: timeout, logger: logger}
}

// Submit starts job in the background. It returns false once Shutdown has
// been called.
func (p *Persister) Submit(name string, job Job, fields ...zap.Field) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("persister closed, dropping job", append(fields, zap.String("job", name))...)
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		log := p.logger.With(append(fields, zap.String("job", name))...)

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		start := time.Now()
		if err := p.run(ctx, job); err != nil {
			log.Error("background job failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return
		}
		log.Debug("background job finished", zap.Duration("elapsed", time.Since(start)))
	}()
	return true
}

func (p *Persister) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

// Wait blocks until every submitted job has finished.
func (p *Persister) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting jobs and waits for running ones or ctx.
func (p *Persister) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
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
		return fmt.Errorf("persister shutdown: %w", ctx.Err())
	}
}
