// Package pool manages a fixed set of pre-initialized sandbox workers shared
// across daemon requests. Acquire/release is the sole synchronization
// boundary: no other code may touch a pooled worker's sandbox directly.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rlm-tools/rlm-sandbox/pkg/sandbox"
)

// ErrShuttingDown is returned to acquirers once Shutdown has begun.
var ErrShuttingDown = errors.New("pool shutting down")

// DefaultHealthInterval is how often idle workers are health-checked.
const DefaultHealthInterval = 30 * time.Second

// Factory creates one pre-initialized sandbox worker.
type Factory func() (sandbox.Sandbox, error)

// Stats is a point-in-time snapshot; Available+InUse == Total always holds.
type Stats struct {
	Total     int
	Available int
	InUse     int
}

type worker struct {
	sb              sandbox.Sandbox
	inUse           bool
	lastHealthCheck time.Time
}

type waiter struct {
	ch chan acquireResult
}

type acquireResult struct {
	sb  sandbox.Sandbox
	err error
}

// Pool owns N pre-initialized sandbox workers, hands them out under mutual
// exclusion, and queues excess demand in strict FIFO order.
type Pool struct {
	logger *slog.Logger

	mu           sync.Mutex
	workers      []*worker
	waiters      []*waiter
	shuttingDown bool

	healthStop chan struct{}
	healthDone chan struct{}
}

// New creates a pool of size workers and starts the idle health checker.
func New(size int, factory Factory, healthInterval time.Duration, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		logger:     logger.With("component", "pool"),
		healthStop: make(chan struct{}),
		healthDone: make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		sb, err := factory()
		if err != nil {
			p.destroyAllLocked()
			return nil, fmt.Errorf("create pool worker %d: %w", i, err)
		}
		p.workers = append(p.workers, &worker{sb: sb, lastHealthCheck: time.Now()})
	}

	go p.healthLoop(healthInterval)
	p.logger.Info("worker pool started", "size", size)
	return p, nil
}

// Acquire returns an idle worker immediately if one exists; otherwise the
// caller queues until a release or shutdown resolves it.
func (p *Pool) Acquire(ctx context.Context) (sandbox.Sandbox, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	for _, w := range p.workers {
		if !w.inUse {
			w.inUse = true
			p.mu.Unlock()
			return w.sb, nil
		}
	}
	wt := &waiter{ch: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, wt)
	p.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case res := <-wt.ch:
		return res.sb, res.err
	case <-ctx.Done():
		p.mu.Lock()
		for i, queued := range p.waiters {
			if queued == wt {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// Already fulfilled in the race window; hand the worker back.
		res := <-wt.ch
		if res.err == nil {
			p.Release(res.sb)
		}
		return nil, ctx.Err()
	}
}

// Release marks the worker idle, unless someone is waiting: a non-empty queue
// always wins over leaving a worker free, and waiters are served oldest
// first. Releasing an unrecognized sandbox is a silent no-op.
func (p *Pool) Release(sb sandbox.Sandbox) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.sb != sb {
			continue
		}
		if len(p.waiters) > 0 {
			wt := p.waiters[0]
			p.waiters = p.waiters[1:]
			// Worker stays in use; ownership transfers to the waiter.
			wt.ch <- acquireResult{sb: w.sb}
			return
		}
		w.inUse = false
		return
	}
}

// Shutdown rejects all queued waiters, destroys every owned worker, and
// leaves the pool empty. Subsequent Acquire calls fail immediately.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true

	// Waiters are rejected before any worker is destroyed so no new work can
	// begin during teardown.
	for _, wt := range p.waiters {
		wt.ch <- acquireResult{err: ErrShuttingDown}
	}
	p.waiters = nil

	p.destroyAllLocked()
	p.mu.Unlock()

	close(p.healthStop)
	<-p.healthDone
	p.logger.Info("worker pool shut down")
}

func (p *Pool) destroyAllLocked() {
	for _, w := range p.workers {
		if err := w.sb.Destroy(); err != nil {
			p.logger.Warn("destroying pooled worker failed", "error", err)
		}
	}
	p.workers = nil
}

// Stats returns a point-in-time snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.workers)}
	for _, w := range p.workers {
		if w.inUse {
			s.InUse++
		} else {
			s.Available++
		}
	}
	return s
}

func (p *Pool) healthLoop(interval time.Duration) {
	defer close(p.healthDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkIdleWorkers()
		case <-p.healthStop:
			return
		}
	}
}

// checkIdleWorkers touches idle workers only; in-use workers are never
// inspected so a health pass cannot disturb an execution in flight.
// Replacement of unhealthy workers would hook in here.
func (p *Pool) checkIdleWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, w := range p.workers {
		if !w.inUse {
			w.lastHealthCheck = now
		}
	}
}
