package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rlm-tools/rlm-sandbox/pkg/sandbox"
)

// stubSandbox satisfies the Sandbox contract without an interpreter.
type stubSandbox struct {
	destroyed atomic.Bool
}

func (s *stubSandbox) Initialize(ctx context.Context, contextText string) error { return nil }
func (s *stubSandbox) Execute(ctx context.Context, code string) (*sandbox.ExecutionResult, error) {
	return &sandbox.ExecutionResult{}, nil
}
func (s *stubSandbox) GetVariable(ctx context.Context, name string) (*sandbox.Variable, error) {
	return &sandbox.Variable{}, nil
}
func (s *stubSandbox) Cancel() error { return nil }
func (s *stubSandbox) Destroy() error {
	s.destroyed.Store(true)
	return nil
}

func stubFactory() (sandbox.Sandbox, error) {
	return &stubSandbox{}, nil
}

func newTestPool(t *testing.T, size int) *Pool {
	t.Helper()
	p, err := New(size, stubFactory, time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestStatsInvariant(t *testing.T) {
	p := newTestPool(t, 3)

	check := func(total, available, inUse int) {
		t.Helper()
		st := p.Stats()
		if st.Total != total || st.Available != available || st.InUse != inUse {
			t.Fatalf("stats = %+v, want total=%d available=%d inUse=%d", st, total, available, inUse)
		}
		if st.Available+st.InUse != st.Total {
			t.Fatalf("invariant broken: %+v", st)
		}
	}

	check(3, 3, 0)
	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())
	check(3, 1, 2)
	p.Release(a)
	check(3, 2, 1)
	p.Release(b)
	check(3, 3, 0)
}

func TestInvalidSize(t *testing.T) {
	if _, err := New(0, stubFactory, time.Hour, nil); err == nil {
		t.Error("size 0 accepted")
	}
}

func TestFactoryFailureDestroysPartialPool(t *testing.T) {
	var made []*stubSandbox
	n := 0
	factory := func() (sandbox.Sandbox, error) {
		if n == 2 {
			return nil, errors.New("out of interpreters")
		}
		n++
		sb := &stubSandbox{}
		made = append(made, sb)
		return sb, nil
	}
	if _, err := New(3, factory, time.Hour, nil); err == nil {
		t.Fatal("expected factory failure to fail construction")
	}
	for i, sb := range made {
		if !sb.destroyed.Load() {
			t.Errorf("worker %d leaked after failed construction", i)
		}
	}
}

func TestWaitersServedFIFO(t *testing.T) {
	p := newTestPool(t, 1)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	type got struct {
		order int
		sb    sandbox.Sandbox
	}
	results := make(chan got, 3)
	for i := 1; i <= 3; i++ {
		i := i
		ready := make(chan struct{})
		go func() {
			close(ready)
			sb, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			results <- got{order: i, sb: sb}
		}()
		<-ready
		// Queue position must match start order.
		waitForWaiters(t, p, i)
	}

	p.Release(held)
	for want := 1; want <= 3; want++ {
		select {
		case g := <-results:
			if g.order != want {
				t.Fatalf("waiter %d served before waiter %d", g.order, want)
			}
			p.Release(g.sb)
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter %d never served", want)
		}
	}
}

func waitForWaiters(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		queued := len(p.waiters)
		p.mu.Unlock()
		if queued == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d waiters", n)
}

func TestAcquireContextCancelled(t *testing.T) {
	p := newTestPool(t, 1)
	held, _ := p.Acquire(context.Background())
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	waitForWaiters(t, p, 1)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled acquire never returned")
	}
	// The abandoned waiter must not linger in the queue.
	waitForWaiters(t, p, 0)
}

func TestHealthCheckTouchesIdleOnly(t *testing.T) {
	p, err := New(2, stubFactory, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	held, _ := p.Acquire(context.Background())
	defer p.Release(held)

	p.mu.Lock()
	var busyBefore, idleBefore time.Time
	for _, w := range p.workers {
		if w.inUse {
			busyBefore = w.lastHealthCheck
		} else {
			idleBefore = w.lastHealthCheck
		}
	}
	p.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		p.mu.Lock()
		var busyAfter, idleAfter time.Time
		for _, w := range p.workers {
			if w.inUse {
				busyAfter = w.lastHealthCheck
			} else {
				idleAfter = w.lastHealthCheck
			}
		}
		p.mu.Unlock()
		if idleAfter.After(idleBefore) {
			if busyAfter.After(busyBefore) {
				t.Fatal("health check touched an in-use worker")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("idle worker never health-checked")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReleaseUnknownSandboxIsNoop(t *testing.T) {
	p := newTestPool(t, 1)
	p.Release(&stubSandbox{})
	st := p.Stats()
	if st.Total != 1 || st.Available != 1 {
		t.Errorf("stats after foreign release = %+v", st)
	}
}

func TestShutdown(t *testing.T) {
	p, err := New(2, stubFactory, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}

	held, _ := p.Acquire(context.Background())
	_, _ = p.Acquire(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	waitForWaiters(t, p, 1)

	p.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShuttingDown) {
			t.Fatalf("waiter err = %v, want ErrShuttingDown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued waiter never rejected")
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("acquire after shutdown: err = %v, want ErrShuttingDown", err)
	}
	if st := p.Stats(); st.Total != 0 {
		t.Errorf("stats after shutdown = %+v, want empty", st)
	}

	// Idempotent; releasing after shutdown must not panic.
	p.Shutdown()
	p.Release(held)
}
