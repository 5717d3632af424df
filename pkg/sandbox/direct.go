package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DirectSandbox runs the interpreter on the caller's goroutine. It satisfies
// the same contract as WorkerSandbox but offers no isolation: Cancel is a
// no-op and only the per-execution timeout terminates runaway code.
type DirectSandbox struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	it        *interp
	destroyed atomic.Bool
}

var _ Sandbox = (*DirectSandbox)(nil)
var _ BridgeBinder = (*DirectSandbox)(nil)
var _ Resetter = (*DirectSandbox)(nil)

// NewDirectSandbox creates a same-goroutine sandbox.
func NewDirectSandbox(cfg Config, logger *slog.Logger) *DirectSandbox {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectSandbox{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: logger.With("sandbox", "direct"),
		it:     newInterp(cfg),
	}
}

// ID identifies this sandbox instance in logs.
func (s *DirectSandbox) ID() string { return s.id }

// BindBridge swaps the bridge target. Only valid between executions.
func (s *DirectSandbox) BindBridge(b Bridge) {
	s.it.bindBridge(b)
}

// Initialize loads the context and installs bridge functions.
func (s *DirectSandbox) Initialize(ctx context.Context, contextText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	return s.it.initialize(contextText)
}

// Execute runs one snippet. The timeout timer interrupts the interpreter in
// place; there is no separate execution unit to abort.
func (s *DirectSandbox) Execute(ctx context.Context, code string) (*ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return nil, ErrDestroyed
	}

	vm := s.it.vm
	vm.ClearInterrupt()
	timer := time.AfterFunc(s.cfg.ExecTimeout, func() {
		vm.Interrupt(ErrExecTimeout)
	})

	res, err := s.it.execute(ctx, code)

	timer.Stop()
	vm.ClearInterrupt()

	if errors.Is(err, errInterrupted) {
		return nil, ErrExecTimeout
	}
	return res, err
}

// GetVariable reads a global from the interpreter.
func (s *DirectSandbox) GetVariable(ctx context.Context, name string) (*Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return nil, ErrDestroyed
	}
	return s.it.getVariable(name)
}

// Reset swaps in a fresh interpreter, discarding every global.
func (s *DirectSandbox) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	return s.it.reset()
}

// Cancel is best-effort on this runtime: true interruption is unavailable, so
// it does nothing and the execution timeout remains the only backstop. It
// must not block behind an in-flight Execute, so it takes no lock.
func (s *DirectSandbox) Cancel() error {
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	return nil
}

// Destroy drops the interpreter. Idempotent.
func (s *DirectSandbox) Destroy() error {
	if !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.it.destroy()
	s.logger.Debug("direct sandbox destroyed", "id", s.id)
	return nil
}
