package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// Interrupt flag values shared between the controller and the execution unit.
const (
	interruptNone int32 = iota
	interruptCancel
	interruptTimeout
)

// WorkerSandbox runs the interpreter on a dedicated, OS-thread-locked
// goroutine. The controller and the execution unit share nothing mutable
// except one atomic interrupt flag and the goja interrupt channel; everything
// else is message-passed. Cancel aborts the current statement promptly rather
// than waiting for a timeout.
type WorkerSandbox struct {
	id     string
	cfg    Config
	logger *slog.Logger

	it *interp

	ops    chan workerOp
	quit   chan struct{}
	doneCh chan struct{}

	interrupt atomic.Int32
	destroyed atomic.Bool

	// vmMu guards cross-thread access to the VM's interrupt primitive after
	// destroy may have dropped it.
	vmMu sync.Mutex
	vm   *goja.Runtime

	// execMu serializes external operations: the contract forbids concurrent
	// calls against one instance.
	execMu sync.Mutex
}

type opKind int

const (
	opInitialize opKind = iota
	opExecute
	opGetVariable
	opReset
)

type workerOp struct {
	kind  opKind
	ctx   context.Context
	text  string
	reply chan workerReply
}

type workerReply struct {
	result   *ExecutionResult
	variable *Variable
	err      error
}

var _ Sandbox = (*WorkerSandbox)(nil)
var _ BridgeBinder = (*WorkerSandbox)(nil)
var _ Resetter = (*WorkerSandbox)(nil)

// NewWorkerSandbox creates a worker-isolated sandbox and starts its execution
// unit.
func NewWorkerSandbox(cfg Config, logger *slog.Logger) *WorkerSandbox {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	it := newInterp(cfg)
	s := &WorkerSandbox{
		id:     uuid.NewString(),
		cfg:    cfg,
		logger: logger.With("sandbox", "worker"),
		it:     it,
		vm:     it.vm,
		ops:    make(chan workerOp),
		quit:   make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.run()
	return s
}

// ID identifies this sandbox instance in logs.
func (s *WorkerSandbox) ID() string { return s.id }

// BindBridge swaps the bridge target. Only valid between executions.
func (s *WorkerSandbox) BindBridge(b Bridge) {
	s.it.bindBridge(b)
}

func (s *WorkerSandbox) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.doneCh)
	for {
		select {
		case op := <-s.ops:
			op.reply <- s.handle(op)
		case <-s.quit:
			s.it.destroy()
			return
		}
	}
}

func (s *WorkerSandbox) handle(op workerOp) workerReply {
	switch op.kind {
	case opInitialize:
		return workerReply{err: s.it.initialize(op.text)}
	case opExecute:
		res, err := s.it.execute(op.ctx, op.text)
		return workerReply{result: res, err: err}
	case opGetVariable:
		v, err := s.it.getVariable(op.text)
		return workerReply{variable: v, err: err}
	case opReset:
		return workerReply{err: s.it.reset()}
	}
	return workerReply{err: errors.New("unknown operation")}
}

// dispatch hands an operation to the execution unit and waits for its reply.
func (s *WorkerSandbox) dispatch(op workerOp) (workerReply, error) {
	op.reply = make(chan workerReply, 1)
	select {
	case s.ops <- op:
	case <-s.doneCh:
		return workerReply{}, ErrDestroyed
	}
	select {
	case r := <-op.reply:
		return r, nil
	case <-s.doneCh:
		// The reply is buffered, so a completed handle still wins over a
		// concurrent shutdown.
		select {
		case r := <-op.reply:
			return r, nil
		default:
			return workerReply{}, ErrDestroyed
		}
	}
}

// Initialize loads the context and installs bridge functions.
func (s *WorkerSandbox) Initialize(ctx context.Context, contextText string) error {
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	reply, err := s.dispatch(workerOp{kind: opInitialize, ctx: ctx, text: contextText})
	if err != nil {
		return err
	}
	return reply.err
}

// Execute runs one snippet under the configured timeout. The controller arms
// a timer that raises the shared interrupt flag; the flag and the interpreter
// interrupt are cleared once the call completes so stale signals never bleed
// into the next execution.
func (s *WorkerSandbox) Execute(ctx context.Context, code string) (*ExecutionResult, error) {
	if s.destroyed.Load() {
		return nil, ErrDestroyed
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.destroyed.Load() {
		return nil, ErrDestroyed
	}

	s.interrupt.Store(interruptNone)
	s.clearVMInterrupt()
	timer := time.AfterFunc(s.cfg.ExecTimeout, func() {
		if s.interrupt.CompareAndSwap(interruptNone, interruptTimeout) {
			s.interruptVM(ErrExecTimeout)
		}
	})

	reply, err := s.dispatch(workerOp{kind: opExecute, ctx: ctx, text: code})

	timer.Stop()
	cause := s.interrupt.Swap(interruptNone)
	s.clearVMInterrupt()

	if err != nil {
		return nil, err
	}
	if errors.Is(reply.err, errInterrupted) {
		if cause == interruptTimeout {
			return nil, ErrExecTimeout
		}
		return nil, ErrInterrupted
	}
	return reply.result, reply.err
}

// GetVariable reads a global from the interpreter.
func (s *WorkerSandbox) GetVariable(ctx context.Context, name string) (*Variable, error) {
	if s.destroyed.Load() {
		return nil, ErrDestroyed
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	reply, err := s.dispatch(workerOp{kind: opGetVariable, ctx: ctx, text: name})
	if err != nil {
		return nil, err
	}
	return reply.variable, reply.err
}

// Reset swaps in a fresh interpreter, discarding every global while keeping
// the execution unit alive. The caller must Initialize again before Execute.
func (s *WorkerSandbox) Reset() error {
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	reply, err := s.dispatch(workerOp{kind: opReset})
	if err != nil {
		return err
	}
	if reply.err != nil {
		return reply.err
	}
	// The reply channel ordered the execution unit's write to it.vm before
	// this read.
	s.vmMu.Lock()
	s.vm = s.it.vm
	s.vmMu.Unlock()
	return nil
}

// Cancel raises the shared interrupt flag, aborting an in-flight Execute at
// its next statement boundary.
func (s *WorkerSandbox) Cancel() error {
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	if s.interrupt.CompareAndSwap(interruptNone, interruptCancel) {
		s.interruptVM(ErrInterrupted)
	}
	return nil
}

// Destroy interrupts any in-flight execution, stops the execution unit, and
// drops the interpreter so its memory is reclaimed. Idempotent.
func (s *WorkerSandbox) Destroy() error {
	if !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	s.interrupt.Store(interruptCancel)
	s.interruptVM(ErrDestroyed)
	close(s.quit)
	<-s.doneCh
	s.vmMu.Lock()
	s.vm = nil
	s.vmMu.Unlock()
	s.logger.Debug("worker sandbox destroyed", "id", s.id)
	return nil
}

func (s *WorkerSandbox) interruptVM(v any) {
	s.vmMu.Lock()
	defer s.vmMu.Unlock()
	if s.vm != nil {
		s.vm.Interrupt(v)
	}
}

func (s *WorkerSandbox) clearVMInterrupt() {
	s.vmMu.Lock()
	defer s.vmMu.Unlock()
	if s.vm != nil {
		s.vm.ClearInterrupt()
	}
}
