package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// errInterrupted marks a goja interrupt; the owning runtime maps it to
// ErrInterrupted or ErrExecTimeout depending on who raised the flag.
var errInterrupted = errors.New("interpreter interrupted")

// interp is the interpreter core shared by the worker-isolated and direct
// runtimes. It is not safe for concurrent use; each runtime provides its own
// sequencing.
type interp struct {
	cfg    Config
	vm     *goja.Runtime
	stdout *captureBuffer
	stderr *captureBuffer

	bridgeMu sync.RWMutex
	bridge   Bridge

	initialized bool

	// execCtx is the context of the in-flight Execute; bridge calls made by
	// the running snippet inherit it.
	execCtx context.Context
}

func newInterp(cfg Config) *interp {
	it := &interp{
		cfg:     cfg,
		vm:      goja.New(),
		stdout:  newCaptureBuffer(cfg.MaxOutputChars),
		stderr:  newCaptureBuffer(cfg.MaxOutputChars),
		execCtx: context.Background(),
	}
	it.installOutput()
	return it
}

// installOutput wires print and console.log/error to the capture buffers.
func (it *interp) installOutput() {
	writeLine := func(buf *captureBuffer) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			buf.WriteString(strings.Join(parts, " ") + "\n")
			return goja.Undefined()
		}
	}
	it.vm.Set("print", writeLine(it.stdout))
	console := it.vm.NewObject()
	console.Set("log", writeLine(it.stdout))
	console.Set("info", writeLine(it.stdout))
	console.Set("error", writeLine(it.stderr))
	console.Set("warn", writeLine(it.stderr))
	it.vm.Set("console", console)
}

func (it *interp) bindBridge(b Bridge) {
	it.bridgeMu.Lock()
	it.bridge = b
	it.bridgeMu.Unlock()
}

func (it *interp) currentBridge() Bridge {
	it.bridgeMu.RLock()
	defer it.bridgeMu.RUnlock()
	return it.bridge
}

// initialize loads the context text into the global scope and installs the
// bridge functions. Calling it again replaces the context.
func (it *interp) initialize(contextText string) error {
	if it.vm == nil {
		return ErrDestroyed
	}
	it.vm.Set("context", contextText)
	it.installBridges()
	it.initialized = true
	return nil
}

func (it *interp) execute(ctx context.Context, code string) (*ExecutionResult, error) {
	if it.vm == nil {
		return nil, ErrDestroyed
	}
	if !it.initialized {
		return nil, ErrNotInitialized
	}
	it.stdout.Reset()
	it.stderr.Reset()
	if ctx == nil {
		ctx = context.Background()
	}
	it.execCtx = ctx

	start := time.Now()
	_, err := it.vm.RunString(code)
	duration := time.Since(start)
	it.execCtx = context.Background()

	if err != nil {
		var intr *goja.InterruptedError
		if errors.As(err, &intr) {
			return nil, errInterrupted
		}
		// Interpreter exceptions belong to the result, mirrored to stderr
		// the way a traceback would be.
		it.stderr.WriteString(err.Error() + "\n")
		return &ExecutionResult{
			Stdout:   it.stdout.String(),
			Stderr:   it.stderr.String(),
			Error:    err.Error(),
			Duration: duration,
		}, nil
	}

	return &ExecutionResult{
		Stdout:   it.stdout.String(),
		Stderr:   it.stderr.String(),
		Duration: duration,
	}, nil
}

func (it *interp) getVariable(name string) (*Variable, error) {
	if it.vm == nil {
		return nil, ErrDestroyed
	}
	v := it.vm.GlobalObject().Get(name)
	if v == nil || goja.IsUndefined(v) {
		return &Variable{Found: false}, nil
	}
	if goja.IsNull(v) {
		return &Variable{Found: true, Value: nil}, nil
	}
	return &Variable{Found: true, Value: v.Export()}, nil
}

// reset replaces the VM with a fresh one, discarding all globals. The bridge
// binding survives; the caller must re-run initialize before executing.
func (it *interp) reset() error {
	if it.vm == nil {
		return ErrDestroyed
	}
	it.vm = goja.New()
	it.initialized = false
	it.stdout.Reset()
	it.stderr.Reset()
	it.installOutput()
	return nil
}

// destroy drops the VM so all interpreter memory can be reclaimed.
func (it *interp) destroy() {
	it.vm = nil
	it.initialized = false
	it.stdout.Reset()
	it.stderr.Reset()
}
