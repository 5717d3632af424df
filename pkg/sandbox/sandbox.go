// Package sandbox provides isolated JavaScript execution contexts for
// model-generated code. Every backend satisfies the same Sandbox contract, so
// callers stay backend-agnostic: a worker-isolated runtime with true
// mid-execution cancellation, a direct same-goroutine fallback, and (in
// pkg/client) a proxy speaking to the shared daemon.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotInitialized is returned by Execute before Initialize was called.
	ErrNotInitialized = errors.New("sandbox not initialized")

	// ErrDestroyed is returned by any operation after Destroy.
	ErrDestroyed = errors.New("sandbox destroyed")

	// ErrInterrupted is returned when Cancel aborted an in-flight Execute.
	ErrInterrupted = errors.New("execution interrupted")

	// ErrExecTimeout is returned when the per-execution timeout elapsed.
	// Kept distinct from ErrInterrupted so callers can tell a deliberate
	// cancel from a runaway snippet.
	ErrExecTimeout = errors.New("execution timed out")
)

// Sandbox is one isolated code-execution context. Operations on a single
// instance are strictly sequential; concurrency comes from holding multiple
// instances, never from pipelining one.
type Sandbox interface {
	// Initialize loads a context string into the interpreter's global scope
	// and installs the bridge functions. Must be called before Execute;
	// calling it again replaces the context.
	Initialize(ctx context.Context, contextText string) error

	// Execute runs one code snippet and captures its output.
	Execute(ctx context.Context, code string) (*ExecutionResult, error)

	// GetVariable reads a named global after execution. A found null and an
	// absent variable are distinguishable via Variable.Found.
	GetVariable(ctx context.Context, name string) (*Variable, error)

	// Cancel requests interruption of an in-flight Execute. Deterministic on
	// the worker-isolated runtime, best-effort (no-op) on the direct one.
	Cancel() error

	// Destroy releases all interpreter resources. Idempotent.
	Destroy() error
}

// Resetter is implemented by local runtimes that can replace their
// interpreter with a fresh one while staying alive. The daemon uses it to
// recycle pooled workers instead of tearing them down.
type Resetter interface {
	Reset() error
}

// ExecutionResult captures the outcome of one Execute call. Error holds the
// interpreter exception, if any; infrastructure failures surface as Go errors
// instead.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	Error    string
	Duration time.Duration
}

// Variable is the result of GetVariable.
type Variable struct {
	Value any
	Found bool
}

// Config holds per-sandbox settings.
type Config struct {
	// ExecTimeout is the maximum wall-clock time per Execute.
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`

	// MaxOutputChars caps captured stdout/stderr, counted in runes so
	// truncation never splits UTF-8.
	MaxOutputChars int `mapstructure:"max_output_chars"`

	// BatchParallelism bounds the fan-out of the batched bridge calls.
	BatchParallelism int `mapstructure:"batch_parallelism"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ExecTimeout:      60 * time.Second,
		MaxOutputChars:   16384,
		BatchParallelism: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.MaxOutputChars <= 0 {
		c.MaxOutputChars = d.MaxOutputChars
	}
	if c.BatchParallelism <= 0 {
		c.BatchParallelism = d.BatchParallelism
	}
	return c
}
