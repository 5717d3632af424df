package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rlm-tools/rlm-sandbox/pkg/protocol"
	"github.com/rlm-tools/rlm-sandbox/pkg/sandbox"
)

// BridgeHandler adapts a local Bridge implementation to the daemon-initiated
// request side of the protocol, so sandboxed code running inside the daemon
// can call back into this process mid-execution.
func BridgeHandler(b sandbox.Bridge) ServerRequestHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if b == nil {
			return nil, errors.New("no bridge configured")
		}
		switch method {
		case protocol.MethodBridgeLLM:
			var p protocol.BridgeLLMParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("decode bridge params: %w", err)
			}
			return b.LLMQuery(ctx, p.Prompt)
		case protocol.MethodBridgeRLM:
			var p protocol.BridgeRLMParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("decode bridge params: %w", err)
			}
			return b.RLMQuery(ctx, p.Task, p.Context)
		default:
			return nil, fmt.Errorf("unknown bridge method: %s", method)
		}
	}
}

// RemoteSandbox satisfies the Sandbox contract by delegating every operation
// to the daemon over the IPC client. Callers cannot tell it apart from a
// local runtime except that Destroy releases the connection instead of an
// interpreter.
type RemoteSandbox struct {
	c         *Client
	destroyed atomic.Bool
}

var _ sandbox.Sandbox = (*RemoteSandbox)(nil)

// NewRemoteSandbox wraps a connected client as a Sandbox.
func NewRemoteSandbox(c *Client) *RemoteSandbox {
	return &RemoteSandbox{c: c}
}

// Initialize loads the context into a daemon worker.
func (s *RemoteSandbox) Initialize(ctx context.Context, contextText string) error {
	if s.destroyed.Load() {
		return sandbox.ErrDestroyed
	}
	var res protocol.OKResult
	return s.c.Call(ctx, protocol.MethodInitialize,
		protocol.InitializeParams{Context: contextText}, &res)
}

// Execute runs one snippet on a daemon worker and converts the wire result
// back to the local shape.
func (s *RemoteSandbox) Execute(ctx context.Context, code string) (*sandbox.ExecutionResult, error) {
	if s.destroyed.Load() {
		return nil, sandbox.ErrDestroyed
	}
	var res protocol.ExecuteResult
	if err := s.c.Call(ctx, protocol.MethodExecute,
		protocol.ExecuteParams{Code: &code}, &res); err != nil {
		return nil, mapRemoteError(err)
	}
	return &sandbox.ExecutionResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Error:    res.Error,
		Duration: time.Duration(res.Duration * float64(time.Millisecond)),
	}, nil
}

// GetVariable reads a named global from a daemon worker.
func (s *RemoteSandbox) GetVariable(ctx context.Context, name string) (*sandbox.Variable, error) {
	if s.destroyed.Load() {
		return nil, sandbox.ErrDestroyed
	}
	var res protocol.GetVariableResult
	if err := s.c.Call(ctx, protocol.MethodGetVariable,
		protocol.GetVariableParams{Name: &name}, &res); err != nil {
		return nil, err
	}
	return &sandbox.Variable{Value: res.Value, Found: res.Found}, nil
}

// Cancel asks the daemon to interrupt. Between requests nothing is checked
// out on this connection's behalf, so the daemon acknowledges without
// touching a worker.
func (s *RemoteSandbox) Cancel() error {
	if s.destroyed.Load() {
		return sandbox.ErrDestroyed
	}
	var res protocol.OKResult
	return s.c.Call(context.Background(), protocol.MethodCancel, nil, &res)
}

// Destroy sends a best-effort destroy and closes the connection. Idempotent.
func (s *RemoteSandbox) Destroy() error {
	if !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var res protocol.OKResult
	// The daemon recycles its worker either way; a failure here only means
	// the daemon is already gone.
	s.c.Call(ctx, protocol.MethodDestroy, nil, &res)
	return s.c.Close()
}

// mapRemoteError converts the daemon's application errors for timeout and
// interruption back into the local sentinels, so callers can branch the same
// way on every backend.
func mapRemoteError(err error) error {
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeApplication {
		return err
	}
	switch rpcErr.Message {
	case sandbox.ErrExecTimeout.Error():
		return sandbox.ErrExecTimeout
	case sandbox.ErrInterrupted.Error():
		return sandbox.ErrInterrupted
	case sandbox.ErrNotInitialized.Error():
		return sandbox.ErrNotInitialized
	}
	return err
}
