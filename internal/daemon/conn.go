package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rlm-tools/rlm-sandbox/pkg/auth"
	"github.com/rlm-tools/rlm-sandbox/pkg/protocol"
	"github.com/rlm-tools/rlm-sandbox/pkg/sandbox"
)

// maxFrameBytes bounds one JSON-RPC line; code snippets and captured output
// both travel inside a single frame.
const maxFrameBytes = 16 * 1024 * 1024

// conn is one client connection. Incoming lines are processed as they
// arrive; each request runs in its own goroutine so responses go out in
// completion order. Bridge requests initiated by this server toward the
// client use a string id space ("bridge:<n>") disjoint from the client's
// numeric ids.
type conn struct {
	srv    *Server
	nc     net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	authed atomic.Bool

	bridgeSeq     atomic.Uint64
	bridgeMu      sync.Mutex
	bridgePending map[string]chan *protocol.Message

	closed chan struct{}
	reqWG  sync.WaitGroup
}

func newConn(s *Server, nc net.Conn) *conn {
	id := uuid.NewString()
	return &conn{
		srv:           s,
		nc:            nc,
		logger:        s.logger.With("conn", id[:8]),
		bridgePending: make(map[string]chan *protocol.Message),
		closed:        make(chan struct{}),
	}
}

func (c *conn) serve() {
	defer c.nc.Close()
	c.logger.Debug("connection opened")

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.send(protocol.NewErrorResponse(nil, protocol.CodeParseError, "Parse error: "+err.Error()))
			continue
		}
		if !msg.IsRequest() && (msg.Result != nil || msg.Error != nil) {
			c.routeBridgeResponse(&msg)
			continue
		}
		m := msg
		c.reqWG.Add(1)
		go func() {
			defer c.reqWG.Done()
			c.handleRequest(&m)
		}()
	}

	// Connection gone: abort bridge calls still waiting on this client, then
	// let in-flight handlers drain.
	close(c.closed)
	c.reqWG.Wait()
	c.logger.Debug("connection closed")
}

func (c *conn) send(m *protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.nc.Write(frame)
	return err
}

func (c *conn) handleRequest(m *protocol.Message) {
	if m.JSONRPC != protocol.Version || m.Method == "" {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeInvalidRequest, "Invalid Request"))
		return
	}

	switch m.Method {
	case protocol.MethodAuth:
		c.handleAuth(m)
		return
	case protocol.MethodPing:
		c.handlePing(m)
		return
	}

	if c.srv.cfg.Token != "" && !c.authed.Load() {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeApplication, "Authentication required"))
		return
	}

	switch m.Method {
	case protocol.MethodStats:
		c.handleStats(m)
	case protocol.MethodInitialize:
		c.handleInitialize(m)
	case protocol.MethodExecute:
		c.handleExecute(m)
	case protocol.MethodGetVariable:
		c.handleGetVariable(m)
	case protocol.MethodCancel:
		// Nothing is checked out on behalf of this connection between
		// requests; acknowledge without touching the pool.
		c.respond(m, protocol.OKResult{Success: true})
	case protocol.MethodDestroy:
		c.handleDestroy(m)
	default:
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeMethodNotFound, "Method not found: "+m.Method))
	}
}

func (c *conn) respond(m *protocol.Message, result any) {
	resp, err := protocol.NewResponse(m.ID, result)
	if err != nil {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeInternalError, err.Error()))
		return
	}
	c.send(resp)
}

func (c *conn) handleAuth(m *protocol.Message) {
	var params protocol.AuthParams
	// Type-mismatched or missing input is an authentication failure, never a
	// server fault.
	if err := json.Unmarshal(m.Params, &params); err != nil || params.Token == nil {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeApplication, "Authentication failed"))
		return
	}
	if c.srv.cfg.Token != "" && !auth.Equal(*params.Token, c.srv.cfg.Token) {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeApplication, "Authentication failed"))
		return
	}
	c.authed.Store(true)
	c.respond(m, protocol.OKResult{Success: true})
}

func (c *conn) handlePing(m *protocol.Message) {
	c.respond(m, protocol.PingResult{
		UptimeMs: c.srv.Uptime().Milliseconds(),
		Workers:  c.srv.pool.Stats().Total,
	})
}

func (c *conn) handleStats(m *protocol.Message) {
	st := c.srv.pool.Stats()
	c.respond(m, protocol.StatsResult{Total: st.Total, Available: st.Available, InUse: st.InUse})
}

// withWorker acquires a pooled worker, binds its bridge to this connection,
// and guarantees release even when the operation fails, so a failing
// execution never leaks a permanently checked-out worker.
func (c *conn) withWorker(m *protocol.Message, fn func(sb sandbox.Sandbox) error) {
	sb, err := c.srv.pool.Acquire(context.Background())
	if err != nil {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeApplication, err.Error()))
		return
	}
	defer c.srv.pool.Release(sb)

	if binder, ok := sb.(sandbox.BridgeBinder); ok {
		binder.BindBridge(&connBridge{c: c})
		defer binder.BindBridge(nil)
	}

	if err := fn(sb); err != nil {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeApplication, err.Error()))
	}
}

func (c *conn) handleInitialize(m *protocol.Message) {
	var params protocol.InitializeParams
	if m.Params != nil {
		if err := json.Unmarshal(m.Params, &params); err != nil {
			c.send(protocol.NewErrorResponse(m.ID, protocol.CodeInvalidParams, "invalid params: "+err.Error()))
			return
		}
	}
	c.withWorker(m, func(sb sandbox.Sandbox) error {
		if err := sb.Initialize(context.Background(), params.Context); err != nil {
			return err
		}
		c.respond(m, protocol.OKResult{Success: true})
		return nil
	})
}

func (c *conn) handleExecute(m *protocol.Message) {
	var params protocol.ExecuteParams
	if err := json.Unmarshal(m.Params, &params); err != nil || params.Code == nil {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeInvalidParams, "missing required parameter: code"))
		return
	}
	c.withWorker(m, func(sb sandbox.Sandbox) error {
		res, err := sb.Execute(context.Background(), *params.Code)
		if err != nil {
			return err
		}
		c.respond(m, protocol.ExecuteResult{
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Error:    res.Error,
			Duration: float64(res.Duration.Microseconds()) / 1000.0,
		})
		return nil
	})
}

func (c *conn) handleGetVariable(m *protocol.Message) {
	var params protocol.GetVariableParams
	if err := json.Unmarshal(m.Params, &params); err != nil || params.Name == nil {
		c.send(protocol.NewErrorResponse(m.ID, protocol.CodeInvalidParams, "missing required parameter: name"))
		return
	}
	c.withWorker(m, func(sb sandbox.Sandbox) error {
		v, err := sb.GetVariable(context.Background(), *params.Name)
		if err != nil {
			return err
		}
		c.respond(m, protocol.GetVariableResult{Value: v.Value, Found: v.Found})
		return nil
	})
}

// handleDestroy resets a pooled worker's interpreter state. The worker stays
// in the pool, re-initialized with an empty context so it remains usable.
func (c *conn) handleDestroy(m *protocol.Message) {
	c.withWorker(m, func(sb sandbox.Sandbox) error {
		if r, ok := sb.(sandbox.Resetter); ok {
			if err := r.Reset(); err != nil {
				return err
			}
		}
		if err := sb.Initialize(context.Background(), ""); err != nil {
			return err
		}
		c.respond(m, protocol.OKResult{Success: true})
		return nil
	})
}

// connBridge forwards bridge calls from a pooled worker's sandboxed code back
// to the client that owns the in-flight request.
type connBridge struct {
	c *conn
}

var _ sandbox.Bridge = (*connBridge)(nil)

func (b *connBridge) LLMQuery(ctx context.Context, prompt string) (string, error) {
	return b.c.bridgeCall(ctx, protocol.MethodBridgeLLM, protocol.BridgeLLMParams{Prompt: prompt})
}

func (b *connBridge) RLMQuery(ctx context.Context, task, taskContext string) (string, error) {
	return b.c.bridgeCall(ctx, protocol.MethodBridgeRLM, protocol.BridgeRLMParams{Task: task, Context: taskContext})
}

func (c *conn) bridgeCall(ctx context.Context, method string, params any) (string, error) {
	id := protocol.BridgeID(c.bridgeSeq.Add(1))
	key := string(id)

	ch := make(chan *protocol.Message, 1)
	c.bridgeMu.Lock()
	c.bridgePending[key] = ch
	c.bridgeMu.Unlock()
	defer func() {
		c.bridgeMu.Lock()
		delete(c.bridgePending, key)
		c.bridgeMu.Unlock()
	}()

	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return "", err
	}
	if err := c.send(req); err != nil {
		return "", fmt.Errorf("bridge request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return "", resp.Error
		}
		var out string
		if err := json.Unmarshal(resp.Result, &out); err != nil {
			return "", fmt.Errorf("bridge result: %w", err)
		}
		return out, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.closed:
		return "", errors.New("connection closed during bridge call")
	}
}

func (c *conn) routeBridgeResponse(m *protocol.Message) {
	key := string(m.ID)
	c.bridgeMu.Lock()
	ch, ok := c.bridgePending[key]
	if ok {
		delete(c.bridgePending, key)
	}
	c.bridgeMu.Unlock()
	if !ok {
		c.logger.Debug("ignoring response with unknown id", "id", key)
		return
	}
	ch <- m
}
