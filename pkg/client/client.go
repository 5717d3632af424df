// Package client implements the IPC side of the sandbox daemon protocol: a
// line-framed JSON-RPC connection over the local socket, plus a Sandbox proxy
// so daemon-backed execution is indistinguishable from a local runtime.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rlm-tools/rlm-sandbox/pkg/protocol"
)

var (
	// ErrNotConnected is returned when no usable connection exists and none
	// could be established.
	ErrNotConnected = errors.New("not connected to daemon")

	// ErrRequestTimeout is returned when the daemon did not answer a request
	// within the configured window.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed resolves every request that was in flight when the
	// connection dropped.
	ErrConnectionClosed = errors.New("connection closed")
)

// Config holds IPC client settings.
type Config struct {
	// SocketPath is the daemon endpoint; empty means the user-scoped default.
	SocketPath string

	// ConnectTimeout bounds dialing the socket.
	ConnectTimeout time.Duration

	// RequestTimeout bounds each request/response round trip. Long-running
	// execute calls, including suspended bridge round trips, count against it.
	RequestTimeout time.Duration

	// AutoReconnect redials a dropped connection on the next request. Only a
	// connection that was established at least once is redialed.
	AutoReconnect bool
}

func (c Config) withDefaults() Config {
	if c.SocketPath == "" {
		c.SocketPath = protocol.DefaultEndpoint()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	return c
}

// ServerRequestHandler answers a daemon-initiated request (a bridge call).
// The returned value becomes the response result; a returned error becomes a
// JSON-RPC error response.
type ServerRequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

type rpcResult struct {
	msg *protocol.Message
	err error
}

// Client is a connection to the sandbox daemon. One reader goroutine routes
// incoming lines: responses are matched to pending requests by numeric id,
// and daemon-initiated bridge requests are dispatched to the handler.
// Safe for concurrent use.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	handler ServerRequestHandler

	nextID atomic.Uint64

	mu            sync.Mutex
	nc            net.Conn
	everConnected bool
	closed        bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResult
}

// New creates an unconnected client. handler may be nil when the caller never
// expects bridge requests.
func New(cfg Config, handler ServerRequestHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "client"),
		handler: handler,
		pending: make(map[uint64]chan rpcResult),
	}
}

// Connect dials the daemon socket and starts the read loop.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	if c.nc != nil {
		return nil
	}
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	nc, err := protocol.Dial(c.cfg.SocketPath, c.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", c.cfg.SocketPath, err)
	}
	c.nc = nc
	c.everConnected = true
	go c.readLoop(nc)
	return nil
}

// ensureConnected returns the live connection, redialing first when
// auto-reconnect applies.
func (c *Client) ensureConnected() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	if c.nc != nil {
		return c.nc, nil
	}
	if !c.cfg.AutoReconnect || !c.everConnected {
		return nil, ErrNotConnected
	}
	if err := c.connectLocked(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return c.nc, nil
}

// Request performs one JSON-RPC round trip. It honors both ctx and the
// configured request timeout, whichever fires first. A JSON-RPC error
// response is returned as a *protocol.Error.
func (c *Client) Request(ctx context.Context, method string, params any) (*protocol.Message, error) {
	nc, err := c.ensureConnected()
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(protocol.NumberID(id), method, params)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan rpcResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, werr := nc.Write(frame)
	c.writeMu.Unlock()
	if werr != nil {
		c.removePending(id)
		c.dropConn(nc)
		return nil, fmt.Errorf("send request: %w", werr)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg, nil
	case <-timer.C:
		c.removePending(id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Call performs a round trip and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	msg, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) readLoop(nc net.Conn) {
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("unparseable frame from daemon", "error", err)
			continue
		}
		if msg.IsRequest() {
			m := msg
			go c.handleServerRequest(nc, &m)
			continue
		}
		id, ok := msg.NumericID()
		if !ok {
			c.logger.Debug("ignoring response with non-numeric id", "id", string(msg.ID))
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if !ok {
			// Late answer to a request we already timed out; drop it.
			continue
		}
		m := msg
		ch <- rpcResult{msg: &m}
	}

	c.dropConn(nc)
	c.failPending(ErrConnectionClosed)
}

// handleServerRequest answers one daemon-initiated bridge request.
func (c *Client) handleServerRequest(nc net.Conn, m *protocol.Message) {
	var resp *protocol.Message
	if c.handler == nil {
		resp = protocol.NewErrorResponse(m.ID, protocol.CodeMethodNotFound,
			"Method not found: "+m.Method)
	} else if result, err := c.handler(context.Background(), m.Method, m.Params); err != nil {
		resp = protocol.NewErrorResponse(m.ID, protocol.CodeApplication, err.Error())
	} else {
		r, err := protocol.NewResponse(m.ID, result)
		if err != nil {
			r = protocol.NewErrorResponse(m.ID, protocol.CodeInternalError, err.Error())
		}
		resp = r
	}

	frame, err := protocol.Encode(resp)
	if err != nil {
		c.logger.Warn("encoding bridge response failed", "error", err)
		return
	}
	c.writeMu.Lock()
	_, werr := nc.Write(frame)
	c.writeMu.Unlock()
	if werr != nil {
		c.logger.Warn("sending bridge response failed", "error", werr)
	}
}

// dropConn clears the stored connection if it is still the given one, so a
// reconnect that already replaced it is left alone.
func (c *Client) dropConn(nc net.Conn) {
	c.mu.Lock()
	if c.nc == nc {
		c.nc = nil
	}
	c.mu.Unlock()
	nc.Close()
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcResult{err: err}
	}
	c.pendingMu.Unlock()
}

// Close tears down the connection. In-flight requests fail with
// ErrConnectionClosed; the client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	nc := c.nc
	c.nc = nil
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	return nil
}

// Authenticate presents the shared-secret token.
func (c *Client) Authenticate(ctx context.Context, token string) error {
	var res protocol.OKResult
	if err := c.Call(ctx, protocol.MethodAuth, protocol.AuthParams{Token: &token}, &res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New("authentication rejected")
	}
	return nil
}

// Ping checks daemon liveness and reports its uptime and pool size.
func (c *Client) Ping(ctx context.Context) (*protocol.PingResult, error) {
	var res protocol.PingResult
	if err := c.Call(ctx, protocol.MethodPing, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Stats reports the daemon pool snapshot.
func (c *Client) Stats(ctx context.Context) (*protocol.StatsResult, error) {
	var res protocol.StatsResult
	if err := c.Call(ctx, protocol.MethodStats, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
