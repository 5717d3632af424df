package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rlm-tools/rlm-sandbox/pkg/protocol"
)

// fakeDaemon speaks the wire protocol over a real socket with scripted
// behavior per method.
type fakeDaemon struct {
	t      *testing.T
	ln     net.Listener
	socket string

	mu     sync.Mutex
	handle func(conn net.Conn, m *protocol.Message) *protocol.Message
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "fake.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeDaemon{t: t, ln: ln, socket: socket}
	f.setHandler(func(_ net.Conn, m *protocol.Message) *protocol.Message {
		resp, _ := protocol.NewResponse(m.ID, protocol.OKResult{Success: true})
		return resp
	})
	go f.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeDaemon) setHandler(h func(net.Conn, *protocol.Message) *protocol.Message) {
	f.mu.Lock()
	f.handle = h
	f.mu.Unlock()
}

func (f *fakeDaemon) acceptLoop() {
	for {
		nc, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(nc)
	}
}

func (f *fakeDaemon) serve(nc net.Conn) {
	defer nc.Close()
	sc := bufio.NewScanner(nc)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var m protocol.Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		f.mu.Lock()
		h := f.handle
		f.mu.Unlock()
		resp := h(nc, &m)
		if resp == nil {
			continue
		}
		frame, _ := protocol.Encode(resp)
		nc.Write(frame)
	}
}

func newTestClient(t *testing.T, f *fakeDaemon, handler ServerRequestHandler) *Client {
	t.Helper()
	c := New(Config{
		SocketPath:     f.socket,
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
		AutoReconnect:  true,
	}, handler, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRequestRoundtrip(t *testing.T) {
	f := newFakeDaemon(t)
	c := newTestClient(t, f, nil)

	var res protocol.OKResult
	if err := c.Call(context.Background(), protocol.MethodPing, nil, &res); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.Success {
		t.Error("result not decoded")
	}
}

func TestErrorResponseSurfacesAsRPCError(t *testing.T) {
	f := newFakeDaemon(t)
	f.setHandler(func(_ net.Conn, m *protocol.Message) *protocol.Message {
		return protocol.NewErrorResponse(m.ID, protocol.CodeApplication, "nope")
	})
	c := newTestClient(t, f, nil)

	_, err := c.Request(context.Background(), protocol.MethodStats, nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if rpcErr.Code != protocol.CodeApplication || rpcErr.Message != "nope" {
		t.Errorf("rpc error = %+v", rpcErr)
	}
}

func TestRequestTimeout(t *testing.T) {
	f := newFakeDaemon(t)
	f.setHandler(func(net.Conn, *protocol.Message) *protocol.Message {
		return nil // never answer
	})
	c := New(Config{
		SocketPath:     f.socket,
		RequestTimeout: 100 * time.Millisecond,
	}, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err := c.Request(context.Background(), protocol.MethodPing, nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}

	// A late answer to the abandoned id must not disturb the next request.
	f.setHandler(func(_ net.Conn, m *protocol.Message) *protocol.Message {
		resp, _ := protocol.NewResponse(m.ID, protocol.OKResult{Success: true})
		return resp
	})
	if _, err := c.Request(context.Background(), protocol.MethodPing, nil); err != nil {
		t.Fatalf("request after timeout: %v", err)
	}
}

func TestUnsolicitedResponseIgnored(t *testing.T) {
	f := newFakeDaemon(t)
	f.setHandler(func(nc net.Conn, m *protocol.Message) *protocol.Message {
		// An unsolicited response arrives before the real one; the client
		// must drop it and still resolve the actual request.
		stray, _ := protocol.NewResponse(protocol.NumberID(99999), protocol.OKResult{Success: false})
		frame, _ := protocol.Encode(stray)
		nc.Write(frame)
		resp, _ := protocol.NewResponse(m.ID, protocol.OKResult{Success: true})
		return resp
	})
	c := newTestClient(t, f, nil)

	var res protocol.OKResult
	if err := c.Call(context.Background(), protocol.MethodPing, nil, &res); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !res.Success {
		t.Error("real response not resolved")
	}
}

func TestContextCancellation(t *testing.T) {
	f := newFakeDaemon(t)
	f.setHandler(func(net.Conn, *protocol.Message) *protocol.Message { return nil })
	c := newTestClient(t, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, protocol.MethodPing, nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled request never returned")
	}
}

func TestConnectionClosedFailsInflight(t *testing.T) {
	f := newFakeDaemon(t)
	f.setHandler(func(nc net.Conn, _ *protocol.Message) *protocol.Message {
		nc.Close()
		return nil
	})
	c := newTestClient(t, f, nil)

	_, err := c.Request(context.Background(), protocol.MethodPing, nil)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

func TestAutoReconnect(t *testing.T) {
	f := newFakeDaemon(t)
	var dropNext atomic.Bool
	dropNext.Store(true)
	f.setHandler(func(nc net.Conn, m *protocol.Message) *protocol.Message {
		if dropNext.CompareAndSwap(true, false) {
			nc.Close()
			return nil
		}
		resp, _ := protocol.NewResponse(m.ID, protocol.OKResult{Success: true})
		return resp
	})
	c := newTestClient(t, f, nil)

	if _, err := c.Request(context.Background(), protocol.MethodPing, nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("first request: err = %v, want ErrConnectionClosed", err)
	}
	// The next request redials transparently.
	if _, err := c.Request(context.Background(), protocol.MethodPing, nil); err != nil {
		t.Fatalf("request after reconnect: %v", err)
	}
}

func TestNeverConnectedDoesNotDial(t *testing.T) {
	f := newFakeDaemon(t)
	c := New(Config{SocketPath: f.socket, AutoReconnect: true}, nil, nil)
	if _, err := c.Request(context.Background(), protocol.MethodPing, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClosedClientRejectsRequests(t *testing.T) {
	f := newFakeDaemon(t)
	c := newTestClient(t, f, nil)
	c.Close()
	if _, err := c.Request(context.Background(), protocol.MethodPing, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestServerInitiatedRequestDispatchedToHandler(t *testing.T) {
	f := newFakeDaemon(t)

	// On execute, the fake daemon first asks the client a bridge question,
	// then answers the execute with whatever the client said.
	f.setHandler(func(nc net.Conn, m *protocol.Message) *protocol.Message {
		if m.Method == protocol.MethodExecute {
			req, _ := protocol.NewRequest(protocol.BridgeID(1), protocol.MethodBridgeLLM,
				protocol.BridgeLLMParams{Prompt: "question"})
			frame, _ := protocol.Encode(req)
			nc.Write(frame)
			return nil
		}
		// Bridge response arrives here because the fake routes every line
		// through one handler.
		var answer string
		json.Unmarshal(m.Result, &answer)
		resp, _ := protocol.NewResponse(protocol.NumberID(1), protocol.ExecuteResult{Stdout: answer})
		return resp
	})

	handler := func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		var p protocol.BridgeLLMParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return "answered:" + p.Prompt, nil
	}
	c := newTestClient(t, f, handler)

	code := "x"
	var res protocol.ExecuteResult
	if err := c.Call(context.Background(), protocol.MethodExecute,
		protocol.ExecuteParams{Code: &code}, &res); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Stdout != "answered:question" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}
