// Package daemon hosts the shared worker pool behind a line-framed JSON-RPC
// server on a local, user-scoped socket, so many short-lived client processes
// can reuse pre-warmed interpreter workers.
package daemon

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rlm-tools/rlm-sandbox/internal/pool"
	"github.com/rlm-tools/rlm-sandbox/pkg/protocol"
)

// Config holds daemon server settings.
type Config struct {
	// SocketPath is the unix socket (or named pipe) to bind.
	SocketPath string

	// Token, when non-empty, must be presented via the auth method before any
	// other method (except ping) is served. Empty means the daemon accepts
	// unauthenticated connections.
	Token string

	// StatusAddr, when non-empty, serves a loopback HTTP status endpoint.
	StatusAddr string
}

// Server accepts daemon connections and dispatches JSON-RPC methods against
// the worker pool. Each connection is handled independently; within one
// connection, responses are written in completion order and correlated by id.
type Server struct {
	cfg    Config
	pool   *pool.Pool
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	ln        net.Listener
	httpSrv   *http.Server
	conns     map[*conn]struct{}

	wg sync.WaitGroup
}

// New creates a daemon server over the given pool.
func New(p *pool.Pool, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		pool:   p,
		logger: logger.With("component", "daemon"),
	}
}

// Start binds the socket and begins accepting connections. A stale socket
// file left by an unclean shutdown is removed before binding. Starting an
// already-started server is an error.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	if err := protocol.RemoveEndpoint(s.cfg.SocketPath); err != nil {
		return err
	}
	ln, err := protocol.Listen(s.cfg.SocketPath)
	if err != nil {
		return err
	}

	s.ln = ln
	s.started = true
	s.startedAt = time.Now()
	s.conns = make(map[*conn]struct{})

	s.wg.Add(1)
	go s.acceptLoop(ln)

	if s.cfg.StatusAddr != "" {
		s.startStatusListener()
	}

	s.logger.Info("daemon listening", "socket", s.cfg.SocketPath, "auth", s.cfg.Token != "")
	return nil
}

// Stop closes the listening socket first, so no new work can begin, then
// closes every open connection, waits for their handlers to drain, and
// removes the socket file. Stopping an already-stopped server is a no-op.
// The pool is owned by the caller and is shut down after Stop returns.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	ln := s.ln
	s.ln = nil
	httpSrv := s.httpSrv
	s.httpSrv = nil
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	ln.Close()
	for _, c := range open {
		c.nc.Close()
	}
	if httpSrv != nil {
		httpSrv.Close()
	}
	s.wg.Wait()

	if err := protocol.RemoveEndpoint(s.cfg.SocketPath); err != nil {
		s.logger.Warn("removing socket failed", "error", err)
	}
	s.logger.Info("daemon stopped")
	return nil
}

// Uptime reports time since Start.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0
	}
	return time.Since(s.startedAt)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			// Listener closed during Stop.
			return
		}
		c := newConn(s, nc)
		s.mu.Lock()
		if !s.started {
			// Accepted in the window before the listener closed.
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}
