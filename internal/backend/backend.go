// Package backend selects which sandbox runtime serves a caller: the shared
// daemon, a local worker-isolated runtime, or the direct in-process fallback.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rlm-tools/rlm-sandbox/internal/config"
	"github.com/rlm-tools/rlm-sandbox/pkg/auth"
	"github.com/rlm-tools/rlm-sandbox/pkg/client"
	"github.com/rlm-tools/rlm-sandbox/pkg/sandbox"
)

// Kind names a sandbox backend.
type Kind string

const (
	// KindAuto prefers the daemon and falls back to a local worker.
	KindAuto Kind = "auto"

	// KindDaemon requires a running daemon; no fallback.
	KindDaemon Kind = "daemon"

	// KindWorker is the local worker-isolated runtime.
	KindWorker Kind = "worker"

	// KindDirect is the same-goroutine runtime without true cancellation.
	KindDirect Kind = "direct"
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAuto, KindDaemon, KindWorker, KindDirect:
		return Kind(s), nil
	case "":
		return KindAuto, nil
	}
	return "", fmt.Errorf("unknown backend %q (want auto, daemon, worker, or direct)", s)
}

// Select builds a sandbox for the configured backend. The bridge serves
// llm_query/rlm_query callbacks; it may be nil when the caller's code never
// uses them. The returned sandbox is initialized by the caller.
func Select(cfg *config.Config, bridge sandbox.Bridge, logger *slog.Logger) (sandbox.Sandbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind, err := ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}

	sbCfg := sandbox.Config{
		ExecTimeout:      cfg.Sandbox.ExecTimeout,
		MaxOutputChars:   cfg.Sandbox.MaxOutputChars,
		BatchParallelism: cfg.Sandbox.BatchParallelism,
	}

	switch kind {
	case KindDirect:
		sb := sandbox.NewDirectSandbox(sbCfg, logger)
		sb.BindBridge(bridge)
		return sb, nil

	case KindWorker:
		return newWorker(sbCfg, bridge, logger), nil

	case KindDaemon:
		return connectDaemon(cfg, bridge, logger)

	case KindAuto:
		sb, err := connectDaemon(cfg, bridge, logger)
		if err == nil {
			return sb, nil
		}
		logger.Warn("daemon unavailable, falling back to local worker", "error", err)
		return newWorker(sbCfg, bridge, logger), nil
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}

func newWorker(cfg sandbox.Config, bridge sandbox.Bridge, logger *slog.Logger) sandbox.Sandbox {
	sb := sandbox.NewWorkerSandbox(cfg, logger)
	sb.BindBridge(bridge)
	return sb
}

func connectDaemon(cfg *config.Config, bridge sandbox.Bridge, logger *slog.Logger) (sandbox.Sandbox, error) {
	c := client.New(client.Config{
		SocketPath:     cfg.Endpoint(),
		ConnectTimeout: cfg.Client.ConnectTimeout,
		RequestTimeout: cfg.Client.RequestTimeout,
		AutoReconnect:  cfg.Client.AutoReconnect,
	}, client.BridgeHandler(bridge), logger)
	if err := c.Connect(); err != nil {
		return nil, err
	}

	tokenPath, err := config.TokenFile()
	if err == nil {
		token, terr := auth.Read(tokenPath)
		if terr == nil {
			if err := c.Authenticate(context.Background(), token); err != nil {
				c.Close()
				return nil, fmt.Errorf("daemon authentication: %w", err)
			}
		} else if !errors.Is(terr, auth.ErrNoToken) {
			c.Close()
			return nil, terr
		}
		// No stored token: the daemon may be running unauthenticated; a
		// protected method will fail loudly if not.
	}

	return client.NewRemoteSandbox(c), nil
}
