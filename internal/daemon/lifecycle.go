package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rlm-tools/rlm-sandbox/internal/config"
	"github.com/rlm-tools/rlm-sandbox/internal/pool"
	"github.com/rlm-tools/rlm-sandbox/internal/proc"
	"github.com/rlm-tools/rlm-sandbox/pkg/auth"
	"github.com/rlm-tools/rlm-sandbox/pkg/protocol"
	"github.com/rlm-tools/rlm-sandbox/pkg/sandbox"
)

// stopPollInterval and stopWait bound how long StopDaemon waits for a
// signalled daemon to exit before reporting failure.
const (
	stopPollInterval = 100 * time.Millisecond
	stopWait         = 5 * time.Second
)

// Run starts the daemon in the foreground and blocks until SIGINT or SIGTERM.
// It refuses to start when another daemon instance appears alive, provisions
// the auth token on first run, pre-warms the worker pool, and tears everything
// down in order on shutdown.
func Run(cfg *config.Config, logger *slog.Logger) error {
	pidPath, err := config.PIDFile()
	if err != nil {
		return err
	}
	if pid, err := proc.ReadPID(pidPath); err == nil && proc.Alive(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	token := ""
	if cfg.Daemon.AuthRequired {
		tokenPath, err := config.TokenFile()
		if err != nil {
			return err
		}
		token, err = auth.Read(tokenPath)
		if errors.Is(err, auth.ErrNoToken) {
			token, err = auth.Generate()
			if err != nil {
				return err
			}
			if err := auth.Write(tokenPath, token); err != nil {
				return err
			}
			logger.Info("generated new auth token", "path", tokenPath)
		} else if err != nil {
			return err
		}
	}

	sbCfg := sandbox.Config{
		ExecTimeout:      cfg.Sandbox.ExecTimeout,
		MaxOutputChars:   cfg.Sandbox.MaxOutputChars,
		BatchParallelism: cfg.Sandbox.BatchParallelism,
	}
	factory := func() (sandbox.Sandbox, error) {
		sb := sandbox.NewWorkerSandbox(sbCfg, logger)
		// Pre-warmed workers start with an empty context so execute works
		// immediately; initialize replaces it per request.
		if err := sb.Initialize(context.Background(), ""); err != nil {
			sb.Destroy()
			return nil, err
		}
		return sb, nil
	}
	p, err := pool.New(cfg.Sandbox.PoolSize, factory, cfg.Daemon.HealthInterval, logger)
	if err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	srv := New(p, Config{
		SocketPath: cfg.Endpoint(),
		Token:      token,
		StatusAddr: cfg.Daemon.StatusAddr,
	}, logger)
	if err := srv.Start(); err != nil {
		p.Shutdown()
		return err
	}

	if err := proc.WritePID(pidPath); err != nil {
		srv.Stop()
		p.Shutdown()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutdown signal received")

	srv.Stop()
	p.Shutdown()
	if err := proc.RemovePID(pidPath); err != nil {
		logger.Warn("removing pid file failed", "error", err)
	}
	return nil
}

// StartDetached launches the daemon as a background process by re-executing
// this binary with the foreground flag, redirecting its output to the daemon
// log file. It returns once the child is confirmed accepting connections.
func StartDetached(configPath string, cfg *config.Config) error {
	pidPath, err := config.PIDFile()
	if err != nil {
		return err
	}
	if pid, err := proc.ReadPID(pidPath); err == nil && proc.Alive(pid) {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(dataDir, "daemon.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	args := []string{"start", "--foreground"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedSysProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release daemon process: %w", err)
	}

	// The child writes its own PID file; wait for the socket so callers can
	// connect as soon as we return.
	endpoint := cfg.Endpoint()
	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if c, err := protocol.Dial(endpoint, stopPollInterval); err == nil {
			c.Close()
			return nil
		}
		if !proc.Alive(pid) {
			return fmt.Errorf("daemon process %d exited during startup, see %s",
				pid, filepath.Join(dataDir, "daemon.log"))
		}
		time.Sleep(stopPollInterval)
	}
	return fmt.Errorf("daemon did not become ready within %s", stopWait)
}

// StopDaemon signals the running daemon to terminate and waits for it to
// exit, then clears the PID file and any stale socket.
func StopDaemon(cfg *config.Config, logger *slog.Logger) error {
	pidPath, err := config.PIDFile()
	if err != nil {
		return err
	}
	pid, err := proc.ReadPID(pidPath)
	if errors.Is(err, proc.ErrNoPID) {
		return errors.New("daemon not running")
	}
	if err != nil {
		return err
	}
	if !proc.Alive(pid) {
		// Stale PID from an unclean shutdown; clean up and report not running.
		proc.RemovePID(pidPath)
		protocol.RemoveEndpoint(cfg.Endpoint())
		return errors.New("daemon not running")
	}

	if err := terminate(pid); err != nil {
		return fmt.Errorf("signal daemon (pid %d): %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !proc.Alive(pid) {
			proc.RemovePID(pidPath)
			protocol.RemoveEndpoint(cfg.Endpoint())
			logger.Info("daemon stopped", "pid", pid)
			return nil
		}
		time.Sleep(stopPollInterval)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, stopWait)
}
