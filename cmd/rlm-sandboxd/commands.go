package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rlm-tools/rlm-sandbox/internal/backend"
	"github.com/rlm-tools/rlm-sandbox/internal/config"
	"github.com/rlm-tools/rlm-sandbox/internal/daemon"
	"github.com/rlm-tools/rlm-sandbox/internal/proc"
	"github.com/rlm-tools/rlm-sandbox/pkg/auth"
	"github.com/rlm-tools/rlm-sandbox/pkg/client"
	"github.com/rlm-tools/rlm-sandbox/pkg/sandbox"
)

// loadConfig builds the configuration and logger from the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, newLogger(cfg.Log), nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sandbox daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			foreground, _ := cmd.Flags().GetBool("foreground")
			if foreground {
				return daemon.Run(cfg, logger)
			}
			configPath, _ := cmd.Flags().GetString("config")
			if err := daemon.StartDetached(configPath, cfg); err != nil {
				return err
			}
			fmt.Println("daemon started")
			return nil
		},
	}
	cmd.Flags().Bool("foreground", false, "Run in the foreground instead of detaching")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the sandbox daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := daemon.StopDaemon(cfg, logger); err != nil {
				return err
			}
			fmt.Println("daemon stopped")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			pidPath, err := config.PIDFile()
			if err != nil {
				return err
			}
			pid, err := proc.ReadPID(pidPath)
			if errors.Is(err, proc.ErrNoPID) || (err == nil && !proc.Alive(pid)) {
				fmt.Println("daemon: not running")
				return nil
			}
			if err != nil {
				return err
			}

			c := client.New(client.Config{
				SocketPath:     cfg.Endpoint(),
				ConnectTimeout: cfg.Client.ConnectTimeout,
				RequestTimeout: cfg.Client.RequestTimeout,
			}, nil, logger)
			if err := c.Connect(); err != nil {
				fmt.Printf("daemon: pid %d alive but socket unreachable (%v)\n", pid, err)
				return nil
			}
			defer c.Close()

			ping, err := c.Ping(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("daemon: running (pid %d)\n", pid)
			fmt.Printf("uptime: %s\n", (time.Duration(ping.UptimeMs) * time.Millisecond).Round(time.Second))
			fmt.Printf("workers: %d\n", ping.Workers)

			// Stats requires auth when the daemon is protected.
			tokenPath, err := config.TokenFile()
			if err == nil {
				if token, terr := auth.Read(tokenPath); terr == nil {
					if aerr := c.Authenticate(context.Background(), token); aerr == nil {
						if st, serr := c.Stats(context.Background()); serr == nil {
							fmt.Printf("pool: %d available, %d in use\n", st.Available, st.InUse)
						}
					}
				}
			}
			return nil
		},
	}
}

// stubBridge serves exec-command snippets that call the model bridge; the CLI
// has no model behind it, so bridge calls fail with a clear message.
type stubBridge struct{}

func (stubBridge) LLMQuery(ctx context.Context, prompt string) (string, error) {
	return "", errors.New("llm_query is not available from the command line")
}

func (stubBridge) RLMQuery(ctx context.Context, task, taskContext string) (string, error) {
	return "", errors.New("rlm_query is not available from the command line")
}

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute a code snippet in a sandbox",
		Long:  "Executes a snippet against the configured backend. Reads code from the argument, --file, or stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if b, _ := cmd.Flags().GetString("backend"); b != "" {
				cfg.Backend = b
			}

			var code string
			file, _ := cmd.Flags().GetString("file")
			switch {
			case len(args) == 1:
				code = args[0]
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read code file: %w", err)
				}
				code = string(data)
			default:
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				code = string(data)
			}

			sb, err := backend.Select(cfg, stubBridge{}, logger)
			if err != nil {
				return err
			}
			defer sb.Destroy()

			contextText, _ := cmd.Flags().GetString("context")
			if err := sb.Initialize(context.Background(), contextText); err != nil {
				return err
			}

			res, err := sb.Execute(context.Background(), code)
			if err != nil {
				if errors.Is(err, sandbox.ErrExecTimeout) {
					return fmt.Errorf("execution timed out after %s", cfg.Sandbox.ExecTimeout)
				}
				return err
			}

			if res.Stdout != "" {
				fmt.Print(res.Stdout)
			}
			if res.Stderr != "" {
				fmt.Fprint(os.Stderr, res.Stderr)
			}
			if res.Error != "" {
				return fmt.Errorf("execution error: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "Read code from file")
	cmd.Flags().StringP("context", "c", "", "Context text loaded into the interpreter")
	cmd.Flags().StringP("backend", "b", "", "Backend override (auto, daemon, worker, direct)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the daemon auth token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate and store a new auth token",
		Long:  "Replaces the stored token. A running daemon keeps its old token until restarted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenPath, err := config.TokenFile()
			if err != nil {
				return err
			}
			token, err := auth.Generate()
			if err != nil {
				return err
			}
			if err := auth.Write(tokenPath, token); err != nil {
				return err
			}
			fmt.Printf("new token written to %s\n", tokenPath)
			fmt.Println("restart the daemon for it to take effect")
			return nil
		},
	})
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				dir, err := config.DataDir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, "config.yaml")
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists at %s", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("default config written to %s\n", path)
			return nil
		},
	})
	return cmd
}
