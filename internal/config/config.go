// Package config provides configuration management for the rlm-sandbox
// daemon and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rlm-tools/rlm-sandbox/pkg/protocol"
)

// Config holds all configuration for the sandbox subsystem.
type Config struct {
	Backend string        `mapstructure:"backend" yaml:"backend"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	Daemon  DaemonConfig  `mapstructure:"daemon" yaml:"daemon"`
	Client  ClientConfig  `mapstructure:"client" yaml:"client"`
}

// LogConfig controls the process-wide logger built at the entry point.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// SandboxConfig holds interpreter settings shared by all backends.
type SandboxConfig struct {
	PoolSize         int           `mapstructure:"pool_size" yaml:"pool_size"`
	ExecTimeout      time.Duration `mapstructure:"exec_timeout" yaml:"exec_timeout"`
	MaxOutputChars   int           `mapstructure:"max_output_chars" yaml:"max_output_chars"`
	BatchParallelism int           `mapstructure:"batch_parallelism" yaml:"batch_parallelism"`
}

// DaemonConfig holds daemon server settings.
type DaemonConfig struct {
	// SocketPath overrides the user-scoped default endpoint.
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`

	// AuthRequired makes the daemon reject every method except auth and ping
	// until the connection presents the stored token.
	AuthRequired bool `mapstructure:"auth_required" yaml:"auth_required"`

	// StatusAddr, when set, serves /healthz, /ping and /stats over HTTP on a
	// loopback address (e.g. "127.0.0.1:7433").
	StatusAddr string `mapstructure:"status_addr" yaml:"status_addr"`

	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
}

// ClientConfig holds IPC client settings.
type ClientConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("backend", "auto")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("sandbox.pool_size", 4)
	v.SetDefault("sandbox.exec_timeout", 60*time.Second)
	v.SetDefault("sandbox.max_output_chars", 16384)
	v.SetDefault("sandbox.batch_parallelism", 4)

	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.auth_required", true)
	v.SetDefault("daemon.status_addr", "")
	v.SetDefault("daemon.health_interval", 30*time.Second)

	v.SetDefault("client.connect_timeout", 5*time.Second)
	v.SetDefault("client.request_timeout", 120*time.Second)
	v.SetDefault("client.auto_reconnect", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := DataDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix("RLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DataDir returns the owner-scoped state directory holding the PID, token,
// and log files.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".rlm-sandbox"), nil
}

// PIDFile returns the daemon PID file path.
func PIDFile() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.pid"), nil
}

// TokenFile returns the auth token file path.
func TokenFile() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "daemon.token"), nil
}

// Endpoint returns the configured socket path, falling back to the
// user-scoped default.
func (c *Config) Endpoint() string {
	if c.Daemon.SocketPath != "" {
		return c.Daemon.SocketPath
	}
	return protocol.DefaultEndpoint()
}

// WriteDefault writes a commented default configuration file at path.
func WriteDefault(path string) error {
	cfg, err := Load("")
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render default config: %w", err)
	}
	header := "# rlm-sandbox configuration. Environment variables with the RLM_\n" +
		"# prefix override any value here (e.g. RLM_SANDBOX_POOL_SIZE).\n"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, append([]byte(header), data...), 0o600)
}
