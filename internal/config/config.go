// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"gopkg.in/yaml.v3"
)

// Shell backends.
const (
	BackendPTY    = "pty"
	BackendDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port                 string        `yaml:"port"`
	Host                 string        `yaml:"host"`
	PortFallbackAttempts int           `yaml:"port_fallback_attempts"`
	FrontendURL          string        `yaml:"frontend_url"`
	AllowedOrigins       []string      `yaml:"allowed_origins"`
	DBPath               string        `yaml:"db_path"`
	JournalEnabled       bool          `yaml:"journal_enabled"`
	JournalRetention     time.Duration `yaml:"journal_retention"`
	GRPCHealthAddr       string        `yaml:"grpc_health_addr"`
	LogLevel             string        `yaml:"log_level"`
	LogFormat            string        `yaml:"log_format"`
	Shell                ShellConfig   `yaml:"shell"`
	Docker               DockerConfig  `yaml:"docker"`
	Session              SessionConfig `yaml:"session"`
	SSE                  SSEConfig     `yaml:"sse"`
}

// ShellConfig selects what process backs a session.
type ShellConfig struct {
	Backend string   `yaml:"backend"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"workdir"`
}

// DockerConfig is used when Shell.Backend is "docker".
type DockerConfig struct {
	Image       string `yaml:"image"`
	Runtime     string `yaml:"runtime"` // "" = default (runc), "runsc" = gVisor
	User        string `yaml:"user"`
	Network     string `yaml:"network"`
	MemoryBytes int64  `yaml:"memory_bytes"`
	PidsLimit   int64  `yaml:"pids_limit"`
}

// SessionConfig holds per-session broker defaults.
type SessionConfig struct {
	ResizePolicy    domain.ResizePolicy `yaml:"resize_policy"`
	DefaultCols     int                 `yaml:"default_cols"`
	DefaultRows     int                 `yaml:"default_rows"`
	ScrollbackBytes int                 `yaml:"scrollback_bytes"`
	ClientQueueSize int                 `yaml:"client_queue_size"`
	IdleTimeout     time.Duration       `yaml:"idle_timeout"`
	TerminateGrace  time.Duration       `yaml:"terminate_grace"`
}

// SSEConfig tunes the lifecycle event stream.
type SSEConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	QueueSize         int           `yaml:"queue_size"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:                 "3000",
		PortFallbackAttempts: 10,
		AllowedOrigins:       []string{"*"},
		DBPath:               "./data/termshare.db",
		JournalEnabled:       true,
		JournalRetention:     7 * 24 * time.Hour,
		LogLevel:             "info",
		LogFormat:            "json",
		Shell: ShellConfig{
			Backend: BackendPTY,
		},
		Docker: DockerConfig{
			Image:       "ubuntu:24.04",
			User:        "1000",
			MemoryBytes: 512 * 1024 * 1024,
			PidsLimit:   256,
		},
		Session: SessionConfig{
			ResizePolicy:    domain.PolicyLargest,
			DefaultCols:     int(domain.DefaultGeometry.Cols),
			DefaultRows:     int(domain.DefaultGeometry.Rows),
			ScrollbackBytes: 100_000,
			ClientQueueSize: 256,
			TerminateGrace:  3 * time.Second,
		},
		SSE: SSEConfig{
			KeepaliveInterval: 15 * time.Second,
			RetryDelay:        5 * time.Second,
			QueueSize:         64,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in that order. An empty path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Host = getEnv("HOST", c.Host)
	c.PortFallbackAttempts = getEnvInt("PORT_FALLBACK_ATTEMPTS", c.PortFallbackAttempts)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.JournalEnabled = getEnvBool("JOURNAL_ENABLED", c.JournalEnabled)
	c.JournalRetention = getEnvDuration("JOURNAL_RETENTION", c.JournalRetention)
	c.GRPCHealthAddr = getEnv("GRPC_HEALTH_ADDR", c.GRPCHealthAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.Shell.Backend = strings.ToLower(getEnv("SHELL_BACKEND", c.Shell.Backend))
	c.Shell.Command = getEnv("SHELL_COMMAND", c.Shell.Command)
	c.Shell.WorkDir = getEnv("SHELL_WORKDIR", c.Shell.WorkDir)

	c.Docker.Image = getEnv("DOCKER_IMAGE", c.Docker.Image)
	c.Docker.Runtime = getEnv("CONTAINER_RUNTIME", c.Docker.Runtime)
	c.Docker.User = getEnv("DOCKER_USER", c.Docker.User)
	c.Docker.Network = getEnv("DOCKER_NETWORK", c.Docker.Network)

	policy, err := domain.ParseResizePolicy(getEnv("RESIZE_POLICY", string(c.Session.ResizePolicy)))
	if err != nil {
		return fmt.Errorf("RESIZE_POLICY: %w", err)
	}
	if policy != "" {
		c.Session.ResizePolicy = policy
	}
	c.Session.DefaultCols = getEnvInt("DEFAULT_COLS", c.Session.DefaultCols)
	c.Session.DefaultRows = getEnvInt("DEFAULT_ROWS", c.Session.DefaultRows)
	c.Session.ScrollbackBytes = getEnvInt("SCROLLBACK_BYTES", c.Session.ScrollbackBytes)
	c.Session.ClientQueueSize = getEnvInt("CLIENT_QUEUE_SIZE", c.Session.ClientQueueSize)
	c.Session.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", c.Session.IdleTimeout)
	c.Session.TerminateGrace = getEnvDuration("TERMINATE_GRACE", c.Session.TerminateGrace)

	c.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE", c.SSE.KeepaliveInterval)
	c.SSE.RetryDelay = getEnvDuration("SSE_RETRY", c.SSE.RetryDelay)
	c.SSE.QueueSize = getEnvInt("SSE_QUEUE_SIZE", c.SSE.QueueSize)
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if _, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		return fmt.Errorf("PORT must be a number between 0 and 65535")
	}
	if c.PortFallbackAttempts < 0 {
		return fmt.Errorf("PORT_FALLBACK_ATTEMPTS must be >= 0")
	}
	if c.JournalEnabled && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty when the journal is enabled")
	}
	switch c.Shell.Backend {
	case BackendPTY:
	case BackendDocker:
		if c.Docker.Image == "" {
			return fmt.Errorf("DOCKER_IMAGE cannot be empty for the docker backend")
		}
	default:
		return fmt.Errorf("SHELL_BACKEND must be %q or %q", BackendPTY, BackendDocker)
	}
	if _, err := domain.ParseResizePolicy(string(c.Session.ResizePolicy)); err != nil {
		return err
	}
	if c.Session.DefaultCols < 1 || c.Session.DefaultCols > 0xFFFF {
		return fmt.Errorf("DEFAULT_COLS must be between 1 and 65535")
	}
	if c.Session.DefaultRows < 1 || c.Session.DefaultRows > 0xFFFF {
		return fmt.Errorf("DEFAULT_ROWS must be between 1 and 65535")
	}
	if c.Session.ScrollbackBytes <= 0 {
		return fmt.Errorf("SCROLLBACK_BYTES must be > 0")
	}
	if c.Session.ClientQueueSize <= 0 {
		return fmt.Errorf("CLIENT_QUEUE_SIZE must be > 0")
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be >= 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE must be > 0")
	}
	if c.SSE.QueueSize <= 0 {
		return fmt.Errorf("SSE_QUEUE_SIZE must be > 0")
	}
	return nil
}

// DefaultGeometry returns the configured initial pty size.
func (c *Config) DefaultGeometry() domain.Geometry {
	return domain.Geometry{Cols: uint16(c.Session.DefaultCols), Rows: uint16(c.Session.DefaultRows)}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
