// Package config defines the server's configuration value and its
// environment/flag loading. There is no global singleton: Config is built
// once in main and passed by reference into every component.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Mode selects the transport the server speaks on startup.
type Mode string

const (
	ModeStdio   Mode = "stdio"
	ModeHTTP    Mode = "http"
	ModeService Mode = "service"
)

// Config is the server's flattened configuration, plus the transport
// mode selection.
type Config struct {
	Mode Mode
	Addr string
	Port int

	// Session
	MaxConcurrentSessions int
	SessionIdleTimeout    time.Duration
	CleanupInterval       time.Duration
	DisposalTimeout       time.Duration
	DeleteDumpOnClose     bool

	// Command
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration
	SimpleCommandTimeout  time.Duration
	Retention             time.Duration
	OutputReadingTimeout  time.Duration

	// Recovery
	MaxRecoveryAttempts int
	RecoveryDelay       time.Duration
	HealthCheckInterval time.Duration

	// Batching
	BatchingEnabled   bool
	BatchSafeCommands []string
	BatchSafeRule     string // optional CEL expression over `command`

	// Debugger process
	DebuggerPath     string
	StartupDelay     time.Duration
	CdbPromptDelay   time.Duration
	DumpCheckTimeout time.Duration

	// Shutdown
	ServiceShutdownTimeout time.Duration

	// Logging
	LogPath  string
	LogLevel string
}

// Default returns the configuration with every built-in default value
// applied.
func Default() *Config {
	return &Config{
		Mode: ModeStdio,
		Addr: "127.0.0.1",
		Port: 28082,

		MaxConcurrentSessions: 1000,
		SessionIdleTimeout:    30 * time.Minute,
		CleanupInterval:       5 * time.Minute,
		DisposalTimeout:       30 * time.Second,
		DeleteDumpOnClose:     false,

		DefaultCommandTimeout: 10 * time.Minute,
		MaxCommandTimeout:     60 * time.Minute,
		SimpleCommandTimeout:  2 * time.Minute,
		Retention:             1 * time.Hour,
		OutputReadingTimeout:  5 * time.Minute,

		MaxRecoveryAttempts: 3,
		RecoveryDelay:       5 * time.Second,
		HealthCheckInterval: 30 * time.Second,

		BatchingEnabled:   true,
		BatchSafeCommands: []string{"!threads", "~*k", "!locks", "!runaway", "version", "lm", "!peb"},

		DebuggerPath:     "cdb",
		StartupDelay:     500 * time.Millisecond,
		CdbPromptDelay:   2 * time.Second,
		DumpCheckTimeout: 10 * time.Second,

		ServiceShutdownTimeout: 5 * time.Second,

		LogLevel: "info",
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}

// FromEnv overlays DBGMUX_* environment variables atop whatever defaults
// the Config already carries.
func (c *Config) FromEnv() {
	c.Mode = Mode(getEnvOrDefault("DBGMUX_MODE", string(c.Mode)))
	c.Addr = getEnvOrDefault("DBGMUX_ADDR", c.Addr)
	c.Port = getEnvOrDefaultInt("DBGMUX_PORT", c.Port)

	c.MaxConcurrentSessions = getEnvOrDefaultInt("DBGMUX_MAX_CONCURRENT_SESSIONS", c.MaxConcurrentSessions)
	c.SessionIdleTimeout = getEnvOrDefaultDuration("DBGMUX_SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout)
	c.CleanupInterval = getEnvOrDefaultDuration("DBGMUX_CLEANUP_INTERVAL", c.CleanupInterval)
	c.DisposalTimeout = getEnvOrDefaultDuration("DBGMUX_DISPOSAL_TIMEOUT", c.DisposalTimeout)
	c.DeleteDumpOnClose = getEnvOrDefaultBool("DBGMUX_DELETE_DUMP_ON_CLOSE", c.DeleteDumpOnClose)

	c.DefaultCommandTimeout = getEnvOrDefaultDuration("DBGMUX_DEFAULT_COMMAND_TIMEOUT", c.DefaultCommandTimeout)
	c.MaxCommandTimeout = getEnvOrDefaultDuration("DBGMUX_MAX_COMMAND_TIMEOUT", c.MaxCommandTimeout)
	c.Retention = getEnvOrDefaultDuration("DBGMUX_RETENTION", c.Retention)
	c.OutputReadingTimeout = getEnvOrDefaultDuration("DBGMUX_OUTPUT_READING_TIMEOUT", c.OutputReadingTimeout)

	c.MaxRecoveryAttempts = getEnvOrDefaultInt("DBGMUX_MAX_RECOVERY_ATTEMPTS", c.MaxRecoveryAttempts)
	c.RecoveryDelay = getEnvOrDefaultDuration("DBGMUX_RECOVERY_DELAY", c.RecoveryDelay)
	c.HealthCheckInterval = getEnvOrDefaultDuration("DBGMUX_HEALTH_CHECK_INTERVAL", c.HealthCheckInterval)

	c.BatchingEnabled = getEnvOrDefaultBool("DBGMUX_BATCHING_ENABLED", c.BatchingEnabled)
	c.BatchSafeRule = getEnvOrDefault("DBGMUX_BATCH_SAFE_RULE", c.BatchSafeRule)

	c.DebuggerPath = getEnvOrDefault("DBGMUX_DEBUGGER_PATH", c.DebuggerPath)
	c.StartupDelay = getEnvOrDefaultDuration("DBGMUX_STARTUP_DELAY", c.StartupDelay)

	c.LogPath = getEnvOrDefault("DBGMUX_LOG_PATH", c.LogPath)
	c.LogLevel = getEnvOrDefault("DBGMUX_LOG_LEVEL", c.LogLevel)
}

// FromViper overlays whatever cobra/viper has bound (flags, env, .env
// via godotenv) atop the Config's current values. Only keys viper
// actually has a value for are applied, so flag defaults never clobber
// FromEnv's DBGMUX_* overlay.
func (c *Config) FromViper(v *viper.Viper) {
	if v.IsSet("mode") {
		c.Mode = Mode(v.GetString("mode"))
	}
	if v.IsSet("addr") {
		c.Addr = v.GetString("addr")
	}
	if v.IsSet("port") {
		c.Port = v.GetInt("port")
	}
	if v.IsSet("debugger-path") {
		c.DebuggerPath = v.GetString("debugger-path")
	}
	if v.IsSet("log-path") {
		c.LogPath = v.GetString("log-path")
	}
	if v.IsSet("log-level") {
		c.LogLevel = v.GetString("log-level")
	}
	if v.IsSet("max-concurrent-sessions") {
		c.MaxConcurrentSessions = v.GetInt("max-concurrent-sessions")
	}
	if v.IsSet("session-idle-timeout") {
		c.SessionIdleTimeout = v.GetDuration("session-idle-timeout")
	}
	if v.IsSet("delete-dump-on-close") {
		c.DeleteDumpOnClose = v.GetBool("delete-dump-on-close")
	}
}

// Validate rejects configuration states that would make the server
// impossible to start.
func (c *Config) Validate() error {
	if c.Mode != ModeStdio && c.Mode != ModeHTTP && c.Mode != ModeService {
		return errors.Errorf("invalid mode %q: must be stdio, http, or service", c.Mode)
	}
	if c.Mode == ModeStdio && c.LogPath == "" {
		return errors.New("stdio mode requires LogPath: stdout is reserved for the JSON-RPC stream")
	}
	if c.MaxConcurrentSessions <= 0 {
		return errors.New("MaxConcurrentSessions must be positive")
	}
	if c.MaxCommandTimeout < c.DefaultCommandTimeout {
		return errors.New("MaxCommandTimeout must be >= DefaultCommandTimeout")
	}
	return nil
}
