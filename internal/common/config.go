package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig   `toml:"logging"`
	Browser     BrowserConfig   `toml:"browser"`
	Executor    ExecutorConfig  `toml:"executor"`
	Storage     StorageConfig   `toml:"storage"`
	Server      ServerConfig    `toml:"server"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// BrowserConfig controls the chromedp browser session used for lanes
type BrowserConfig struct {
	Headless       bool   `toml:"headless"`
	DisableGPU     bool   `toml:"disable_gpu"`
	NoSandbox      bool   `toml:"no_sandbox"`
	UserAgent      string `toml:"user_agent"`
	UserDataDir    string `toml:"user_data_dir"`   // Persistent profile directory (empty = temporary profile)
	WindowWidth    int    `toml:"window_width"`
	WindowHeight   int    `toml:"window_height"`
	Lang           string `toml:"lang"`
	RequestTimeout string `toml:"request_timeout"` // Startup probe timeout, e.g. "30s"
}

// ExecutorConfig holds the parallel batch executor defaults
type ExecutorConfig struct {
	MaxLanes        int    `toml:"max_lanes"`        // Upper bound on concurrently used tabs
	ChunkSize       int    `toml:"chunk_size"`       // Items per submission
	ReadyAttempts   int    `toml:"ready_attempts"`   // Readiness polls per lane before giving up
	ReadyInterval   string `toml:"ready_interval"`   // Delay between readiness polls
	ControlInterval string `toml:"control_interval"` // Re-check interval while a job is paused
	SettleDelay     string `toml:"settle_delay"`     // Wait after a navigation before reading the location
	OpenDelay       string `toml:"open_delay"`       // Wait after opening each extra tab
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Enabled        bool   `toml:"enabled"`          // Persist job run records
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	Host    string `toml:"host"`
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"progress": "250ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
	// Messages buffered per client. When full the oldest pending message is dropped.
	ClientQueue int `toml:"client_queue"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"file"}, // stdout is reserved for the event stream
		},
		Browser: BrowserConfig{
			Headless:       false,
			DisableGPU:     true,
			NoSandbox:      true,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36",
			WindowWidth:    1920,
			WindowHeight:   1080,
			Lang:           "en-US",
			RequestTimeout: "30s",
		},
		Executor: ExecutorConfig{
			MaxLanes:        3,
			ChunkSize:       10,
			ReadyAttempts:   20,
			ReadyInterval:   "500ms",
			ControlInterval: "500ms",
			SettleDelay:     "1s",
			OpenDelay:       "1s",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Enabled: true,
				Path:    "./data",
			},
		},
		Server: ServerConfig{
			Enabled: false,
			Port:    8085,
			Host:    "localhost",
		},
		WebSocket: WebSocketConfig{
			AllowedEvents: []string{},
			ThrottleIntervals: map[string]string{
				"progress":    "250ms",
				"batch_chunk": "250ms",
			},
			ClientQueue: 64,
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied separately via ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FORMRUNNER_ENV"); env != "" {
		config.Environment = env
	}

	// Logging configuration
	if level := os.Getenv("FORMRUNNER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("FORMRUNNER_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Browser configuration (HEADLESS and USER_DATA_DIR kept for existing deployments)
	for _, name := range []string{"HEADLESS", "FORMRUNNER_BROWSER_HEADLESS"} {
		if headless := os.Getenv(name); headless != "" {
			config.Browser.Headless = parseTruthy(headless)
		}
	}
	for _, name := range []string{"USER_DATA_DIR", "FORMRUNNER_BROWSER_USER_DATA_DIR"} {
		if dir := os.Getenv(name); dir != "" {
			config.Browser.UserDataDir = dir
		}
	}
	if userAgent := os.Getenv("FORMRUNNER_BROWSER_USER_AGENT"); userAgent != "" {
		config.Browser.UserAgent = userAgent
	}

	// Executor configuration
	if maxLanes := os.Getenv("FORMRUNNER_EXECUTOR_MAX_LANES"); maxLanes != "" {
		if ml, err := strconv.Atoi(maxLanes); err == nil {
			config.Executor.MaxLanes = ml
		}
	}
	if chunkSize := os.Getenv("FORMRUNNER_EXECUTOR_CHUNK_SIZE"); chunkSize != "" {
		if cs, err := strconv.Atoi(chunkSize); err == nil {
			config.Executor.ChunkSize = cs
		}
	}
	if controlInterval := os.Getenv("FORMRUNNER_EXECUTOR_CONTROL_INTERVAL"); controlInterval != "" {
		if _, err := time.ParseDuration(controlInterval); err == nil {
			config.Executor.ControlInterval = controlInterval
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("FORMRUNNER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Server configuration
	if port := os.Getenv("FORMRUNNER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
			config.Server.Enabled = true
		}
	}
	if host := os.Getenv("FORMRUNNER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string, headless bool) {
	if port > 0 {
		config.Server.Port = port
		config.Server.Enabled = true
	}
	if host != "" {
		config.Server.Host = host
	}
	if headless {
		config.Browser.Headless = true
	}
}

// Validate rejects configurations the executor cannot run with
func (c *Config) Validate() error {
	if c.Executor.MaxLanes <= 0 {
		return fmt.Errorf("executor.max_lanes must be greater than 0, got: %d", c.Executor.MaxLanes)
	}
	if c.Executor.ChunkSize <= 0 {
		return fmt.Errorf("executor.chunk_size must be greater than 0, got: %d", c.Executor.ChunkSize)
	}
	if c.Executor.ReadyAttempts <= 0 {
		return fmt.Errorf("executor.ready_attempts must be greater than 0, got: %d", c.Executor.ReadyAttempts)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ReadyIntervalDuration returns the readiness poll delay (default 500ms)
func (c ExecutorConfig) ReadyIntervalDuration() time.Duration {
	return parseDurationOr(c.ReadyInterval, 500*time.Millisecond)
}

// ControlIntervalDuration returns the pause re-check interval (default 500ms)
func (c ExecutorConfig) ControlIntervalDuration() time.Duration {
	return parseDurationOr(c.ControlInterval, 500*time.Millisecond)
}

// SettleDelayDuration returns the post-navigation wait (default 1s)
func (c ExecutorConfig) SettleDelayDuration() time.Duration {
	return parseDurationOr(c.SettleDelay, time.Second)
}

// OpenDelayDuration returns the wait after opening each extra tab (default 1s)
func (c ExecutorConfig) OpenDelayDuration() time.Duration {
	return parseDurationOr(c.OpenDelay, time.Second)
}

// RequestTimeoutDuration returns the browser startup probe timeout (default 30s)
func (c BrowserConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(c.RequestTimeout, 30*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func parseTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
