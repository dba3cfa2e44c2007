package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment" validate:"omitempty,oneof=development production prod"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Browser     BrowserConfig   `toml:"browser"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Executor    ExecutorConfig  `toml:"executor"`
	Platforms   PlatformsConfig `toml:"platforms"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

type StorageConfig struct {
	// Type selects the task persistence backend: the embedded badger store
	// or a remote central server
	Type   string       `toml:"type" validate:"oneof=badger remote"`
	Badger BadgerConfig `toml:"badger"`
	Remote RemoteConfig `toml:"remote"`
}

// RemoteConfig points at the central server when storage.type is "remote"
type RemoteConfig struct {
	BaseURL  string `toml:"base_url" validate:"omitempty,url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Format     string   `toml:"format" validate:"oneof=json text"`
	Output     []string `toml:"output" validate:"min=1,dive,oneof=stdout console file"`
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")

	// MinEventLevel is the lowest level of task-correlated logs republished
	// to the event bus for live streaming
	MinEventLevel string `toml:"min_event_level" validate:"oneof=debug info warn error"`
}

// BrowserConfig contains Chrome launch configuration
type BrowserConfig struct {
	UserAgent  string `toml:"user_agent"`
	Headless   bool   `toml:"headless"`    // Default headless mode, per-task config can override
	DisableGPU bool   `toml:"disable_gpu"` // Pass --disable-gpu to Chrome
	NoSandbox  bool   `toml:"no_sandbox"`  // Pass --no-sandbox to Chrome (required in most containers)
}

// SchedulerConfig contains task discovery configuration
type SchedulerConfig struct {
	Enabled           bool          `toml:"enabled"`
	DiscoverySchedule string        `toml:"discovery_schedule"` // Cron schedule, e.g. "@every 30s"
	PageSize          int           `toml:"page_size" validate:"min=1"`
	StaleRunningAfter time.Duration `toml:"stale_running_after"` // Running tasks older than this are requeued at startup
}

// ExecutorConfig contains task execution tuning
type ExecutorConfig struct {
	SettleDelay       time.Duration `toml:"settle_delay"`        // Pause after publish before releasing the browser
	CookieSettleDelay time.Duration `toml:"cookie_settle_delay"` // Pause after navigation during cookie login
}

// PlatformsConfig contains configuration for platform adapter definitions
type PlatformsConfig struct {
	DefinitionsDir string `toml:"definitions_dir"` // Directory containing platform definition files (TOML)
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	MinLevel string `toml:"min_level" validate:"oneof=debug info warn error"` // Minimum log level to broadcast
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"queue_status": "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in promulgo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			Output:        []string{"stdout", "file"},
			TimeFormat:    "15:04:05",
			MinEventLevel: "info",
		},
		Browser: BrowserConfig{
			UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Headless:   true,
			DisableGPU: true,
			NoSandbox:  true,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			DiscoverySchedule: "@every 30s",
			PageSize:          100,
			StaleRunningAfter: time.Minute,
		},
		Executor: ExecutorConfig{
			SettleDelay:       4 * time.Second,
			CookieSettleDelay: 2 * time.Second,
		},
		Platforms: PlatformsConfig{
			DefinitionsDir: "./platforms",
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ThrottleIntervals: map[string]string{
				"queue_status": "1s",
			},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
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
	if env := os.Getenv("PROMULGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("PROMULGO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PROMULGO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if storageType := os.Getenv("PROMULGO_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}
	if remoteURL := os.Getenv("PROMULGO_REMOTE_URL"); remoteURL != "" {
		config.Storage.Remote.BaseURL = remoteURL
	}
	if remoteUser := os.Getenv("PROMULGO_REMOTE_USERNAME"); remoteUser != "" {
		config.Storage.Remote.Username = remoteUser
	}
	if remotePass := os.Getenv("PROMULGO_REMOTE_PASSWORD"); remotePass != "" {
		config.Storage.Remote.Password = remotePass
	}
	if badgerPath := os.Getenv("PROMULGO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("PROMULGO_BADGER_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// Logging configuration
	if level := os.Getenv("PROMULGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("PROMULGO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if level := os.Getenv("PROMULGO_LOG_MIN_EVENT_LEVEL"); level != "" {
		config.Logging.MinEventLevel = level
	}
	if output := os.Getenv("PROMULGO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Browser configuration
	if userAgent := os.Getenv("PROMULGO_BROWSER_USER_AGENT"); userAgent != "" {
		config.Browser.UserAgent = userAgent
	}
	if headless := os.Getenv("PROMULGO_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}
	if noSandbox := os.Getenv("PROMULGO_BROWSER_NO_SANDBOX"); noSandbox != "" {
		if ns, err := strconv.ParseBool(noSandbox); err == nil {
			config.Browser.NoSandbox = ns
		}
	}

	// Scheduler configuration
	if enabled := os.Getenv("PROMULGO_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("PROMULGO_SCHEDULER_DISCOVERY_SCHEDULE"); schedule != "" {
		config.Scheduler.DiscoverySchedule = schedule
	}
	if pageSize := os.Getenv("PROMULGO_SCHEDULER_PAGE_SIZE"); pageSize != "" {
		if ps, err := strconv.Atoi(pageSize); err == nil {
			config.Scheduler.PageSize = ps
		}
	}
	if staleAfter := os.Getenv("PROMULGO_SCHEDULER_STALE_RUNNING_AFTER"); staleAfter != "" {
		if d, err := time.ParseDuration(staleAfter); err == nil {
			config.Scheduler.StaleRunningAfter = d
		}
	}

	// Executor configuration
	if settle := os.Getenv("PROMULGO_EXECUTOR_SETTLE_DELAY"); settle != "" {
		if d, err := time.ParseDuration(settle); err == nil {
			config.Executor.SettleDelay = d
		}
	}

	// Platforms configuration
	if platformsDir := os.Getenv("PROMULGO_PLATFORMS_DIR"); platformsDir != "" {
		config.Platforms.DefinitionsDir = platformsDir
	}

	// WebSocket configuration
	if minLevel := os.Getenv("PROMULGO_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate validates the configuration using go-playground/validator tags
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
