package internal

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Mirror modes.
const (
	ModeStrict   = "strict"
	ModeAdditive = "additive"
)

// Comparison strategies.
const (
	CompareMetadata = "metadata"
	CompareChecksum = "checksum"
)

// LevelTrace extends slog's levels below Debug for very chatty
// per-event logging.
const LevelTrace = slog.Level(-8)

// Duration wraps time.Duration so YAML values like "100ms" decode.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the application configuration.
type Config struct {
	App         ApplicationConfig `yaml:"app"`
	Source      PathConfig        `yaml:"source"`
	Destination PathConfig        `yaml:"destination"`
	Sync        SyncConfig        `yaml:"sync"`
	Watch       WatchConfig       `yaml:"watch"`
	Status      StatusConfig      `yaml:"status"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if err := c.Watch.Validate(); err != nil {
		return err
	}
	return c.Status.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel string `yaml:"log_level"`
}

// Level parses the configured log level. An unrecognized value falls
// back to info rather than failing startup.
func (c *ApplicationConfig) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// PathConfig holds one watched or mirrored directory path.
type PathConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	Mode           string   `yaml:"mode"`
	Compare        string   `yaml:"compare"`
	DebounceWindow Duration `yaml:"debounce_window"`
	BatchInterval  Duration `yaml:"batch_interval"`
	Workers        int      `yaml:"workers"`
	ModTimeWindow  Duration `yaml:"mod_time_window"`
	ResyncInterval Duration `yaml:"resync_interval"`
	ShutdownGrace  Duration `yaml:"shutdown_grace"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(ModeStrict, ModeAdditive)),
		validation.Field(&c.Compare, validation.Required, validation.In(CompareMetadata, CompareChecksum)),
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(64)),
	)
}

// WatchConfig tunes watcher re-subscription behaviour.
type WatchConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// Validate validates the watch configuration.
func (c *WatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxRetries, validation.Min(0), validation.Max(32)),
	)
}

// StatusConfig holds the optional status HTTP server configuration.
type StatusConfig struct {
	HTTP HTTPConfig `yaml:"http"`
}

// Validate validates the status configuration.
func (c *StatusConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration. Port 0 disables the server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns the HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Enabled reports whether the status server should run.
func (c *HTTPConfig) Enabled() bool { return c.Port > 0 }

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: "info",
		},
		Sync: SyncConfig{
			Mode:           ModeStrict,
			Compare:        CompareMetadata,
			DebounceWindow: Duration(100 * time.Millisecond),
			BatchInterval:  Duration(50 * time.Millisecond),
			Workers:        4,
			ModTimeWindow:  Duration(time.Second),
			ResyncInterval: 0,
			ShutdownGrace:  Duration(5 * time.Second),
		},
		Watch: WatchConfig{
			MaxRetries:   5,
			RetryBackoff: Duration(500 * time.Millisecond),
		},
		Status: StatusConfig{
			HTTP: HTTPConfig{Port: 0},
		},
	}
}
