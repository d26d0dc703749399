// Package config handles configuration loading, validation, and hot reload
// for injectd.
package config

import (
	"os"
	"path/filepath"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Session controls transcript buffering and release timing.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Strategy controls method ordering, budgets, and policy.
	Strategy StrategyConfig `toml:"strategy" json:"strategy" yaml:"strategy"`

	// Methods enables or disables individual injection methods.
	Methods MethodsConfig `toml:"methods" json:"methods" yaml:"methods"`

	// Focus controls focus tracking.
	Focus FocusConfig `toml:"focus" json:"focus" yaml:"focus"`

	// Prewarm controls resource pre-warming.
	Prewarm PrewarmConfig `toml:"prewarm" json:"prewarm" yaml:"prewarm"`

	// Keyboard controls the virtual keyboard device.
	Keyboard KeyboardConfig `toml:"keyboard" json:"keyboard" yaml:"keyboard"`

	// Storage controls history persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Telemetry configuration for the metrics endpoint.
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry" yaml:"telemetry"`
}

// SessionConfig holds buffering and release timing.
type SessionConfig struct {
	// BufferPauseTimeoutMs is the input gap that starts the silence wait.
	BufferPauseTimeoutMs int `toml:"buffer_pause_timeout_ms" json:"buffer_pause_timeout_ms" yaml:"buffer_pause_timeout_ms"`

	// SilenceTimeoutMs is the input gap that releases the buffer.
	// Zero for both timeouts means fragments inject as soon as they arrive.
	SilenceTimeoutMs int `toml:"silence_timeout_ms" json:"silence_timeout_ms" yaml:"silence_timeout_ms"`

	// MaxBufferChars releases the buffer immediately once exceeded.
	// Zero disables the limit.
	MaxBufferChars int `toml:"max_buffer_chars" json:"max_buffer_chars" yaml:"max_buffer_chars"`

	// PollIntervalMs is how often the daemon polls for readiness.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// StrategyConfig holds orchestration budgets and policy.
type StrategyConfig struct {
	// TotalBudgetMs bounds one whole injection request.
	TotalBudgetMs int `toml:"total_budget_ms" json:"total_budget_ms" yaml:"total_budget_ms"`

	// StageBudgetMs bounds each individual method attempt.
	StageBudgetMs int `toml:"stage_budget_ms" json:"stage_budget_ms" yaml:"stage_budget_ms"`

	// ConfirmWindowMs bounds confirmation after a locally successful attempt.
	ConfirmWindowMs int `toml:"confirm_window_ms" json:"confirm_window_ms" yaml:"confirm_window_ms"`

	// RequireFocus refuses injection when focus is known non-editable.
	RequireFocus bool `toml:"require_focus" json:"require_focus" yaml:"require_focus"`

	// InjectOnUnknownFocus allows injection when focus cannot be determined.
	InjectOnUnknownFocus bool `toml:"inject_on_unknown_focus" json:"inject_on_unknown_focus" yaml:"inject_on_unknown_focus"`

	// AllowApps restricts injection to matching applications when non-empty.
	// Patterns are regular expressions, with substring fallback.
	AllowApps []string `toml:"allow_apps" json:"allow_apps" yaml:"allow_apps"`

	// BlockApps refuses matching applications.
	BlockApps []string `toml:"block_apps" json:"block_apps" yaml:"block_apps"`

	// KeystrokeMaxChars is the longest text delivered by synthesized typing.
	KeystrokeMaxChars int `toml:"keystroke_max_chars" json:"keystroke_max_chars" yaml:"keystroke_max_chars"`
}

// MethodConfig holds per-method settings.
type MethodConfig struct {
	// Enabled switches the method on or off.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ConfirmPolicy is "strict" or "lenient". Strict treats unverifiable
	// attempts as failures.
	ConfirmPolicy string `toml:"confirm_policy" json:"confirm_policy" yaml:"confirm_policy"`
}

// MethodsConfig holds the per-method settings.
type MethodsConfig struct {
	AtspiInsert     MethodConfig `toml:"atspi_insert" json:"atspi_insert" yaml:"atspi_insert"`
	AtspiPaste      MethodConfig `toml:"atspi_paste" json:"atspi_paste" yaml:"atspi_paste"`
	ClipboardPaste  MethodConfig `toml:"clipboard_paste" json:"clipboard_paste" yaml:"clipboard_paste"`
	VirtualKeyboard MethodConfig `toml:"virtual_keyboard" json:"virtual_keyboard" yaml:"virtual_keyboard"`
	PortalInput     MethodConfig `toml:"portal_input" json:"portal_input" yaml:"portal_input"`
}

// FocusConfig holds focus tracking settings.
type FocusConfig struct {
	// CacheTTLMs is how long a focus query result is served from cache.
	CacheTTLMs int `toml:"cache_ttl_ms" json:"cache_ttl_ms" yaml:"cache_ttl_ms"`

	// QueryTimeoutMs bounds one focus query against the accessibility bus.
	QueryTimeoutMs int `toml:"query_timeout_ms" json:"query_timeout_ms" yaml:"query_timeout_ms"`
}

// PrewarmConfig holds resource pre-warming settings.
type PrewarmConfig struct {
	// Enabled switches pre-warming on or off.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// TTLMs is how long a warmed resource stays servable.
	TTLMs int `toml:"ttl_ms" json:"ttl_ms" yaml:"ttl_ms"`
}

// KeyboardConfig holds virtual keyboard settings.
type KeyboardConfig struct {
	// KeyDelayMs is the pause between synthesized key events.
	KeyDelayMs int `toml:"key_delay_ms" json:"key_delay_ms" yaml:"key_delay_ms"`

	// DeviceName is the name the virtual device registers under.
	DeviceName string `toml:"device_name" json:"device_name" yaml:"device_name"`
}

// StorageConfig holds history persistence settings.
type StorageConfig struct {
	// Enabled switches persistence on or off.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database path.
	Path string `toml:"path" json:"path" yaml:"path"`

	// AttemptRetentionHours is how long attempt records are kept.
	AttemptRetentionHours int `toml:"attempt_retention_hours" json:"attempt_retention_hours" yaml:"attempt_retention_hours"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stderr", "stdout", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// IPCConfig holds control socket settings.
type IPCConfig struct {
	// SocketPath is the Unix socket path.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// MaxConnections bounds concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
}

// TelemetryConfig holds metrics endpoint settings.
type TelemetryConfig struct {
	// Enabled switches the scrape endpoint on or off.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the HTTP listen address for scraping.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Session: SessionConfig{
			BufferPauseTimeoutMs: 300,
			SilenceTimeoutMs:     800,
			MaxBufferChars:       512,
			PollIntervalMs:       50,
		},
		Strategy: StrategyConfig{
			TotalBudgetMs:        200,
			StageBudgetMs:        50,
			ConfirmWindowMs:      75,
			RequireFocus:         false,
			InjectOnUnknownFocus: true,
			KeystrokeMaxChars:    32,
		},
		Methods: MethodsConfig{
			AtspiInsert:     MethodConfig{Enabled: true, ConfirmPolicy: "strict"},
			AtspiPaste:      MethodConfig{Enabled: true, ConfirmPolicy: "strict"},
			ClipboardPaste:  MethodConfig{Enabled: true, ConfirmPolicy: "strict"},
			VirtualKeyboard: MethodConfig{Enabled: true, ConfirmPolicy: "strict"},
			PortalInput:     MethodConfig{Enabled: false, ConfirmPolicy: "strict"},
		},
		Focus: FocusConfig{
			CacheTTLMs:     200,
			QueryTimeoutMs: 50,
		},
		Prewarm: PrewarmConfig{
			Enabled: true,
			TTLMs:   3000,
		},
		Keyboard: KeyboardConfig{
			KeyDelayMs: 2,
			DeviceName: "injectd keyboard",
		},
		Storage: StorageConfig{
			Enabled:               true,
			Path:                  filepath.Join(dir, "history.db"),
			AttemptRetentionHours: 168,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(dir, "injectd.log"),
		},
		IPC: IPCConfig{
			SocketPath:     defaultSocketPath(),
			MaxConnections: 8,
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9419",
		},
	}
}

// DataDir returns the base injectd data directory, honoring the
// INJECTD_DATA_DIR override.
func DataDir() string {
	if dir := os.Getenv("INJECTD_DATA_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "injectd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "injectd")
	}
	return filepath.Join(home, ".local", "share", "injectd")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "injectd", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "injectd", "config.toml")
	}
	return filepath.Join(home, ".config", "injectd", "config.toml")
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "injectd.sock")
	}
	return "/tmp/injectd.sock"
}

// ApplyEnvOverrides applies INJECTD_-prefixed environment overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("INJECTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("INJECTD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("INJECTD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.IPC.SocketPath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Strategy.AllowApps = append([]string{}, c.Strategy.AllowApps...)
	clone.Strategy.BlockApps = append([]string{}, c.Strategy.BlockApps...)
	return &clone
}
