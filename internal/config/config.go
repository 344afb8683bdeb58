// Package config handles configuration loading, validation, and management for voxpaste.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Helper restart policies.
const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Helper configures the native input/speech helper process.
	Helper HelperConfig `toml:"helper" json:"helper" yaml:"helper"`

	// Hotkey is the push-to-talk trigger.
	Hotkey HotkeyConfig `toml:"hotkey" json:"hotkey" yaml:"hotkey"`

	// Session holds the state machine timing.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Segment holds the partial stitching thresholds.
	Segment SegmentConfig `toml:"segment" json:"segment" yaml:"segment"`

	// Rewrite configures the text rewrite service.
	Rewrite RewriteConfig `toml:"rewrite" json:"rewrite" yaml:"rewrite"`

	// Paste configures the clipboard paste adapter.
	Paste PasteConfig `toml:"paste" json:"paste" yaml:"paste"`

	// Storage configuration for history, prompts and dictionary.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Notify configures desktop notifications.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify"`

	// Metrics configures the Prometheus text endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// HUD is forwarded to the helper on ready.
	HUD HUDConfig `toml:"hud" json:"hud" yaml:"hud"`

	// Speech configures the helper's speech engine.
	Speech SpeechConfig `toml:"speech" json:"speech" yaml:"speech"`
}

// HelperConfig holds helper process configuration.
type HelperConfig struct {
	// Path is the helper executable. Empty means "voxpaste-helper" next to
	// the daemon binary, then $PATH.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Args are extra arguments passed to the helper.
	Args []string `toml:"args" json:"args" yaml:"args"`

	// Restart is the policy applied when the helper exits: "never" or "on-failure".
	Restart string `toml:"restart" json:"restart" yaml:"restart"`

	// MaxRestarts caps automatic restarts. 0 means unlimited.
	MaxRestarts int `toml:"max_restarts" json:"max_restarts" yaml:"max_restarts"`

	// RestartBackoffMs is the delay before a restart.
	RestartBackoffMs int `toml:"restart_backoff_ms" json:"restart_backoff_ms" yaml:"restart_backoff_ms"`
}

// HotkeyConfig holds the trigger specification, e.g. "Control + Option + Space".
type HotkeyConfig struct {
	Trigger string `toml:"trigger" json:"trigger" yaml:"trigger"`
}

// SessionConfig holds session state machine timing.
type SessionConfig struct {
	// CompletedClearMs is how long "completed" is shown before idle.
	CompletedClearMs int `toml:"completed_clear_ms" json:"completed_clear_ms" yaml:"completed_clear_ms"`

	// ErrorClearMs is how long "error" is shown before idle.
	ErrorClearMs int `toml:"error_clear_ms" json:"error_clear_ms" yaml:"error_clear_ms"`

	// PermissionsTimeoutMs bounds a permissions probe.
	PermissionsTimeoutMs int `toml:"permissions_timeout_ms" json:"permissions_timeout_ms" yaml:"permissions_timeout_ms"`

	// IgnoredErrorCodes are engine error codes treated as transient noise.
	IgnoredErrorCodes []string `toml:"ignored_error_codes" json:"ignored_error_codes" yaml:"ignored_error_codes"`
}

// SegmentConfig holds the accumulator thresholds.
type SegmentConfig struct {
	// BoundaryGapMs separates a new clause from a self-correction.
	BoundaryGapMs int `toml:"boundary_gap_ms" json:"boundary_gap_ms" yaml:"boundary_gap_ms"`

	// ShrinkRatio is the length ratio below which a partial is a boundary candidate.
	ShrinkRatio float64 `toml:"shrink_ratio" json:"shrink_ratio" yaml:"shrink_ratio"`
}

// RewriteConfig holds the rewrite service configuration.
type RewriteConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Provider is the rewrite backend. Only "gemini" is supported.
	Provider string `toml:"provider" json:"provider" yaml:"provider"`

	Model   string `toml:"model" json:"model" yaml:"model"`
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `toml:"api_key_env" json:"api_key_env" yaml:"api_key_env"`

	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// PasteConfig holds clipboard paste adapter configuration.
type PasteConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SettleBeforeMs is the delay between writing the clipboard and the keystroke.
	SettleBeforeMs int `toml:"settle_before_ms" json:"settle_before_ms" yaml:"settle_before_ms"`

	// SettleAfterMs is the delay between the keystroke and the restore.
	SettleAfterMs int `toml:"settle_after_ms" json:"settle_after_ms" yaml:"settle_after_ms"`

	// Backend selects the clipboard accessor: "auto", "command" or "text".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// KeyPath is the per-user key used to seal secrets in the settings table.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// NotifyConfig holds desktop notification configuration.
type NotifyConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// OnComplete also notifies on successful pastes.
	OnComplete bool `toml:"on_complete" json:"on_complete" yaml:"on_complete"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// HUDConfig describes the helper's recording overlay.
type HUDConfig struct {
	Size     string  `toml:"size" json:"size" yaml:"size"`
	Opacity  float64 `toml:"opacity" json:"opacity" yaml:"opacity"`
	Position string  `toml:"position" json:"position" yaml:"position"`
}

// SpeechConfig holds the helper's speech engine configuration.
type SpeechConfig struct {
	APIKeyEnv       string `toml:"deepgram_api_key_env" json:"deepgram_api_key_env" yaml:"deepgram_api_key_env"`
	Endpoint        string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	Model           string `toml:"model" json:"model" yaml:"model"`
	Language        string `toml:"language" json:"language" yaml:"language"`
	SampleRate      int    `toml:"sample_rate" json:"sample_rate" yaml:"sample_rate"`
	Channels        int    `toml:"channels" json:"channels" yaml:"channels"`
	RecorderCommand string `toml:"recorder_command" json:"recorder_command" yaml:"recorder_command"`
	InputFormat     string `toml:"input_format" json:"input_format" yaml:"input_format"`
	InputDevice     string `toml:"input_device" json:"input_device" yaml:"input_device"`
	StopGraceMs     int    `toml:"stop_grace_ms" json:"stop_grace_ms" yaml:"stop_grace_ms"`
	LevelIntervalMs int    `toml:"level_interval_ms" json:"level_interval_ms" yaml:"level_interval_ms"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := DataDir()

	return &Config{
		Version: Version,
		Helper: HelperConfig{
			Restart:          RestartNever,
			MaxRestarts:      3,
			RestartBackoffMs: 1000,
		},
		Hotkey: HotkeyConfig{
			Trigger: "Fn",
		},
		Session: SessionConfig{
			CompletedClearMs:     500,
			ErrorClearMs:         3000,
			PermissionsTimeoutMs: 3000,
			IgnoredErrorCodes:    []string{"203", "209", "216", "1110"},
		},
		Segment: SegmentConfig{
			BoundaryGapMs: 200,
			ShrinkRatio:   0.3,
		},
		Rewrite: RewriteConfig{
			Enabled:   true,
			Provider:  "gemini",
			Model:     "gemini-2.0-flash-lite",
			BaseURL:   "https://generativelanguage.googleapis.com/v1beta",
			APIKeyEnv: "GEMINI_API_KEY",
			TimeoutMs: 15000,
		},
		Paste: PasteConfig{
			Enabled:        true,
			SettleBeforeMs: 100,
			SettleAfterMs:  200,
			Backend:        "auto",
		},
		Storage: StorageConfig{
			Path:    filepath.Join(dataDir, "voxpaste.db"),
			KeyPath: filepath.Join(dataDir, "secret.key"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			FilePath:   filepath.Join(LogDir(), "voxpasted.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Notify: NotifyConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9477",
		},
		HUD: HUDConfig{
			Size:     "medium",
			Opacity:  0.9,
			Position: "bottom",
		},
		Speech: SpeechConfig{
			APIKeyEnv:       "DEEPGRAM_API_KEY",
			Endpoint:        "wss://api.deepgram.com/v1/listen",
			Model:           "nova-2",
			Language:        "en",
			SampleRate:      16000,
			Channels:        1,
			RecorderCommand: "ffmpeg",
			InputFormat:     defaultInputFormat(),
			InputDevice:     defaultInputDevice(),
			StopGraceMs:     1000,
			LevelIntervalMs: 50,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if p := os.Getenv("VOXPASTE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.toml")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Storage.KeyPath),
		filepath.Dir(c.Logging.FilePath),
	} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with VOXPASTE_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VOXPASTE_HELPER_PATH"); v != "" {
		c.Helper.Path = v
	}
	if v := os.Getenv("VOXPASTE_HOTKEY"); v != "" {
		c.Hotkey.Trigger = v
	}
	if v := os.Getenv("VOXPASTE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("VOXPASTE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VOXPASTE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("VOXPASTE_REWRITE_MODEL"); v != "" {
		c.Rewrite.Model = v
	}
	if v := os.Getenv("VOXPASTE_REWRITE_BASE_URL"); v != "" {
		c.Rewrite.BaseURL = v
	}
	if v := os.Getenv("VOXPASTE_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Helper.Args = append([]string(nil), c.Helper.Args...)
	clone.Session.IgnoredErrorCodes = append([]string(nil), c.Session.IgnoredErrorCodes...)
	return &clone
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// CompletedClear returns the completed auto-clear delay.
func (s SessionConfig) CompletedClear() time.Duration { return ms(s.CompletedClearMs) }

// ErrorClear returns the error auto-clear delay.
func (s SessionConfig) ErrorClear() time.Duration { return ms(s.ErrorClearMs) }

// PermissionsTimeout returns the permissions probe timeout.
func (s SessionConfig) PermissionsTimeout() time.Duration { return ms(s.PermissionsTimeoutMs) }

// BoundaryGap returns the segment boundary gap.
func (s SegmentConfig) BoundaryGap() time.Duration { return ms(s.BoundaryGapMs) }

// Timeout returns the rewrite request timeout.
func (r RewriteConfig) Timeout() time.Duration { return ms(r.TimeoutMs) }

// APIKey returns the rewrite API key from the environment, if any.
func (r RewriteConfig) APIKey() string {
	if r.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(r.APIKeyEnv)
}

// SettleBefore returns the pre-keystroke settle delay.
func (p PasteConfig) SettleBefore() time.Duration { return ms(p.SettleBeforeMs) }

// SettleAfter returns the post-keystroke settle delay.
func (p PasteConfig) SettleAfter() time.Duration { return ms(p.SettleAfterMs) }

// RestartBackoff returns the helper restart delay.
func (h HelperConfig) RestartBackoff() time.Duration { return ms(h.RestartBackoffMs) }

// StopGrace returns how long the speech engine waits for a trailing final.
func (s SpeechConfig) StopGrace() time.Duration { return ms(s.StopGraceMs) }

// LevelInterval returns the minimum spacing between level events.
func (s SpeechConfig) LevelInterval() time.Duration { return ms(s.LevelIntervalMs) }
