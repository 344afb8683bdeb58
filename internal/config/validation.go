package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"voxpaste/internal/hotkey"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the offending field names, in order.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateHelper(&c.Helper)...)
	errs = append(errs, validateHotkey(&c.Hotkey)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateSegment(&c.Segment)...)
	errs = append(errs, validateRewrite(&c.Rewrite)...)
	errs = append(errs, validatePaste(&c.Paste)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateHUD(&c.HUD)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateHelper(h *HelperConfig) ValidationErrors {
	var errs ValidationErrors

	switch h.Restart {
	case RestartNever, RestartOnFailure:
	default:
		errs = append(errs, ValidationError{
			Field:   "helper.restart",
			Message: fmt.Sprintf("invalid restart policy: %s (valid: never, on-failure)", h.Restart),
		})
	}
	if h.MaxRestarts < 0 {
		errs = append(errs, *RangeError("helper.max_restarts", 0, "unlimited"))
	}
	if h.RestartBackoffMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "helper.restart_backoff_ms",
			Message: "backoff cannot be negative",
		})
	}
	return errs
}

func validateHotkey(h *HotkeyConfig) ValidationErrors {
	if h.Trigger == "" {
		return ValidationErrors{*RequiredFieldError("hotkey.trigger")}
	}
	if _, err := hotkey.Parse(h.Trigger); err != nil {
		return ValidationErrors{{Field: "hotkey.trigger", Message: err.Error()}}
	}
	return nil
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors

	if s.CompletedClearMs < 0 || s.CompletedClearMs > 60000 {
		errs = append(errs, *RangeError("session.completed_clear_ms", 0, 60000))
	}
	if s.ErrorClearMs < 0 || s.ErrorClearMs > 60000 {
		errs = append(errs, *RangeError("session.error_clear_ms", 0, 60000))
	}
	if s.PermissionsTimeoutMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "session.permissions_timeout_ms",
			Message: "permissions timeout must be at least 100ms",
		})
	}
	return errs
}

func validateSegment(s *SegmentConfig) ValidationErrors {
	var errs ValidationErrors

	if s.BoundaryGapMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "segment.boundary_gap_ms",
			Message: "boundary gap cannot be negative",
		})
	}
	if s.ShrinkRatio <= 0 || s.ShrinkRatio >= 1 {
		errs = append(errs, *RangeError("segment.shrink_ratio", "0 (exclusive)", "1 (exclusive)"))
	}
	return errs
}

func validateRewrite(r *RewriteConfig) ValidationErrors {
	var errs ValidationErrors

	if !r.Enabled {
		return nil
	}
	if r.Provider != "gemini" {
		errs = append(errs, ValidationError{
			Field:   "rewrite.provider",
			Message: fmt.Sprintf("unsupported provider: %s (valid: gemini)", r.Provider),
		})
	}
	if r.Model == "" {
		errs = append(errs, *RequiredFieldError("rewrite.model"))
	}
	if !isValidURL(r.BaseURL) {
		errs = append(errs, ValidationError{
			Field:   "rewrite.base_url",
			Message: fmt.Sprintf("invalid URL: %q", r.BaseURL),
		})
	}
	if r.TimeoutMs < 1000 {
		errs = append(errs, ValidationError{
			Field:   "rewrite.timeout_ms",
			Message: "timeout must be at least 1000ms",
		})
	}
	return errs
}

func validatePaste(p *PasteConfig) ValidationErrors {
	var errs ValidationErrors

	if p.SettleBeforeMs < 0 || p.SettleAfterMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "paste.settle",
			Message: "settle delays cannot be negative",
		})
	}
	switch p.Backend {
	case "auto", "command", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "paste.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: auto, command, text)", p.Backend),
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	if s.Path == "" {
		return ValidationErrors{*RequiredFieldError("storage.path")}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid address %q: %v", m.ListenAddr, err),
		}}
	}
	return nil
}

func validateHUD(h *HUDConfig) ValidationErrors {
	var errs ValidationErrors

	if h.Opacity < 0 || h.Opacity > 1 {
		errs = append(errs, *RangeError("hud.opacity", 0, 1))
	}
	switch h.Size {
	case "small", "medium", "large":
	default:
		errs = append(errs, ValidationError{
			Field:   "hud.size",
			Message: fmt.Sprintf("invalid size: %s (valid: small, medium, large)", h.Size),
		})
	}
	switch h.Position {
	case "center", "top", "bottom":
	default:
		errs = append(errs, ValidationError{
			Field:   "hud.position",
			Message: fmt.Sprintf("invalid position: %s (valid: center, top, bottom)", h.Position),
		})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
