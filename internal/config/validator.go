package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid configuration value.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors aggregates all validation failures into one error.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
}

// Validate checks the configuration for invalid values and returns all
// problems found, not just the first.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	add := func(field string, value any, message string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: message})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", c.Server.Port, "must be between 1 and 65535")
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		add("server.shutdown_timeout_seconds", c.Server.ShutdownTimeoutSeconds, "must not be negative")
	}

	if c.Database.URL == "" {
		add("database.url", c.Database.URL, "must not be empty")
	}
	if c.Database.MaxConns < 1 {
		add("database.max_conns", c.Database.MaxConns, "must be at least 1")
	}

	if c.Redis.URL == "" {
		add("redis.url", c.Redis.URL, "must not be empty")
	}
	if c.Redis.SnapshotTTLSeconds < 1 {
		add("redis.snapshot_ttl_seconds", c.Redis.SnapshotTTLSeconds, "must be at least 1")
	}

	if c.NATS.URL == "" {
		add("nats.url", c.NATS.URL, "must not be empty")
	}
	if c.NATS.SubjectPrefix == "" {
		add("nats.subject_prefix", c.NATS.SubjectPrefix, "must not be empty")
	}
	if strings.HasSuffix(c.NATS.SubjectPrefix, ".") {
		add("nats.subject_prefix", c.NATS.SubjectPrefix, "must not end with a dot")
	}

	if c.Session.MaxConcurrent < 1 {
		add("session.max_concurrent", c.Session.MaxConcurrent, "must be at least 1")
	}
	if c.Session.OutputBufferChunks < 1 {
		add("session.output_buffer_chunks", c.Session.OutputBufferChunks, "must be at least 1")
	}
	if c.Session.TimeoutSeconds < 1 {
		add("session.timeout_seconds", c.Session.TimeoutSeconds, "must be at least 1")
	}
	if c.Session.SweepIntervalSeconds < 1 {
		add("session.sweep_interval_seconds", c.Session.SweepIntervalSeconds, "must be at least 1")
	}
	if c.Session.WarningWindowSeconds < 0 {
		add("session.warning_window_seconds", c.Session.WarningWindowSeconds, "must not be negative")
	}
	if c.Session.WarningWindowSeconds >= c.Session.TimeoutSeconds {
		add("session.warning_window_seconds", c.Session.WarningWindowSeconds, "must be shorter than session.timeout_seconds")
	}

	for name, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.Binary == "" && p.BaseURL == "" {
			add(fmt.Sprintf("providers.%s", name), "", "must set binary (local) or base_url (remote)")
		}
		if p.GraceSeconds < 0 {
			add(fmt.Sprintf("providers.%s.grace_seconds", name), p.GraceSeconds, "must not be negative")
		}
	}

	if c.Selector.Default == "" {
		add("selector.default", c.Selector.Default, "must not be empty")
	}
	if c.Selector.HealthIntervalSeconds < 1 {
		add("selector.health_interval_seconds", c.Selector.HealthIntervalSeconds, "must be at least 1")
	}
	for task, prefs := range c.Selector.Preferences {
		if len(prefs) == 0 {
			add(fmt.Sprintf("selector.preferences.%s", task), prefs, "must list at least one provider")
		}
	}

	if c.Heartbeat.IntervalSeconds < 1 {
		add("heartbeat.interval_seconds", c.Heartbeat.IntervalSeconds, "must be at least 1")
	}
	if c.Heartbeat.PongTimeoutSeconds <= c.Heartbeat.IntervalSeconds {
		add("heartbeat.pong_timeout_seconds", c.Heartbeat.PongTimeoutSeconds, "must be longer than heartbeat.interval_seconds")
	}
	if c.Heartbeat.ConnectGraceSeconds < c.Heartbeat.PongTimeoutSeconds {
		add("heartbeat.connect_grace_seconds", c.Heartbeat.ConnectGraceSeconds, "must be at least heartbeat.pong_timeout_seconds")
	}

	if c.Watcher.DebounceMs < 0 {
		add("watcher.debounce_ms", c.Watcher.DebounceMs, "must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}

	return errs
}
