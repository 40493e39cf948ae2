package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Fatalf("default config should validate, got: %v", ValidationErrors(errs))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "empty database url",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: "database.url",
		},
		{
			name:    "zero max concurrent",
			mutate:  func(c *Config) { c.Session.MaxConcurrent = 0 },
			wantErr: "session.max_concurrent",
		},
		{
			name:    "zero buffer chunks",
			mutate:  func(c *Config) { c.Session.OutputBufferChunks = 0 },
			wantErr: "session.output_buffer_chunks",
		},
		{
			name: "warning window wider than timeout",
			mutate: func(c *Config) {
				c.Session.TimeoutSeconds = 60
				c.Session.WarningWindowSeconds = 120
			},
			wantErr: "session.warning_window_seconds",
		},
		{
			name:    "subject prefix trailing dot",
			mutate:  func(c *Config) { c.NATS.SubjectPrefix = "jelmore.session." },
			wantErr: "nats.subject_prefix",
		},
		{
			name: "enabled provider without binary or url",
			mutate: func(c *Config) {
				c.Providers["bad"] = ProviderConfig{Enabled: true}
			},
			wantErr: "providers.bad",
		},
		{
			name: "pong timeout shorter than interval",
			mutate: func(c *Config) {
				c.Heartbeat.IntervalSeconds = 30
				c.Heartbeat.PongTimeoutSeconds = 10
				c.Heartbeat.ConnectGraceSeconds = 10
			},
			wantErr: "heartbeat.pong_timeout_seconds",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}

			found := false
			for _, e := range errs {
				if strings.Contains(e.Field, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %q, got: %v", tt.wantErr, ValidationErrors(errs))
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = -1
	cfg.Database.URL = ""
	cfg.Session.MaxConcurrent = 0

	errs := cfg.Validate()
	if len(errs) < 3 {
		t.Errorf("expected at least 3 errors, got %d: %v", len(errs), ValidationErrors(errs))
	}
}

func TestDisabledProviderSkipsValidation(t *testing.T) {
	cfg := Default()
	cfg.Providers["off"] = ProviderConfig{Enabled: false}

	if errs := cfg.Validate(); len(errs) > 0 {
		t.Errorf("disabled provider should not be validated, got: %v", ValidationErrors(errs))
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if cfg.Session.Timeout().Seconds() != float64(cfg.Session.TimeoutSeconds) {
		t.Error("Timeout() does not match TimeoutSeconds")
	}
	if cfg.Heartbeat.Interval().Seconds() != float64(cfg.Heartbeat.IntervalSeconds) {
		t.Error("Interval() does not match IntervalSeconds")
	}
	if cfg.Watcher.Debounce().Milliseconds() != int64(cfg.Watcher.DebounceMs) {
		t.Error("Debounce() does not match DebounceMs")
	}
}
