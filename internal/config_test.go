package internal

import (
	"log/slog"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestApplicationConfig_LevelParsing(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"error", slog.LevelError},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		// Unrecognized values fall back to info rather than failing.
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		cfg := ApplicationConfig{LogLevel: tc.in}
		if got := cfg.Level(); got != tc.want {
			t.Errorf("Level(%q): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	var cfg SyncConfig
	data := []byte("debounce_window: 250ms\nshutdown_grace: 10s\n")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.DebounceWindow.Std() != 250*time.Millisecond {
		t.Errorf("debounce_window: got %v", cfg.DebounceWindow.Std())
	}
	if cfg.ShutdownGrace.Std() != 10*time.Second {
		t.Errorf("shutdown_grace: got %v", cfg.ShutdownGrace.Std())
	}

	if err := yaml.Unmarshal([]byte("debounce_window: fast\n"), &cfg); err == nil {
		t.Error("invalid duration accepted")
	}
}

func TestSyncConfig_Validation(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Sync.Mode = "aggressive"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown mode accepted")
	}

	cfg = NewDefaultConfig()
	cfg.Sync.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero workers accepted")
	}

	cfg = NewDefaultConfig()
	cfg.Status.HTTP.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range port accepted")
	}
}

func TestHTTPConfig_Enabled(t *testing.T) {
	cfg := HTTPConfig{Port: 0}
	if cfg.Enabled() {
		t.Error("port 0 should disable the status server")
	}
	cfg.Port = 8080
	if !cfg.Enabled() {
		t.Error("port 8080 should enable the status server")
	}
	if cfg.Address() != ":8080" {
		t.Errorf("Address: got %q", cfg.Address())
	}
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Sync.Mode != ModeStrict {
		t.Errorf("default mode: got %q", cfg.Sync.Mode)
	}
	if cfg.Sync.Compare != CompareMetadata {
		t.Errorf("default compare: got %q", cfg.Sync.Compare)
	}
	if cfg.Sync.DebounceWindow.Std() != 100*time.Millisecond {
		t.Errorf("default debounce: got %v", cfg.Sync.DebounceWindow.Std())
	}
	if cfg.Status.HTTP.Enabled() {
		t.Error("status server enabled by default")
	}
}
