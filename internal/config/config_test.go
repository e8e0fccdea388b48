package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.TickInterval.Std() != 2*time.Second {
		t.Errorf("TickInterval = %v, want 2s", cfg.Scheduler.TickInterval)
	}
	if cfg.Worker.Timeout.Std() != 5*time.Minute {
		t.Errorf("Worker.Timeout = %v, want 5m", cfg.Worker.Timeout)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[scheduler]
database_path = "/test/negosim.db"
max_concurrent = 5
tick_interval = "500ms"

[worker]
command = "/usr/local/bin/negotiation-worker"
max_rounds = 30
timeout = "1m"

[server]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Scheduler.DatabasePath != "/test/negosim.db" {
		t.Errorf("DatabasePath = %q, want /test/negosim.db", cfg.Scheduler.DatabasePath)
	}
	if cfg.Scheduler.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.TickInterval.Std() != 500*time.Millisecond {
		t.Errorf("TickInterval = %v, want 500ms", cfg.Scheduler.TickInterval)
	}
	if cfg.Worker.Timeout.Std() != time.Minute {
		t.Errorf("Worker.Timeout = %v, want 1m", cfg.Worker.Timeout)
	}
	if cfg.Worker.Command != "/usr/local/bin/negotiation-worker" {
		t.Errorf("Worker.Command = %q, want /usr/local/bin/negotiation-worker", cfg.Worker.Command)
	}
	if cfg.Worker.MaxRounds != 30 {
		t.Errorf("Worker.MaxRounds = %d, want 30", cfg.Worker.MaxRounds)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	// Sections absent from the file keep their defaults
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Scheduler.MaxRetries)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() on missing file should fall back to defaults, got %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != Default().Scheduler.MaxConcurrent {
		t.Error("missing file should yield default config")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
