package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration unmarshals TOML duration strings like "2s" or "5m". go-toml
// decodes plain time.Duration fields only from integer nanoseconds, which
// nobody wants to write in a config file.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Worker        WorkerConfig        `toml:"worker"`
	Scenarios     ScenariosConfig     `toml:"scenarios"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// SchedulerConfig holds dispatch loop settings
type SchedulerConfig struct {
	DatabasePath  string   `toml:"database_path"`
	TickInterval  Duration `toml:"tick_interval"`
	MaxConcurrent int      `toml:"max_concurrent"`
	MaxRetries    int      `toml:"max_retries"`
	// CheckOrphansOnStart logs an orphan report at startup. Orphaned runs
	// are never reset automatically; use the recover command or endpoint.
	CheckOrphansOnStart bool   `toml:"check_orphans_on_start"`
	BatchSchedules      string `toml:"batch_schedules"`
}

// WorkerConfig holds external worker process settings
type WorkerConfig struct {
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	Timeout   Duration `toml:"timeout"`
	MaxRounds int      `toml:"max_rounds"`
	LogDir    string   `toml:"log_dir"`
}

// ScenariosConfig holds scenario directory watcher settings
type ScenariosConfig struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".negosim")
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Scheduler: SchedulerConfig{
			DatabasePath:        filepath.Join(base, "negosim.db"),
			TickInterval:        Duration(2 * time.Second),
			MaxConcurrent:       3,
			MaxRetries:          3,
			CheckOrphansOnStart: true,
			BatchSchedules:      filepath.Join(base, "batches.toml"),
		},
		Worker: WorkerConfig{
			Command:   "simworker",
			Timeout:   Duration(5 * time.Minute),
			MaxRounds: 20,
			LogDir:    filepath.Join(base, "logs"),
		},
		Scenarios: ScenariosConfig{
			Dir:   filepath.Join(base, "scenarios"),
			Watch: false,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.Scheduler.DatabasePath = ExpandPath(cfg.Scheduler.DatabasePath)
	cfg.Scheduler.BatchSchedules = ExpandPath(cfg.Scheduler.BatchSchedules)
	cfg.Worker.LogDir = ExpandPath(cfg.Worker.LogDir)
	cfg.Scenarios.Dir = ExpandPath(cfg.Scenarios.Dir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "negosim", "config.toml")
}
