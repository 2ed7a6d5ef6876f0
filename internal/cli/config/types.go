// Package config provides configuration management for the tenantrt CLI.
//
// Values are layered with koanf: built-in defaults, then tenantrt.yaml, then
// TENANTRT_ environment variables, then explicitly set flags.
package config

import (
	"time"
)

// Config holds all CLI configuration options.
type Config struct {
	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-"`

	DataDir      string `koanf:"data_dir"`
	MasterDB     string `koanf:"master_db"`
	PlatformDir  string `koanf:"platform_dir"`
	Tenant       string `koanf:"tenant"`
	Verbose      bool   `koanf:"verbose"`
	OutputFormat string `koanf:"output"`

	Runtime   RuntimeConfig   `koanf:"runtime"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	ErrorLog  ErrorLogConfig  `koanf:"errorlog"`
	Watch     WatchConfig     `koanf:"watch"`
	Serve     ServeConfig     `koanf:"serve"`
}

// RuntimeConfig bounds tenant code execution.
type RuntimeConfig struct {
	MaxSteps       uint64        `koanf:"max_steps"`
	CompileWorkers int           `koanf:"compile_workers"`
	InvokeTimeout  time.Duration `koanf:"invoke_timeout"`
}

// SchedulerConfig controls scheduled task firing.
type SchedulerConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Location string `koanf:"location"`
}

// ErrorLogConfig caps persisted fault entries.
type ErrorLogConfig struct {
	MessageCap int `koanf:"message_cap"`
	DetailsCap int `koanf:"details_cap"`
}

// WatchConfig holds the source directory synced by `watch`.
type WatchConfig struct {
	Dir string `koanf:"dir"`
}

// ServeConfig holds the metrics listener of `serve`.
type ServeConfig struct {
	Addr string `koanf:"addr"`
}

// Default configuration values.
const (
	DefaultDataDir        = ".tenantrt"
	DefaultOutput         = "auto" // Auto-detect: TTY=text, non-TTY=markdown
	DefaultMaxSteps       = 1_000_000
	DefaultInvokeTimeout  = 30 * time.Second
	DefaultLocation       = "UTC"
	DefaultMessageCap     = 500
	DefaultDetailsCap     = 10000
	DefaultWatchDir       = "classes"
	DefaultServeAddr      = ":9464"
	DefaultCompileWorkers = 0 // GOMAXPROCS
)

// ConfigFileNames are the file names searched for, in order.
var ConfigFileNames = []string{"tenantrt.yaml", "tenantrt.yml"}

// Location returns the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Location)
}
