package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// AppConfig represents the complete tracer configuration.
type AppConfig struct {
	// Telemetry server configuration
	Server ServerConfig `toml:"server"`

	// Scheduler / destabilization policy configuration
	Scheduler SchedulerConfig `toml:"scheduler"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains the HTTP telemetry server settings.
type ServerConfig struct {
	// Listen address (default: "localhost:9347")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// SchedulerConfig contains the scheduling-stability policy settings.
//
// The destabilization trigger policy is configuration rather than hard-coded
// signal lists so that the same core can be exercised against different
// kernels and test harnesses.
type SchedulerConfig struct {
	// Signal names whose default disposition terminates the whole thread
	// group with a core dump. Receipt of one of these while it is still
	// pending delivery destabilizes the target's task group.
	// (default: the Linux core-dumping set)
	CoreDumpSignals []string `toml:"core_dump_signals"`

	// Destabilize a task group when one member reports an exit event while
	// siblings are still believed alive (default: true). Disabling this is
	// only useful for reproducing scheduler deadlocks in a harness.
	DestabilizeOnExitRace bool `toml:"destabilize_on_exit_race"`
}

// LoggingConfig contains the complete logging configuration.
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings.
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration.
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings.
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination: "stdout" or "stderr" (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings.
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: false)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings.
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "retrace")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// DefaultCoreDumpSignals is the Linux set of signals whose default action is
// termination with a core dump.
var DefaultCoreDumpSignals = []string{
	"SIGQUIT", "SIGILL", "SIGTRAP", "SIGABRT", "SIGBUS",
	"SIGFPE", "SIGSEGV", "SIGXCPU", "SIGXFSZ", "SIGSYS",
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9347",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Scheduler: SchedulerConfig{
			CoreDumpSignals:       append([]string(nil), DefaultCoreDumpSignals...),
			DestabilizeOnExitRace: true,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/retrace.log",
						MaxSize:      10,
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     false,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "retrace",
						Hostname: "",
						Marker:   "@cee:",
						Async:    true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If no config file specified, use defaults.
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		// A partial decode may have clobbered fields; hand back clean
		// defaults so a caller that logs and continues still holds a
		// usable configuration.
		return DefaultConfig(), fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file.
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for inconsistencies that would only
// surface later as confusing runtime failures.
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return errors.New("server.listen_address must not be empty")
	}
	if c.Server.MetricsPath == "" || c.Server.MetricsPath[0] != '/' {
		return fmt.Errorf("server.metrics_path must start with '/': %q", c.Server.MetricsPath)
	}
	for _, out := range c.Logging.Outputs {
		if !out.Enabled {
			continue
		}
		switch out.Type {
		case "console":
			if out.Console == nil {
				return errors.New("console output missing console configuration")
			}
		case "file":
			if out.File == nil {
				return errors.New("file output missing file configuration")
			}
			if out.File.Filename == "" {
				return errors.New("file output missing filename")
			}
		case "syslog":
			if out.Syslog == nil {
				return errors.New("syslog output missing syslog configuration")
			}
		default:
			return fmt.Errorf("unknown output type: %s", out.Type)
		}
	}
	return nil
}
