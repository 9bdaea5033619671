package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_decoder/internal/maps"
)

// Configuration system:
// - config.example.toml is produced by the generate-config command
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Metrics server configuration
	Server ServerConfig `toml:"server"`

	// Trace session configuration
	Session SessionConfig `toml:"session"`

	// Dispatcher configuration
	Dispatch DispatchConfig `toml:"dispatch"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Serve decoder metrics while replaying (default: false)
	Enabled bool `toml:"enabled"`

	// Listen address (default: "localhost:9189")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`
}

// SessionConfig contains trace session settings.
type SessionConfig struct {
	// Name of the realtime logging session (default: "etw_decoder")
	RealtimeName string `toml:"realtime_name"`

	// Maximum number of log files replayed at once (default: 32)
	MaxFileSessions int `toml:"max_file_sessions"`

	// Session buffer size in KB (default: 64)
	BufferSizeKB uint32 `toml:"buffer_size_kb"`

	// Width of a wide character in bytes, 2 (UTF-16) or 4 (UTF-32) (default: 2)
	WideCharSize int `toml:"wide_char_size"`

	// Kernel event groups to decode: "process", "thread", "image",
	// "memory", "disk_io", "file_io" (default: all)
	KernelGroups []string `toml:"kernel_groups"`

	// Providers enabled on the realtime session
	Providers []ProviderConfig `toml:"providers"`
}

// ProviderConfig enables one provider on a session.
type ProviderConfig struct {
	// Provider GUID, with or without braces
	GUID string `toml:"guid"`

	// Maximum level to log, 1 (critical) to 5 (verbose) (default: 4)
	Level uint8 `toml:"level"`

	// Flag (keyword) mask, 0 enables everything
	Flags uint64 `toml:"flags"`
}

// DispatchConfig contains dispatcher settings.
type DispatchConfig struct {
	// Log every decoded event at debug level (default: false)
	LogEvents bool `toml:"log_events"`

	// Track processes, threads and loaded modules (default: true)
	StateDatabases bool `toml:"state_databases"`

	// Concurrent map backend for the session and state tables:
	// "xsync", "sharded", "cornelk" or "sync" (default: "xsync")
	MapImplementation string `toml:"map_implementation"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
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

// LogOutput represents a single output configuration
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

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt" or "glog" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
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

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "etw_decoder")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Enabled:       false,
			ListenAddress: "localhost:9189",
			MetricsPath:   "/metrics",
		},
		Session: SessionConfig{
			RealtimeName:    "etw_decoder",
			MaxFileSessions: 32,
			BufferSizeKB:    64,
			WideCharSize:    2,
			KernelGroups:    []string{"process", "thread", "image", "memory", "disk_io", "file_io"},
			Providers:       []ProviderConfig{},
		},
		Dispatch: DispatchConfig{
			LogEvents:         false,
			StateDatabases:    true,
			MapImplementation: "xsync",
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
						Filename:     "logs/etw_decoder.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network: "udp",
						Address: "localhost:514",
						Tag:     "etw_decoder",
						Marker:  "@cee:",
						Async:   true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
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
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# etw_decoder example configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	config := DefaultConfig()
	config.Session.Providers = []ProviderConfig{{
		GUID:  "{3d6fa8d0-fe05-11d0-9dda-00c04fd7ba7c}",
		Level: 4,
		Flags: 0,
	}}
	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.Enabled {
		if c.Server.ListenAddress == "" {
			return fmt.Errorf("server.listen_address cannot be empty")
		}
		if c.Server.MetricsPath == "" {
			return fmt.Errorf("server.metrics_path cannot be empty")
		}
	}

	if c.Session.RealtimeName == "" {
		return fmt.Errorf("session.realtime_name cannot be empty")
	}
	if c.Session.MaxFileSessions < 1 {
		return fmt.Errorf("session.max_file_sessions must be at least 1, got %d", c.Session.MaxFileSessions)
	}
	if c.Session.WideCharSize != 2 && c.Session.WideCharSize != 4 {
		return fmt.Errorf("session.wide_char_size must be 2 or 4, got %d", c.Session.WideCharSize)
	}
	for i, p := range c.Session.Providers {
		if _, err := ParseGUID(p.GUID); err != nil {
			return fmt.Errorf("session.providers[%d].guid: %w", i, err)
		}
		if p.Level > 5 {
			return fmt.Errorf("session.providers[%d].level must be 0-5, got %d", i, p.Level)
		}
	}

	if _, err := maps.ParseImplementation(c.Dispatch.MapImplementation); err != nil {
		return fmt.Errorf("dispatch.map_implementation: %w", err)
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// ParseGUID parses a GUID with or without surrounding braces.
func ParseGUID(s string) (guid.GUID, error) {
	if len(s) > 1 && s[0] == '{' && s[len(s)-1] == '}' {
		s = s[1 : len(s)-1]
	}
	return guid.FromString(s)
}
