// Package config provides configuration management for snackbot
package config

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Duration is a time.Duration written as "1.5s" in every config format.
type Duration struct {
	time.Duration
}

// Seconds builds a Duration from a number of seconds.
func Seconds(n float64) Duration {
	return Duration{time.Duration(n * float64(time.Second))}
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Config represents the complete snackbot configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app" toml:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log" toml:"log"`

	// Biote manager configuration
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler" toml:"scheduler"`

	// Network bridge configuration
	Network NetworkConfig `yaml:"network" json:"network" toml:"network"`

	// Differential drive configuration
	Drive DriveConfig `yaml:"drive" json:"drive" toml:"drive"`

	// Stats recorder and monitor configuration
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry" toml:"telemetry"`

	// Custom configurations (for user-defined biotes)
	Custom map[string]interface{} `yaml:"custom,omitempty" json:"custom,omitempty" toml:"custom,omitempty"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name" toml:"name"`

	// Application version, semver
	Version string `yaml:"version" json:"version" toml:"version"`

	// Constraint the version must satisfy, e.g. ">= 1.2"
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty" toml:"min_version,omitempty"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment" toml:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug" toml:"debug"`

	// Application description
	Description string `yaml:"description,omitempty" json:"description,omitempty" toml:"description,omitempty"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty" toml:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level" toml:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format" toml:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" toml:"output"`

	// Fields to include in every entry
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty" toml:"fields,omitempty"`
}

// SchedulerConfig contains biote manager settings
type SchedulerConfig struct {
	// Workers draining regular biotes, 1..40
	WorkerPoolSize int `yaml:"worker_pool_size" json:"worker_pool_size" toml:"worker_pool_size"`

	// Workers draining blocking biotes, 1..40
	BlockingPoolSize int `yaml:"blocking_pool_size" json:"blocking_pool_size" toml:"blocking_pool_size"`

	// Activations running longer than this are reported
	LongActivation Duration `yaml:"long_activation" json:"long_activation" toml:"long_activation"`

	// How often thread activity is checked; zero disables the check
	ActivityCheckInterval Duration `yaml:"activity_check_interval" json:"activity_check_interval" toml:"activity_check_interval"`

	// Upper bound on waiting for biotes to finalize
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" toml:"shutdown_timeout"`
}

// NetworkConfig contains network bridge configuration
type NetworkConfig struct {
	// Enable the TCP bridge
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// Listening address
	Address string `yaml:"address" json:"address" toml:"address"`

	// Listening port, 0 picks a free port
	Port int `yaml:"port" json:"port" toml:"port"`

	// Maximum concurrent connections
	MaxConnections int `yaml:"max_connections" json:"max_connections" toml:"max_connections"`

	// Maximum frame payload in bytes
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size" toml:"max_frame_size"`

	// Read deadline; a connection silent for longer is closed
	ReadTimeout Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`

	// Write deadline per frame
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`

	// Constraint on the version announced in hello frames
	MinClientVersion string `yaml:"min_client_version,omitempty" json:"min_client_version,omitempty" toml:"min_client_version,omitempty"`
}

// DriveConfig contains differential drive settings
type DriveConfig struct {
	// Enable the drive biote
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// Distance between the wheels in meters
	WheelDistance float64 `yaml:"wheel_distance" json:"wheel_distance" toml:"wheel_distance"`

	// Wheel diameter in meters
	WheelDiameter float64 `yaml:"wheel_diameter" json:"wheel_diameter" toml:"wheel_diameter"`

	// Encoder ticks per wheel revolution
	EncoderTicks int `yaml:"encoder_ticks" json:"encoder_ticks" toml:"encoder_ticks"`

	// Speed limit in m/s applied to motor commands
	MaxSpeed float64 `yaml:"max_speed" json:"max_speed" toml:"max_speed"`

	// Odometry update period
	TickInterval Duration `yaml:"tick_interval" json:"tick_interval" toml:"tick_interval"`
}

// TelemetryConfig groups the stats recorder and the HTTP monitor
type TelemetryConfig struct {
	Recorder RecorderConfig `yaml:"recorder" json:"recorder" toml:"recorder"`
	Monitor  MonitorConfig  `yaml:"monitor" json:"monitor" toml:"monitor"`
}

// RecorderConfig contains stats recorder settings
type RecorderConfig struct {
	// Enable periodic stats recording
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// database/sql driver: sqlite3, mysql or postgres
	Driver string `yaml:"driver" json:"driver" toml:"driver"`

	// Driver specific data source name
	DSN string `yaml:"dsn" json:"dsn" toml:"dsn"`

	// Flush period
	Interval Duration `yaml:"interval" json:"interval" toml:"interval"`
}

// MonitorConfig contains HTTP monitor settings
type MonitorConfig struct {
	// Enable the HTTP monitor
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// HTTP server address
	Address string `yaml:"address" json:"address" toml:"address"`

	// HTTP server port, 0 picks a free port
	Port int `yaml:"port" json:"port" toml:"port"`

	// Metrics endpoint path
	MetricsPath string `yaml:"metrics_path" json:"metrics_path" toml:"metrics_path"`

	// Health endpoint path
	HealthPath string `yaml:"health_path" json:"health_path" toml:"health_path"`
}

// Supported recorder drivers.
var recorderDrivers = map[string]bool{
	"sqlite3":  true,
	"mysql":    true,
	"postgres": true,
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "snackbot",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Description: "snackbot robot controller",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Scheduler: SchedulerConfig{
			WorkerPoolSize:        4,
			BlockingPoolSize:      4,
			LongActivation:        Seconds(5),
			ActivityCheckInterval: Seconds(10),
			ShutdownTimeout:       Seconds(10),
		},
		Network: NetworkConfig{
			Enabled:        true,
			Address:        "0.0.0.0",
			Port:           5555,
			MaxConnections: 64,
			MaxFrameSize:   64 * 1024,
			ReadTimeout:    Seconds(60),
			WriteTimeout:   Seconds(10),
		},
		Drive: DriveConfig{
			Enabled:       true,
			WheelDistance: 0.36195,
			WheelDiameter: 0.09,
			EncoderTicks:  1200,
			MaxSpeed:      0.5,
			TickInterval:  Seconds(0.1),
		},
		Telemetry: TelemetryConfig{
			Recorder: RecorderConfig{
				Enabled:  false,
				Driver:   "sqlite3",
				DSN:      "snackbot-stats.db",
				Interval: Seconds(60),
			},
			Monitor: MonitorConfig{
				Enabled:     true,
				Address:     "127.0.0.1",
				Port:        9090,
				MetricsPath: "/metrics",
				HealthPath:  "/health",
			},
		},
		Custom: make(map[string]interface{}),
	}
}

// Clone returns a deep copy of the configuration maps and values.
func (c *Config) Clone() *Config {
	out := *c
	if c.App.Metadata != nil {
		out.App.Metadata = make(map[string]string, len(c.App.Metadata))
		for k, v := range c.App.Metadata {
			out.App.Metadata[k] = v
		}
	}
	if c.Log.Fields != nil {
		out.Log.Fields = make(map[string]string, len(c.Log.Fields))
		for k, v := range c.Log.Fields {
			out.Log.Fields[k] = v
		}
	}
	if c.Custom != nil {
		out.Custom = make(map[string]interface{}, len(c.Custom))
		for k, v := range c.Custom {
			out.Custom[k] = v
		}
	}
	return &out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}
	if err := c.App.checkVersion(); err != nil {
		return err
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	// Validate scheduler config
	if c.Scheduler.WorkerPoolSize < 0 || c.Scheduler.BlockingPoolSize < 0 {
		return ErrInvalidPoolSize
	}

	// Validate network config
	if c.Network.Enabled {
		if c.Network.Port < 0 || c.Network.Port > 65535 {
			return ErrInvalidPort
		}
		if c.Network.MaxConnections <= 0 {
			return ErrInvalidMaxConnections
		}
		if c.Network.MinClientVersion != "" {
			if _, err := semver.NewConstraint(c.Network.MinClientVersion); err != nil {
				return fmt.Errorf("%w: network.min_client_version: %v", ErrInvalidVersion, err)
			}
		}
	}

	// Validate drive config
	if c.Drive.Enabled {
		if c.Drive.WheelDistance <= 0 || c.Drive.WheelDiameter <= 0 || c.Drive.EncoderTicks <= 0 {
			return ErrInvalidDriveGeometry
		}
		if c.Drive.TickInterval.Duration <= 0 {
			return fmt.Errorf("%w: drive.tick_interval", ErrInvalidInterval)
		}
	}

	// Validate telemetry config
	if r := c.Telemetry.Recorder; r.Enabled {
		if !recorderDrivers[r.Driver] {
			return fmt.Errorf("%w: %q", ErrInvalidRecorderDriver, r.Driver)
		}
		if r.DSN == "" {
			return ErrMissingDSN
		}
		if r.Interval.Duration <= 0 {
			return fmt.Errorf("%w: telemetry.recorder.interval", ErrInvalidInterval)
		}
	}
	if m := c.Telemetry.Monitor; m.Enabled && (m.Port < 0 || m.Port > 65535) {
		return ErrInvalidPort
	}

	return nil
}

// checkVersion parses Version and applies the MinVersion constraint.
func (a AppConfig) checkVersion() error {
	v, err := semver.NewVersion(a.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, a.Version, err)
	}
	if a.MinVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(a.MinVersion)
	if err != nil {
		return fmt.Errorf("%w: min_version %q: %v", ErrInvalidVersion, a.MinVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrVersionConstraint, a.Version, a.MinVersion)
	}
	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}
