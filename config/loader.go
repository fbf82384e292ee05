package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
	FormatTOML ConfigFormat = "toml"
)

// EnvPrefix is the default prefix of environment overrides.
const EnvPrefix = "SNACKBOT"

// FormatFromPath determines the format from a file extension.
func FormatFromPath(path string) (ConfigFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// ParseFormat validates a format name given on the command line.
func ParseFormat(name string) (ConfigFormat, error) {
	switch f := ConfigFormat(strings.ToLower(name)); f {
	case FormatYAML, FormatJSON, FormatTOML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "/etc/snackbot"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".snackbot"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     EnvPrefix,
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// defaults returns a fresh copy of the default configuration.
func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

// Load loads configuration from filename, or from the search paths when
// filename is empty. Defaults fill missing fields and environment variables
// take precedence over the file.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := FormatFromPath(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration, falling back to
// the defaults when no file is found.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// finish applies environment overrides and validates.
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateError, err)
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"snackbot.yaml", "snackbot.yml",
		"snackbot.toml", "snackbot.json",
		"config.yaml", "config.yml",
		"config.toml", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

// parseConfig decodes data over a copy of the defaults so that missing
// fields keep their default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, config)
	case FormatJSON:
		err = json.Unmarshal(data, config)
	case FormatTOML:
		_, err = toml.Decode(string(data), config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigParseError, format, err)
	}
	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	str := func(key string, dst *string) {
		if val, ok := os.LookupEnv(l.envPrefix + "_" + key); ok && val != "" {
			*dst = val
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		val, ok := os.LookupEnv(l.envPrefix + "_" + key)
		if !ok || val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, key, val))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		val, ok := os.LookupEnv(l.envPrefix + "_" + key)
		if !ok || val == "" {
			return
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s_%s=%q", ErrEnvironmentVarError, l.envPrefix, key, val))
			return
		}
		*dst = b
	}

	// App configuration
	str("APP_NAME", &config.App.Name)
	str("APP_VERSION", &config.App.Version)
	if val, ok := os.LookupEnv(l.envPrefix + "_APP_ENVIRONMENT"); ok && val != "" {
		config.App.Environment = Environment(val)
	}
	flag("APP_DEBUG", &config.App.Debug)

	// Log configuration
	if val, ok := os.LookupEnv(l.envPrefix + "_LOG_LEVEL"); ok && val != "" {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	str("LOG_FORMAT", &config.Log.Format)
	str("LOG_OUTPUT", &config.Log.Output)

	// Scheduler configuration
	num("SCHEDULER_WORKERS", &config.Scheduler.WorkerPoolSize)
	num("SCHEDULER_BLOCKING_WORKERS", &config.Scheduler.BlockingPoolSize)

	// Network configuration
	flag("NETWORK_ENABLED", &config.Network.Enabled)
	str("NETWORK_ADDRESS", &config.Network.Address)
	num("NETWORK_PORT", &config.Network.Port)

	// Drive configuration
	flag("DRIVE_ENABLED", &config.Drive.Enabled)

	// Telemetry configuration
	flag("RECORDER_ENABLED", &config.Telemetry.Recorder.Enabled)
	str("RECORDER_DRIVER", &config.Telemetry.Recorder.Driver)
	str("RECORDER_DSN", &config.Telemetry.Recorder.DSN)
	flag("MONITOR_ENABLED", &config.Telemetry.Monitor.Enabled)
	num("MONITOR_PORT", &config.Telemetry.Monitor.Port)

	return errors.Join(errs...)
}

// Encode writes config to w in the given format.
func Encode(w io.Writer, config *Config, format ConfigFormat) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return err
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(config)
	case FormatTOML:
		return toml.NewEncoder(w).Encode(config)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Save writes config to filename using the format implied by its extension.
func Save(config *Config, filename string) error {
	format, err := FormatFromPath(filename)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := Encode(&buf, config, format); err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(filename, buf.Bytes(), 0o644)
}
