package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidVersion        = errors.New("invalid version")
	ErrVersionConstraint     = errors.New("version constraint not satisfied")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrInvalidPoolSize       = errors.New("invalid worker pool size")
	ErrInvalidPort           = errors.New("invalid port number")
	ErrInvalidMaxConnections = errors.New("invalid max connections")
	ErrInvalidDriveGeometry  = errors.New("invalid drive geometry")
	ErrInvalidInterval       = errors.New("invalid interval")
	ErrInvalidRecorderDriver = errors.New("unsupported recorder driver")
	ErrMissingDSN            = errors.New("recorder dsn is required")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrConfigValidateError = errors.New("configuration validation error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
)
