// Package logging builds the logrus logger shared by every snackbot component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jarney/snackbot/config"
)

// Environment variables that take precedence over the configuration file.
const (
	EnvLevel  = "SNACKBOT_LOG_LEVEL"
	EnvFormat = "SNACKBOT_LOG_FORMAT"
)

// Configure returns a logger for cfg. The returned closer releases the log
// file when Output names one.
func Configure(cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	if v := os.Getenv(EnvLevel); v != "" {
		cfg.Level = config.LogLevel(strings.ToLower(v))
	}
	if v := os.Getenv(EnvFormat); v != "" {
		cfg.Format = strings.ToLower(v)
	}

	log := logrus.New()
	if err := SetLevel(log, cfg.Level); err != nil {
		return nil, nil, err
	}

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stderr":
		log.SetOutput(os.Stderr)
	case "stdout":
		log.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		log.SetOutput(f)
		closer = f
	}

	if len(cfg.Fields) > 0 {
		fields := make(logrus.Fields, len(cfg.Fields))
		for k, v := range cfg.Fields {
			fields[k] = v
		}
		log.AddHook(fieldsHook(fields))
	}
	return log, closer, nil
}

// SetLevel applies a configured level to log.
func SetLevel(log *logrus.Logger, level config.LogLevel) error {
	if level == "" {
		level = config.LogLevelInfo
	}
	lvl, err := logrus.ParseLevel(string(level))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

// fieldsHook adds static fields to every entry.
type fieldsHook logrus.Fields

func (h fieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h fieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h {
		if _, set := entry.Data[k]; !set {
			entry.Data[k] = v
		}
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
