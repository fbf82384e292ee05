package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Scheduler.WorkerPoolSize)
	assert.Equal(t, 4, cfg.Scheduler.BlockingPoolSize)
	assert.Equal(t, 0.36195, cfg.Drive.WheelDistance)
	assert.Equal(t, 1200, cfg.Drive.EncoderTicks)
	assert.Equal(t, 100*time.Millisecond, cfg.Drive.TickInterval.Duration)
	assert.True(t, cfg.IsDevelopment())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"empty name", func(c *Config) { c.App.Name = "" }, ErrInvalidAppName},
		{"bad environment", func(c *Config) { c.App.Environment = "moon" }, ErrInvalidEnvironment},
		{"version not semver", func(c *Config) { c.App.Version = "one" }, ErrInvalidVersion},
		{"version below minimum", func(c *Config) {
			c.App.Version = "1.2.0"
			c.App.MinVersion = ">= 2.0"
		}, ErrVersionConstraint},
		{"version meets minimum", func(c *Config) {
			c.App.Version = "2.1.0"
			c.App.MinVersion = ">= 2.0, < 3"
		}, nil},
		{"bad constraint", func(c *Config) { c.App.MinVersion = ">>> 1" }, ErrInvalidVersion},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, ErrInvalidLogLevel},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLogFormat},
		{"negative pool", func(c *Config) { c.Scheduler.WorkerPoolSize = -1 }, ErrInvalidPoolSize},
		{"bad port", func(c *Config) { c.Network.Port = 70000 }, ErrInvalidPort},
		{"bad port ignored when disabled", func(c *Config) {
			c.Network.Enabled = false
			c.Network.Port = 70000
		}, nil},
		{"no connections", func(c *Config) { c.Network.MaxConnections = 0 }, ErrInvalidMaxConnections},
		{"bad client constraint", func(c *Config) { c.Network.MinClientVersion = "~>" }, ErrInvalidVersion},
		{"zero wheel", func(c *Config) { c.Drive.WheelDiameter = 0 }, ErrInvalidDriveGeometry},
		{"zero tick", func(c *Config) { c.Drive.TickInterval = Duration{} }, ErrInvalidInterval},
		{"unknown driver", func(c *Config) {
			c.Telemetry.Recorder.Enabled = true
			c.Telemetry.Recorder.Driver = "oracle"
		}, ErrInvalidRecorderDriver},
		{"missing dsn", func(c *Config) {
			c.Telemetry.Recorder.Enabled = true
			c.Telemetry.Recorder.DSN = ""
		}, ErrMissingDSN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoaderFormats(t *testing.T) {
	files := map[string]string{
		"robot.yaml": `
app:
  name: yaml-bot
  version: 1.4.0
scheduler:
  worker_pool_size: 8
drive:
  tick_interval: 250ms
`,
		"robot.json": `{
  "app": {"name": "json-bot", "version": "1.4.0"},
  "scheduler": {"worker_pool_size": 8},
  "drive": {"tick_interval": "250ms"}
}`,
		"robot.toml": `
[app]
name = "toml-bot"
version = "1.4.0"

[scheduler]
worker_pool_size = 8

[drive]
tick_interval = "250ms"
`,
	}

	dir := t.TempDir()
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, name, content)

			cfg, err := NewLoader().LoadFromFile(path)
			require.NoError(t, err)

			assert.True(t, strings.HasSuffix(cfg.App.Name, "-bot"))
			assert.Equal(t, "1.4.0", cfg.App.Version)
			assert.Equal(t, 8, cfg.Scheduler.WorkerPoolSize)
			assert.Equal(t, 250*time.Millisecond, cfg.Drive.TickInterval.Duration)

			// untouched fields keep their defaults
			assert.Equal(t, 4, cfg.Scheduler.BlockingPoolSize)
			assert.Equal(t, 1200, cfg.Drive.EncoderTicks)
			assert.Equal(t, LogLevelInfo, cfg.Log.Level)
		})
	}
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader()

	_, err := loader.LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)

	_, err = loader.LoadFromFile(writeFile(t, dir, "robot.ini", "x=1"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = loader.LoadFromFile(writeFile(t, dir, "broken.yaml", "app: [unclosed"))
	assert.ErrorIs(t, err, ErrConfigParseError)

	_, err = loader.LoadFromFile(writeFile(t, dir, "invalid.yaml", "log:\n  level: loud\n"))
	assert.ErrorIs(t, err, ErrConfigValidateError)
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SNACKBOT_APP_NAME", "env-bot")
	t.Setenv("SNACKBOT_LOG_LEVEL", "DEBUG")
	t.Setenv("SNACKBOT_SCHEDULER_WORKERS", "12")
	t.Setenv("SNACKBOT_NETWORK_PORT", "6000")
	t.Setenv("SNACKBOT_DRIVE_ENABLED", "false")

	dir := t.TempDir()
	path := writeFile(t, dir, "robot.yaml", "app:\n  name: file-bot\nscheduler:\n  worker_pool_size: 2\n")

	cfg, err := NewLoader().LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "env-bot", cfg.App.Name)
	assert.Equal(t, LogLevelDebug, cfg.Log.Level)
	assert.Equal(t, 12, cfg.Scheduler.WorkerPoolSize)
	assert.Equal(t, 6000, cfg.Network.Port)
	assert.False(t, cfg.Drive.Enabled)
}

func TestEnvironmentOverrideErrors(t *testing.T) {
	t.Setenv("SNACKBOT_NETWORK_PORT", "http")

	_, err := NewLoader().SetSearchPaths([]string{t.TempDir()}).AutoLoad()
	assert.ErrorIs(t, err, ErrEnvironmentVarError)
}

func TestAutoLoad(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader().SetSearchPaths([]string{dir})

	cfg, err := loader.AutoLoad()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().App.Name, cfg.App.Name)

	writeFile(t, dir, "snackbot.toml", "[app]\nname = \"found\"\n")
	cfg, err = loader.Load("")
	require.NoError(t, err)
	assert.Equal(t, "found", cfg.App.Name)
}

func TestLoaderDoesNotMutateDefaults(t *testing.T) {
	defaults := DefaultConfig()
	defaults.Custom["greeting"] = "hi"
	loader := NewLoader().SetDefaultConfig(defaults)

	cfg, err := loader.LoadFromReader(strings.NewReader(`{"custom": {"extra": 1}}`), FormatJSON)
	require.NoError(t, err)

	assert.Contains(t, cfg.Custom, "extra")
	assert.Contains(t, cfg.Custom, "greeting")
	assert.NotContains(t, defaults.Custom, "extra")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	original := DefaultConfig()
	original.App.Name = "saved"
	original.Scheduler.LongActivation = Seconds(2.5)
	original.Network.MinClientVersion = ">= 1.0"

	for _, ext := range []string{"yaml", "json", "toml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(dir, "nested", "saved."+ext)
			require.NoError(t, Save(original, path))

			loaded, err := NewLoader().LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, "saved", loaded.App.Name)
			assert.Equal(t, 2500*time.Millisecond, loaded.Scheduler.LongActivation.Duration)
			assert.Equal(t, ">= 1.0", loaded.Network.MinClientVersion)
			assert.Equal(t, original.Drive, loaded.Drive)
		})
	}
}

func TestEncodeWritesDurationsAsText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, DefaultConfig(), FormatYAML))
	assert.Contains(t, buf.String(), "tick_interval: 100ms")

	assert.ErrorIs(t, Encode(&buf, DefaultConfig(), "ini"), ErrUnsupportedFormat)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = ParseFormat("xml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "robot.yaml", "drive:\n  max_speed: 0.5\n")

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	w, err := NewWatcher(path, NewLoader(), log)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	assert.Equal(t, 0.5, w.GetConfig().Drive.MaxSpeed)

	var oldSpeed, newSpeed atomic.Float64
	var calls atomic.Int32
	w.OnConfigChange(func(oldConfig, newConfig *Config) {
		oldSpeed.Store(oldConfig.Drive.MaxSpeed)
		newSpeed.Store(newConfig.Drive.MaxSpeed)
		calls.Inc()
	})

	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, dir, "robot.yaml", "drive:\n  max_speed: 0.8\n")

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.5, oldSpeed.Load())
	assert.Equal(t, 0.8, newSpeed.Load())
	assert.Equal(t, 0.8, w.GetConfig().Drive.MaxSpeed)
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "robot.yaml", "app:\n  name: stable\n")

	w, err := NewWatcher(path, NewLoader(), nil)
	require.NoError(t, err)

	writeFile(t, dir, "robot.yaml", "log:\n  level: loud\n")
	assert.Error(t, w.Reload())
	assert.Equal(t, "stable", w.GetConfig().App.Name)
}
