package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarney/snackbot/config"
)

func TestConfigureJSONWithFields(t *testing.T) {
	log, closer, err := Configure(config.LogConfig{
		Level:  config.LogLevelDebug,
		Format: "json",
		Fields: map[string]string{"robot": "snackbot-1"},
	})
	require.NoError(t, err)
	defer closer.Close()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithField("biote", 3).Debug("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "snackbot-1", entry["robot"])
	assert.EqualValues(t, 3, entry["biote"])
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestConfigureEnvironmentOverride(t *testing.T) {
	t.Setenv(EnvLevel, "WARN")
	t.Setenv(EnvFormat, "json")

	log, _, err := Configure(config.LogConfig{Level: config.LogLevelDebug, Format: "text"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestConfigureFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snackbot.log")

	log, closer, err := Configure(config.LogConfig{Level: config.LogLevelInfo, Output: path})
	require.NoError(t, err)
	log.Info("written to file")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "written to file")
}

func TestConfigureRejectsBadInput(t *testing.T) {
	_, _, err := Configure(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, _, err = Configure(config.LogConfig{Format: "xml"})
	assert.Error(t, err)
}
