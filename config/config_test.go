package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingopeer/voicetutor/shared"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "https://api.openai.com/v1", cfg.BaseURL)
	assert.Equal(t, "gpt-realtime", cfg.Model)
	assert.Equal(t, "alloy", cfg.Voice)
	assert.Equal(t, 3, cfg.RetryLimit)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, 20, cfg.Audio.FrameMs)
	assert.NotEmpty(t, cfg.Log.File)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	_, err := Load("")
	assert.ErrorIs(t, err, shared.ErrNoAPIKey)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-test")
	t.Setenv(EnvModel, "gpt-realtime-mini")
	t.Setenv(EnvVoice, "cedar")
	t.Setenv(EnvRetryLimit, "5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, "gpt-realtime-mini", cfg.Model)
	assert.Equal(t, "cedar", cfg.Voice)
	assert.Equal(t, 5, cfg.RetryLimit)
}

func TestLoadFromYAMLFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvModel, "")
	t.Setenv(EnvVoice, "")
	t.Setenv(EnvRetryLimit, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_key: sk-from-file
voice: marin
retry_limit: 2
audio:
  sample_rate: 24000
  channels: 2
  frame_ms: 40
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-file", cfg.APIKey)
	assert.Equal(t, "marin", cfg.Voice)
	assert.Equal(t, 2, cfg.RetryLimit)
	assert.Equal(t, 24000, cfg.Audio.SampleRate)
	assert.Equal(t, 2, cfg.Audio.Channels)
	assert.Equal(t, 40, cfg.Audio.FrameMs)
	// unset keys keep their defaults
	assert.Equal(t, "gpt-realtime", cfg.Model)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-from-env")
	t.Setenv(EnvVoice, "ash")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_key: sk-from-file\nvoice: marin\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.APIKey)
	assert.Equal(t, "ash", cfg.Voice)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-test")
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-test")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audio: [not a map"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
