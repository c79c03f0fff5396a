// Package config loads the client configuration from an optional YAML file,
// an optional .env file, and the environment, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/lingopeer/voicetutor/shared"
)

// Environment variable keys.
const (
	EnvAPIKey     = "OPENAI_API_KEY"
	EnvBaseURL    = "OPENAI_BASE_URL"
	EnvModel      = "VOICETUTOR_MODEL"
	EnvVoice      = "VOICETUTOR_VOICE"
	EnvRetryLimit = "VOICETUTOR_RETRY_LIMIT"
)

type AudioConfig struct {
	SampleRate       int  `yaml:"sample_rate"`
	Channels         int  `yaml:"channels"`
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
	FrameMs          int  `yaml:"frame_ms"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	APIKey          string      `yaml:"api_key"`
	BaseURL         string      `yaml:"base_url"`
	Model           string      `yaml:"model"`
	Voice           string      `yaml:"voice"`
	Instructions    string      `yaml:"instructions"`
	Greeting        string      `yaml:"greeting"`
	MaxOutputTokens int64       `yaml:"max_output_tokens"`
	STUNServer      string      `yaml:"stun_server"`
	RetryLimit      int         `yaml:"retry_limit"`
	Audio           AudioConfig `yaml:"audio"`
	Log             LogConfig   `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:         "https://api.openai.com/v1",
		Model:           "gpt-realtime",
		Voice:           "alloy",
		Instructions:    "You are a patient language tutor. Speak slowly, correct mistakes gently, and keep the conversation going.",
		MaxOutputTokens: 1024,
		STUNServer:      "stun:stun.l.google.com:19302",
		RetryLimit:      3,
		Audio: AudioConfig{
			SampleRate:       48000,
			Channels:         1,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			FrameMs:          20,
		},
		Log: LogConfig{
			File:       "voicetutor.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	var err error
	if cfg.APIKey, err = shared.Getenv(shared.GetenvString, EnvAPIKey, false, cfg.APIKey); err != nil {
		return nil, err
	}
	if cfg.BaseURL, err = shared.Getenv(shared.GetenvString, EnvBaseURL, false, cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.Model, err = shared.Getenv(shared.GetenvString, EnvModel, false, cfg.Model); err != nil {
		return nil, err
	}
	if cfg.Voice, err = shared.Getenv(shared.GetenvString, EnvVoice, false, cfg.Voice); err != nil {
		return nil, err
	}
	if cfg.RetryLimit, err = shared.Getenv(shared.GetenvInt, EnvRetryLimit, false, cfg.RetryLimit); err != nil {
		return nil, err
	}

	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	return cfg, nil
}
