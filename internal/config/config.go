// Package config provides configuration management for MindMate
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/deekshith47/mindmate/internal/genai"
)

// Config holds all application configuration
type Config struct {
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Host      HostConfig      `mapstructure:"host"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HostConfig configures the websocket endpoint the UI host connects to
type HostConfig struct {
	Addr string `mapstructure:"addr"`
}

// GeminiConfig configures the inference client
type GeminiConfig struct {
	APIKey    string        `mapstructure:"api_key"` // falls back to $GEMINI_API_KEY
	LiveModel string        `mapstructure:"live_model"`
	TextModel string        `mapstructure:"text_model"`
	Voice     string        `mapstructure:"voice"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// AudioConfig configures capture and playback sample rates
type AudioConfig struct {
	InputSampleRate  int `mapstructure:"input_sample_rate"`
	OutputSampleRate int `mapstructure:"output_sample_rate"`
}

// MirrorConfig configures the emotion mirror session
type MirrorConfig struct {
	Tick        time.Duration `mapstructure:"tick"`
	HistorySize int           `mapstructure:"history_size"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// VoiceConfig configures the voice conversation session
type VoiceConfig struct {
	Languages      []string `mapstructure:"languages"`
	SearchDisabled bool     `mapstructure:"search_disabled"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// MessagingConfig configures transcript fan-out to the broker. An empty
// URL disables publishing.
type MessagingConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Gemini: GeminiConfig{
			LiveModel: genai.DefaultLiveModel,
			TextModel: genai.DefaultTextModel,
			Voice:     genai.DefaultVoice,
			Timeout:   30 * time.Second,
		},
		Audio: AudioConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
		},
		Mirror: MirrorConfig{
			Tick:        33 * time.Millisecond,
			HistorySize: 5,
			Cooldown:    500 * time.Millisecond,
		},
		Voice: VoiceConfig{
			Languages: []string{"English", "Hindi", "Kannada"},
		},
		Host: HostConfig{
			Addr: "127.0.0.1:8390",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9102",
		},
		Messaging: MessagingConfig{
			Exchange: "mindmate.transcripts",
		},
		Logging: LoggingConfig{
			Level:   "debug",
			Console: true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return cfg, err
	}

	configDir := filepath.Join(homeDir, ".mindmate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("MINDMATE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(homeDir, ".mindmate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("gemini", cfg.Gemini)
	viper.Set("audio", cfg.Audio)
	viper.Set("mirror", cfg.Mirror)
	viper.Set("voice", cfg.Voice)
	viper.Set("host", cfg.Host)
	viper.Set("metrics", cfg.Metrics)
	viper.Set("messaging", cfg.Messaging)
	viper.Set("logging", cfg.Logging)

	configPath := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configPath)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".mindmate"), nil
}
