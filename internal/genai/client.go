// Package genai is the client surface for the generative inference
// services MindMate depends on: the bidirectional live audio session and
// the text analysis endpoints. One Client is constructed at process start
// and passed by reference to everything that needs it.
package genai

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultTextModel = "gemini-2.5-flash"
	DefaultVoice     = "Zephyr"

	defaultRESTEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	defaultLiveEndpoint = "wss://generativelanguage.googleapis.com/ws/" +
		"google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// Config configures the Client.
type Config struct {
	// APIKey authenticates every call (default: $GEMINI_API_KEY)
	APIKey string
	// LiveModel is the native-audio model for live sessions
	LiveModel string
	// TextModel is the model for chat and analysis calls
	TextModel string
	// Voice is the prebuilt voice identity for live audio output
	Voice string
	// RESTEndpoint and LiveEndpoint override the service URLs, for tests
	RESTEndpoint string
	LiveEndpoint string
	// Timeout bounds each REST call (default: 30s)
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIKey:       os.Getenv("GEMINI_API_KEY"),
		LiveModel:    DefaultLiveModel,
		TextModel:    DefaultTextModel,
		Voice:        DefaultVoice,
		RESTEndpoint: defaultRESTEndpoint,
		LiveEndpoint: defaultLiveEndpoint,
		Timeout:      30 * time.Second,
	}
}

// Client is a handle to the inference services.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a Client. Zero config fields are replaced with
// defaults.
func NewClient(config Config, logger zerolog.Logger) *Client {
	def := DefaultConfig()
	if config.APIKey == "" {
		config.APIKey = def.APIKey
	}
	if config.LiveModel == "" {
		config.LiveModel = def.LiveModel
	}
	if config.TextModel == "" {
		config.TextModel = def.TextModel
	}
	if config.Voice == "" {
		config.Voice = def.Voice
	}
	if config.RESTEndpoint == "" {
		config.RESTEndpoint = def.RESTEndpoint
	}
	if config.LiveEndpoint == "" {
		config.LiveEndpoint = def.LiveEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With().Str("component", "genai").Logger(),
	}
}

// IsConfigured reports whether an API key is available.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}
