// MindMate - realtime wellbeing companion core
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/deekshith47/mindmate/internal/bus"
	"github.com/deekshith47/mindmate/internal/config"
	"github.com/deekshith47/mindmate/internal/emotion"
	"github.com/deekshith47/mindmate/internal/genai"
	"github.com/deekshith47/mindmate/internal/host"
	"github.com/deekshith47/mindmate/internal/logging"
	"github.com/deekshith47/mindmate/internal/messaging"
	"github.com/deekshith47/mindmate/internal/metrics"
	"github.com/deekshith47/mindmate/internal/mirror"
	"github.com/deekshith47/mindmate/internal/voice"
)

// Global logger instance
var syslog *logging.Logger

// loadEnvFiles loads API keys from .env files into the process
// environment. Checks ~/.mindmate/.env first, then the working
// directory. Existing environment variables win.
func loadEnvFiles() {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".mindmate", ".env"))
	}
	paths = append(paths, ".env")

	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			syslog.Info("env", "Loaded environment variables", map[string]interface{}{
				"source": path,
			})
		}
	}
}

func main() {
	// Initialize structured logger FIRST
	var err error
	syslog, err = logging.New(nil) // Uses default config
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()

	syslog.Info("main", "========================================", nil)
	syslog.Info("main", "MindMate starting...", nil)
	syslog.Info("main", "========================================", nil)

	loadEnvFiles()

	zlogger := syslog.Zerolog()

	// Load configuration
	syslog.Debug("config", "Loading configuration", nil)
	cfg, err := config.Load()
	if err != nil {
		syslog.Warn("config", "Failed to load config, using defaults", map[string]interface{}{
			"error": err.Error(),
		})
		cfg = config.DefaultConfig()
	}
	syslog.Info("config", "Configuration loaded", map[string]interface{}{
		"hostAddr":  cfg.Host.Addr,
		"liveModel": cfg.Gemini.LiveModel,
	})

	// Create event bus
	eventBus := bus.NewEventBus()

	// Create inference client
	client := genai.NewClient(genai.Config{
		APIKey:    cfg.Gemini.APIKey,
		LiveModel: cfg.Gemini.LiveModel,
		TextModel: cfg.Gemini.TextModel,
		Voice:     cfg.Gemini.Voice,
		Timeout:   cfg.Gemini.Timeout,
	}, zlogger)
	if !client.IsConfigured() {
		syslog.Warn("genai", "No API key set - conversations will not start. Set GEMINI_API_KEY.", nil)
	}

	// Transcript fan-out (disabled without a broker URL)
	publisher, err := messaging.NewPublisher(messaging.Config{
		URL:      cfg.Messaging.URL,
		Exchange: cfg.Messaging.Exchange,
	}, zlogger)
	if err != nil {
		syslog.Error("messaging", "Broker connection failed, transcripts stay local", err, nil)
		publisher, _ = messaging.NewPublisher(messaging.Config{}, zlogger)
	}
	defer publisher.Close()

	// Host bridge supplies the devices; controllers own the sessions.
	bridge := host.NewBridge(eventBus, zlogger)

	mirrorController := mirror.NewController(mirror.Config{
		Tick: cfg.Mirror.Tick,
		Smoother: emotion.SmootherConfig{
			HistorySize: cfg.Mirror.HistorySize,
			Cooldown:    cfg.Mirror.Cooldown,
		},
	}, bridge.Camera(), bridge.Landmarks(), eventBus, zlogger)

	voiceController := voice.NewController(voice.Config{
		Languages:      cfg.Voice.Languages,
		SearchDisabled: cfg.Voice.SearchDisabled,
	}, bridge.Microphone(), bridge.Output(), client, eventBus, zlogger)
	if publisher.Enabled() {
		voiceController.SetPublisher(publisher)
	}

	bridge.SetControllers(mirrorController, voiceController)

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.Serve(cfg.Metrics.Addr, zlogger)
	}

	// Reload config on file changes
	configDir, err := config.GetConfigDir()
	if err == nil {
		watcher, werr := config.NewWatcher(filepath.Join(configDir, "config.yaml"), zlogger, func(updated *config.Config) {
			eventBus.Publish(bus.Event{Type: bus.EventTypeConfigReloaded})
		})
		if werr != nil {
			syslog.Warn("config", "Config watcher unavailable", map[string]interface{}{
				"error": werr.Error(),
			})
		} else {
			defer watcher.Close()
		}
	}

	// Host websocket endpoint
	mux := http.NewServeMux()
	mux.Handle("/ws", bridge.Handler())
	hostServer := &http.Server{
		Addr:              cfg.Host.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		syslog.Info("host", "Host endpoint listening", map[string]interface{}{
			"addr": cfg.Host.Addr,
		})
		if err := hostServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			syslog.Error("host", "Host endpoint failed", err, nil)
			os.Exit(1)
		}
	}()

	// Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	syslog.Info("main", "Shutting down", map[string]interface{}{
		"signal": sig.String(),
	})

	voiceController.Stop()
	mirrorController.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hostServer.Shutdown(shutdownCtx); err != nil {
		syslog.Warn("host", "Host endpoint shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			syslog.Warn("metrics", "Metrics endpoint shutdown", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	syslog.Info("main", "MindMate shutdown complete", nil)
}
