// Package metrics exposes Prometheus instrumentation for the mirror and
// voice pipelines.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Mirror metrics
	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mindmate_mirror_frames_processed_total",
		Help: "Video frames run through the landmark service and classifier",
	})
	StableEmotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmate_mirror_stable_emotions_total",
		Help: "Stabilized emotion labels emitted by the smoothing window",
	}, []string{"label"})
	MirrorActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmate_mirror_active",
		Help: "Whether a mirror session is running (0 or 1)",
	})

	// Voice metrics
	AudioChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mindmate_voice_audio_chunks_sent_total",
		Help: "Outbound microphone PCM chunks streamed to the inference service",
	})
	AudioChunksScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mindmate_voice_audio_chunks_scheduled_total",
		Help: "Inbound reply audio chunks scheduled for playback",
	})
	PlaybackInterruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mindmate_voice_playback_interruptions_total",
		Help: "Barge-in interruptions that flushed scheduled playback",
	})
	TranscriptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmate_voice_transcript_entries_total",
		Help: "Committed transcript entries by sender",
	}, []string{"sender"})
	VoiceSessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mindmate_voice_session_active",
		Help: "Whether a voice session is connected (0 or 1)",
	})
	VoiceSessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mindmate_voice_session_errors_total",
		Help: "Voice sessions ended by a transport or startup error",
	})
)

// Serve starts the metrics endpoint on addr. The returned server should
// be shut down by the caller on exit.
func Serve(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics endpoint failed")
		}
	}()

	return srv
}
