// Package voice manages the live voice conversation session: microphone
// capture, the bidirectional inference connection, reply audio playback
// scheduling, and transcript turn segmentation.
package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/deekshith47/mindmate/internal/genai"
)

// State is the voice session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Sender identifies who produced a transcript entry.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Entry is one committed transcript line. The transcript is append-only
// for the lifetime of a session; entries are never mutated after commit.
type Entry struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// SupportedLanguages are the spoken languages the assistant mirrors.
var SupportedLanguages = []string{"English", "Hindi", "Kannada"}

// Microphone abstracts audio capture. The host layer owns the hardware;
// the controller owns lifecycle and state.
type Microphone interface {
	// Acquire requests microphone access and starts capture at the given
	// sample rate. It blocks until the user grants or denies permission.
	Acquire(ctx context.Context, sampleRate int) (CaptureStream, error)
}

// CaptureStream delivers normalized float32 sample chunks until Release.
type CaptureStream interface {
	// Chunks yields fixed-size chunks of mono samples as they become
	// available. The channel is closed by Release.
	Chunks() <-chan []float32
	Release()
}

// AudioOutput abstracts the playback device.
type AudioOutput interface {
	Open(sampleRate int) (PlaybackContext, error)
}

// PlaybackContext is a playback clock plus scheduler, mirroring the
// audio-context model: clips are scheduled at absolute clock positions
// and play back-to-back when scheduled at each other's end times.
type PlaybackContext interface {
	// Now returns the current position of the playback clock in seconds.
	Now() float64
	// PlayAt schedules mono samples to start at the given clock position.
	PlayAt(samples []float32, at float64) Handle
	Close() error
}

// Handle is one scheduled-but-possibly-unfinished clip.
type Handle interface {
	// Stop cancels the clip immediately, whether pending or playing.
	Stop()
	// OnEnded registers a callback fired once when playback finishes.
	OnEnded(func())
}

// LiveDialer opens live conversations with the inference service.
// *genai.Client satisfies this.
type LiveDialer interface {
	DialLive(ctx context.Context, cfg genai.LiveConfig) (genai.LiveConn, error)
}

// TranscriptPublisher receives committed transcript entries, e.g. for
// fan-out to a message broker. Implementations must be safe for
// concurrent use.
type TranscriptPublisher interface {
	PublishEntry(sessionID string, entry Entry) error
}

// buildSystemInstruction renders the MindMate persona prompt with the
// language-mirroring constraint.
func buildSystemInstruction(languages []string) string {
	if len(languages) == 0 {
		languages = SupportedLanguages
	}
	return fmt.Sprintf("You are MindMate, an AI companion for students. "+
		"Your persona is warm and empathetic. Keep responses supportive and concise. "+
		"Use a friendly tone. You can also help with academic subjects. "+
		"You have access to Google Search for real-time information like news or sports updates, "+
		"so use it when asked. IMPORTANT: You must detect the language the user is speaking "+
		"(it will be one of %s) and respond ONLY in that same language.",
		strings.Join(languages, ", "))
}
