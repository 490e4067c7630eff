package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deekshith47/mindmate/internal/audio"
	"github.com/deekshith47/mindmate/internal/bus"
	"github.com/deekshith47/mindmate/internal/genai"
	"github.com/deekshith47/mindmate/internal/metrics"
)

// User-facing messages for the two failure classes. Wording matters to
// the host UI; transport detail goes to the log instead.
const (
	startErrorMessage   = "Could not start the conversation. Please check microphone permissions."
	sessionErrorMessage = "An error occurred during the conversation."
)

// Config configures the voice controller.
type Config struct {
	// Languages the assistant may detect and mirror (default: SupportedLanguages)
	Languages []string
	// SearchDisabled turns off the realtime lookup tool.
	SearchDisabled bool
}

// Controller owns the voice conversation session. At most one session is
// active at a time; Start while connecting or connected is a no-op.
type Controller struct {
	config    Config
	mic       Microphone
	output    AudioOutput
	dialer    LiveDialer
	eventBus  *bus.EventBus
	publisher TranscriptPublisher
	logger    zerolog.Logger

	mu         sync.RWMutex
	state      State
	lastErr    string
	transcript []Entry
	sess       *session
}

// session binds all per-run state. Every goroutine spawned for a run
// holds the session pointer and checks its active flag, so callbacks
// from a stopped run can never touch a newer one.
type session struct {
	id      string
	active  atomic.Bool
	conn    genai.LiveConn
	capture CaptureStream

	playMu     sync.Mutex
	playback   PlaybackContext
	cursor     float64
	handles    map[uint64]Handle
	nextHandle uint64

	// Turn accumulators, touched only by the event pump goroutine.
	pendingUser strings.Builder
	pendingBot  strings.Builder
}

// NewController creates a voice controller wired to the given devices
// and inference dialer.
func NewController(config Config, mic Microphone, output AudioOutput, dialer LiveDialer, eventBus *bus.EventBus, logger zerolog.Logger) *Controller {
	if len(config.Languages) == 0 {
		config.Languages = SupportedLanguages
	}
	return &Controller{
		config:   config,
		mic:      mic,
		output:   output,
		dialer:   dialer,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "voice").Logger(),
		state:    StateIdle,
	}
}

// SetPublisher attaches an optional transcript publisher. Must be called
// before Start.
func (c *Controller) SetPublisher(p TranscriptPublisher) {
	c.publisher = p
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the user-facing message of the most recent failure,
// or empty.
func (c *Controller) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Transcript returns a copy of the committed transcript entries.
func (c *Controller) Transcript() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Start begins a voice session. Valid only from idle or error; from any
// other state it is a silent no-op. On failure every acquired resource
// is released, the state becomes error, and LastError carries a
// permission-oriented message.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.lastErr = ""
	c.transcript = nil
	c.mu.Unlock()
	c.publishState(StateConnecting)

	capture, err := c.mic.Acquire(ctx, audio.InputSampleRate)
	if err != nil {
		return c.failStart(fmt.Errorf("acquire microphone: %w", err))
	}

	conn, err := c.dialer.DialLive(ctx, genai.LiveConfig{
		SystemInstruction: buildSystemInstruction(c.config.Languages),
		InputSampleRate:   audio.InputSampleRate,
		SearchEnabled:     !c.config.SearchDisabled,
	})
	if err != nil {
		capture.Release()
		return c.failStart(fmt.Errorf("open live connection: %w", err))
	}

	playback, err := c.output.Open(audio.OutputSampleRate)
	if err != nil {
		conn.Close()
		capture.Release()
		return c.failStart(fmt.Errorf("open playback: %w", err))
	}

	s := &session{
		id:       uuid.NewString(),
		conn:     conn,
		capture:  capture,
		playback: playback,
		handles:  make(map[uint64]Handle),
	}
	s.active.Store(true)
	// Schedule relative to wherever the playback clock already is.
	s.cursor = playback.Now()

	c.mu.Lock()
	if c.state != StateConnecting {
		// Stopped while the connection was coming up.
		c.mu.Unlock()
		s.active.Store(false)
		c.teardown(s)
		return nil
	}
	c.sess = s
	c.state = StateConnected
	c.mu.Unlock()
	c.publishState(StateConnected)
	metrics.VoiceSessionActive.Set(1)
	c.logger.Info().Str("session_id", s.id).Msg("Voice session connected")

	go c.pumpCapture(s)
	go c.pumpEvents(s)
	return nil
}

// Stop tears the session down and returns to idle. Safe to call from
// any state, any number of times, including concurrently with event
// handling.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	changed := c.state != StateIdle
	c.state = StateIdle
	c.mu.Unlock()

	if changed {
		c.publishState(StateIdle)
	}
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}

	c.teardown(s)
	metrics.VoiceSessionActive.Set(0)
	c.logger.Info().Str("session_id", s.id).Msg("Voice session stopped")
}

// failStart records a start failure after the caller released whatever
// was already acquired.
func (c *Controller) failStart(err error) error {
	c.logger.Error().Err(err).Msg("Voice session start failed")
	metrics.VoiceSessionErrors.Inc()

	c.mu.Lock()
	c.state = StateError
	c.lastErr = startErrorMessage
	c.mu.Unlock()
	c.publishState(StateError)
	c.publishError(startErrorMessage)
	return err
}

// fail handles a mid-session transport error: full teardown, then the
// error state.
func (c *Controller) fail(s *session, err error) {
	c.logger.Error().Err(err).Str("session_id", s.id).Msg("Voice session transport error")
	metrics.VoiceSessionErrors.Inc()

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.state = StateError
	c.lastErr = sessionErrorMessage
	c.mu.Unlock()

	if s.active.CompareAndSwap(true, false) {
		c.teardown(s)
		metrics.VoiceSessionActive.Set(0)
	}
	c.publishState(StateError)
	c.publishError(sessionErrorMessage)
}

// teardown releases every session resource. Must be called exactly once
// per session, after the active flag has been cleared.
func (c *Controller) teardown(s *session) {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Closing live connection")
		}
	}
	if s.capture != nil {
		s.capture.Release()
	}

	s.playMu.Lock()
	for id, h := range s.handles {
		h.Stop()
		delete(s.handles, id)
	}
	s.cursor = 0
	playback := s.playback
	s.playback = nil
	s.playMu.Unlock()

	if playback != nil {
		if err := playback.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Closing playback context")
		}
	}
}

// pumpCapture streams microphone chunks to the service as 16-bit PCM.
// It runs independently of playback and awaits no acknowledgments.
func (c *Controller) pumpCapture(s *session) {
	for chunk := range s.capture.Chunks() {
		if !s.active.Load() {
			return
		}
		if err := s.conn.SendAudio(audio.Float32ToPCM16(chunk)); err != nil {
			if s.active.Load() {
				c.logger.Debug().Err(err).Msg("Dropping outbound audio chunk")
			}
			continue
		}
		metrics.AudioChunksSent.Inc()
	}
}

// pumpEvents processes inbound events strictly in delivery order; the
// transcript segmentation below is order-dependent.
func (c *Controller) pumpEvents(s *session) {
	for ev := range s.conn.Events() {
		if !s.active.Load() {
			return
		}

		switch ev.Type {
		case genai.EventInputTranscript:
			s.pendingUser.WriteString(ev.Text)

		case genai.EventOutputTranscript:
			// The bot starting to speak implies the user's turn ended,
			// even before an explicit turn-complete arrives.
			c.commitPending(s, SenderUser)
			s.pendingBot.WriteString(ev.Text)

		case genai.EventTurnComplete:
			// User before bot, covering the case where the user spoke
			// but got no audio reply.
			c.commitPending(s, SenderUser)
			c.commitPending(s, SenderBot)

		case genai.EventAudio:
			c.schedule(s, ev.Audio)

		case genai.EventInterrupted:
			c.interrupt(s)

		case genai.EventError:
			c.fail(s, ev.Err)
			return

		case genai.EventClosed:
			// Unexpected closure while connected equals a stop request.
			if c.State() == StateConnected {
				c.Stop()
			}
			return
		}
	}
}

// commitPending moves a non-empty accumulator into the transcript.
func (c *Controller) commitPending(s *session, sender Sender) {
	b := &s.pendingUser
	if sender == SenderBot {
		b = &s.pendingBot
	}
	text := strings.TrimSpace(b.String())
	b.Reset()
	if text == "" {
		return
	}

	entry := Entry{Sender: sender, Text: text}
	c.mu.Lock()
	c.transcript = append(c.transcript, entry)
	c.mu.Unlock()

	metrics.TranscriptEntries.WithLabelValues(string(sender)).Inc()
	if c.eventBus != nil {
		// Synchronous so consecutive commits reach subscribers in
		// transcript order.
		c.eventBus.PublishSync(bus.Event{
			Type: bus.EventTypeTranscriptCommitted,
			Data: map[string]any{
				"session_id": s.id,
				"sender":     string(sender),
				"text":       text,
			},
		})
	}
	if c.publisher != nil {
		if err := c.publisher.PublishEntry(s.id, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Transcript publish failed")
		}
	}
}

// schedule queues one reply audio chunk gaplessly after all previously
// scheduled audio: it starts at the later of the cursor and the current
// clock, and the cursor advances by the clip duration.
func (c *Controller) schedule(s *session, pcm []byte) {
	samples := audio.PCM16ToFloat32(pcm)
	if len(samples) == 0 {
		return
	}
	duration := audio.Duration(len(samples), audio.OutputSampleRate).Seconds()

	s.playMu.Lock()
	if s.playback == nil {
		s.playMu.Unlock()
		return
	}
	start := s.cursor
	if now := s.playback.Now(); now > start {
		start = now
	}
	handle := s.playback.PlayAt(samples, start)
	s.cursor = start + duration
	id := s.nextHandle
	s.nextHandle++
	s.handles[id] = handle
	s.playMu.Unlock()

	handle.OnEnded(func() {
		s.playMu.Lock()
		delete(s.handles, id)
		s.playMu.Unlock()
	})

	metrics.AudioChunksScheduled.Inc()
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypePlaybackScheduled,
			Data: map[string]any{"session_id": s.id, "start": start, "duration": duration},
		})
	}
}

// interrupt models a barge-in: all scheduled-but-unfinished playback is
// discarded and the cursor resets so the next chunk starts at "now".
func (c *Controller) interrupt(s *session) {
	s.playMu.Lock()
	stopped := len(s.handles)
	for id, h := range s.handles {
		h.Stop()
		delete(s.handles, id)
	}
	s.cursor = 0
	s.playMu.Unlock()

	metrics.PlaybackInterruptions.Inc()
	c.logger.Debug().Int("stopped", stopped).Msg("Playback interrupted")
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypePlaybackInterrupted,
			Data: map[string]any{"session_id": s.id, "stopped": stopped},
		})
	}
}

func (c *Controller) publishState(state State) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(bus.Event{
		Type: bus.EventTypeVoiceStateChanged,
		Data: map[string]any{"state": string(state)},
	})
}

func (c *Controller) publishError(msg string) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(bus.Event{
		Type: bus.EventTypeVoiceError,
		Data: map[string]any{"message": msg},
	})
}
