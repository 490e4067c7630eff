// Package mirror runs the emotion mirror session: camera frames are fed
// through the landmark service and classifier, and the smoothed emotion
// stream drives the host display.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/deekshith47/mindmate/internal/bus"
	"github.com/deekshith47/mindmate/internal/emotion"
	"github.com/deekshith47/mindmate/internal/metrics"
)

const cameraErrorMessage = "Could not start the mirror. Please check camera permissions."

// State is the mirror session lifecycle state.
type State string

const (
	StateOff       State = "off"
	StateAcquiring State = "acquiring"
	StateRunning   State = "running"
)

// Frame is one captured video frame. Timestamp is the capture time on
// the camera clock in milliseconds; equal timestamps mean the same frame.
type Frame struct {
	Image     []byte
	Timestamp float64
}

// Camera abstracts the video capture device. The host layer owns the
// hardware; the controller owns lifecycle and state.
type Camera interface {
	// Acquire requests camera access. It blocks until the user grants or
	// denies permission.
	Acquire(ctx context.Context) (Stream, error)
}

// Stream exposes the most recent captured frame until Release.
type Stream interface {
	// Frame returns the latest frame. ok is false until the first frame
	// has arrived.
	Frame() (Frame, bool)
	Release()
}

// LandmarkService turns a frame into facial activation scores.
type LandmarkService interface {
	// Ready reports whether the detection model has finished loading.
	Ready() bool
	// Detect returns per-unit activation scores for the face in frame,
	// or ok=false when no face is visible.
	Detect(frame Frame) (emotion.Scores, bool)
}

// Config configures the mirror controller.
type Config struct {
	// Tick is the frame sampling interval (default: 33ms)
	Tick time.Duration
	// Smoother overrides the smoothing window parameters.
	Smoother emotion.SmootherConfig
}

// DefaultConfig returns the production mirror parameters.
func DefaultConfig() Config {
	return Config{Tick: 33 * time.Millisecond}
}

// Controller owns the mirror session. At most one session runs at a
// time; Start while acquiring or running is a no-op.
type Controller struct {
	config    Config
	camera    Camera
	landmarks LandmarkService
	eventBus  *bus.EventBus
	logger    zerolog.Logger
	smoother  *emotion.Smoother

	mu       sync.RWMutex
	state    State
	lastErr  string
	sess     *session
	onStable []func(emotion.Label)
}

// session binds the per-run state. The frame loop is the only writer of
// lastTimestamp and sawFrame; the active flag fences out late work after
// a stop.
type session struct {
	active atomic.Bool
	cancel context.CancelFunc
	stream Stream

	lastTimestamp float64
	sawFrame      bool
}

// NewController creates a mirror controller wired to the given camera
// and landmark service.
func NewController(config Config, camera Camera, landmarks LandmarkService, eventBus *bus.EventBus, logger zerolog.Logger) *Controller {
	def := DefaultConfig()
	if config.Tick <= 0 {
		config.Tick = def.Tick
	}

	c := &Controller{
		config:    config,
		camera:    camera,
		landmarks: landmarks,
		eventBus:  eventBus,
		logger:    logger.With().Str("component", "mirror").Logger(),
		state:     StateOff,
	}
	c.smoother = emotion.NewSmoother(config.Smoother, c.emitStable)
	return c
}

// OnStableEmotion registers a callback invoked for every stabilized
// emotion change, including the Neutral emitted on stop.
func (c *Controller) OnStableEmotion(fn func(emotion.Label)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStable = append(c.onStable, fn)
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

// StableEmotion returns the most recently emitted stable label.
func (c *Controller) StableEmotion() emotion.Label {
	return c.smoother.Last()
}

// Start begins a mirror session. It is a no-op while a session is
// already acquiring or running, and while the landmark model is still
// loading. A camera failure is recoverable: the controller returns to
// off and a later Start may succeed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateOff {
		c.mu.Unlock()
		return nil
	}
	if !c.landmarks.Ready() {
		c.mu.Unlock()
		c.logger.Warn().Msg("Mirror start ignored, landmark model not ready")
		return nil
	}
	c.state = StateAcquiring
	c.lastErr = ""
	c.mu.Unlock()

	stream, err := c.camera.Acquire(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateOff
		c.lastErr = cameraErrorMessage
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("Camera acquisition failed")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{
				Type: bus.EventTypeMirrorError,
				Data: map[string]any{"message": cameraErrorMessage},
			})
		}
		return fmt.Errorf("acquire camera: %w", err)
	}

	c.mu.Lock()
	if c.state != StateAcquiring {
		// Stopped while waiting on the permission prompt.
		c.mu.Unlock()
		stream.Release()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, stream: stream}
	s.active.Store(true)
	c.sess = s
	c.mu.Unlock()

	c.smoother.Restart()
	go c.run(runCtx, s)
	return nil
}

// Stop tears the session down and returns to off. Safe to call from any
// state, any number of times. Stopping a live session resets the
// smoother, which emits Neutral to return the display to baseline.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.state = StateOff
	c.mu.Unlock()

	if s == nil {
		// Either already off, or stopped mid-acquire before a session
		// existed; Start's post-acquire check releases the stream. With
		// no session there was no display to reset.
		return
	}
	if s.active.CompareAndSwap(true, false) {
		s.cancel()
		s.stream.Release()
	}

	metrics.MirrorActive.Set(0)
	c.smoother.Reset()
	c.logger.Info().Msg("Mirror session stopped")
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{Type: bus.EventTypeMirrorStopped})
	}
}

// run samples frames at the configured tick until the session ends.
func (c *Controller) run(ctx context.Context, s *session) {
	ticker := time.NewTicker(c.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(s)
		}
	}
}

// tick processes at most one new frame. Re-sampling the same frame is
// skipped so a stalled camera does not flood the smoothing window with
// duplicate readings.
func (c *Controller) tick(s *session) {
	if !s.active.Load() {
		return
	}
	frame, ok := s.stream.Frame()
	if !ok {
		return
	}
	if s.sawFrame && frame.Timestamp == s.lastTimestamp {
		return
	}
	s.lastTimestamp = frame.Timestamp

	if !s.sawFrame {
		s.sawFrame = true
		c.mu.Lock()
		if c.sess == s && c.state == StateAcquiring {
			c.state = StateRunning
		}
		c.mu.Unlock()
		metrics.MirrorActive.Set(1)
		c.logger.Info().Msg("Mirror session running")
		if c.eventBus != nil {
			c.eventBus.Publish(bus.Event{Type: bus.EventTypeMirrorStarted})
		}
	}

	// A frame with no visible face classifies as a neutral reading.
	scores, _ := c.landmarks.Detect(frame)
	score := emotion.Classify(scores)
	metrics.FramesProcessed.Inc()

	if !s.active.Load() {
		return
	}
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeEmotionRaw,
			Data: map[string]any{"label": string(score.Label), "confidence": score.Value},
		})
	}
	c.smoother.Observe(score.Label)
}

// emitStable fans a stabilized label out to metrics, the bus, and the
// registered callbacks. It is the smoother's sink.
func (c *Controller) emitStable(label emotion.Label) {
	metrics.StableEmotions.WithLabelValues(string(label)).Inc()

	c.mu.RLock()
	callbacks := make([]func(emotion.Label), len(c.onStable))
	copy(callbacks, c.onStable)
	c.mu.RUnlock()

	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeEmotionStable,
			Data: map[string]any{"label": string(label)},
		})
	}
	for _, fn := range callbacks {
		fn(label)
	}
}
