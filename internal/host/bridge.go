// Package host bridges the controllers to the UI host over a websocket.
// The host owns the real devices: it streams blendshape frames and
// microphone audio inbound, and receives emotion labels, transcripts,
// and playback commands outbound. One host is connected at a time.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/deekshith47/mindmate/internal/audio"
	"github.com/deekshith47/mindmate/internal/bus"
	"github.com/deekshith47/mindmate/internal/emotion"
	"github.com/deekshith47/mindmate/internal/mirror"
	"github.com/deekshith47/mindmate/internal/voice"
)

const grantTimeout = 30 * time.Second

// inboundMessage is the envelope for every host-to-app frame.
type inboundMessage struct {
	Type      string             `json:"type"`
	Timestamp float64            `json:"timestamp,omitempty"`
	Scores    map[string]float64 `json:"scores,omitempty"`
	Face      bool               `json:"face,omitempty"`
	PCM       []byte             `json:"pcm,omitempty"` // s16le, base64 on the wire
	Granted   bool               `json:"granted,omitempty"`
}

// outboundMessage is the envelope for every app-to-host frame.
type outboundMessage struct {
	Type  string         `json:"type"`
	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	ID    uint64         `json:"id,omitempty"`
	At    float64        `json:"at,omitempty"`
	PCM   []byte         `json:"pcm,omitempty"`
}

// MirrorController is the mirror surface the bridge drives.
type MirrorController interface {
	Start(ctx context.Context) error
	Stop()
}

// VoiceController is the voice surface the bridge drives.
type VoiceController interface {
	Start(ctx context.Context) error
	Stop()
}

// Bridge accepts the host connection and adapts it into the device
// interfaces the controllers consume.
type Bridge struct {
	eventBus *bus.EventBus
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mirrorCtrl MirrorController
	voiceCtrl  VoiceController

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	landmarksReady bool
	lastFrame      mirror.Frame
	lastScores     emotion.Scores
	lastFace       bool
	hasFrame       bool

	cameraGrant chan bool
	micGrant    chan bool
	micChunks   chan []float32
}

// NewBridge creates a host bridge. Attach controllers with SetControllers
// before serving; the device interfaces are usable immediately.
func NewBridge(eventBus *bus.EventBus, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		eventBus: eventBus,
		logger:   logger.With().Str("component", "host").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	b.forwardBusEvents()
	return b
}

// SetControllers attaches the controllers the host can start and stop.
func (b *Bridge) SetControllers(mirrorCtrl MirrorController, voiceCtrl VoiceController) {
	b.mirrorCtrl = mirrorCtrl
	b.voiceCtrl = voiceCtrl
}

// Handler returns the websocket endpoint handler.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Error().Err(err).Msg("Host upgrade failed")
			return
		}
		b.attach(conn)
		b.readLoop(conn)
	})
}

// attach installs conn as the current host, displacing any previous one.
func (b *Bridge) attach(conn *websocket.Conn) {
	b.mu.Lock()
	old := b.conn
	b.conn = conn
	b.landmarksReady = false
	b.hasFrame = false
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	b.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Host connected")
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			b.detach(conn, err)
			return
		}
		b.dispatch(msg)
	}
}

func (b *Bridge) detach(conn *websocket.Conn, err error) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.landmarksReady = false
		b.hasFrame = false
	}
	b.mu.Unlock()
	conn.Close()

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		b.logger.Warn().Err(err).Msg("Host connection lost")
	} else {
		b.logger.Info().Msg("Host disconnected")
	}

	// A vanished host means vanished devices.
	if b.mirrorCtrl != nil {
		b.mirrorCtrl.Stop()
	}
	if b.voiceCtrl != nil {
		b.voiceCtrl.Stop()
	}
}

func (b *Bridge) dispatch(msg inboundMessage) {
	switch msg.Type {
	case "landmarks_ready":
		b.mu.Lock()
		b.landmarksReady = true
		b.mu.Unlock()

	case "frame":
		b.mu.Lock()
		b.lastFrame = mirror.Frame{Timestamp: msg.Timestamp}
		b.lastScores = msg.Scores
		b.lastFace = msg.Face
		b.hasFrame = true
		b.mu.Unlock()

	case "mic":
		b.mu.Lock()
		ch := b.micChunks
		b.mu.Unlock()
		if ch == nil {
			return
		}
		samples := audio.PCM16ToFloat32(msg.PCM)
		select {
		case ch <- samples:
		default:
			// Capture is realtime; a slow consumer drops, never blocks.
		}

	case "camera_result":
		b.resolveGrant(&b.cameraGrant, msg.Granted)

	case "mic_result":
		b.resolveGrant(&b.micGrant, msg.Granted)

	case "start_mirror":
		if b.mirrorCtrl != nil {
			// The grant round-trips through this read loop, so start off it.
			go b.mirrorCtrl.Start(context.Background())
		}
	case "stop_mirror":
		if b.mirrorCtrl != nil {
			b.mirrorCtrl.Stop()
		}
	case "start_voice":
		if b.voiceCtrl != nil {
			go b.voiceCtrl.Start(context.Background())
		}
	case "stop_voice":
		if b.voiceCtrl != nil {
			b.voiceCtrl.Stop()
		}

	default:
		b.logger.Debug().Str("type", msg.Type).Msg("Unknown host message")
	}
}

func (b *Bridge) resolveGrant(slot *chan bool, granted bool) {
	b.mu.Lock()
	ch := *slot
	*slot = nil
	b.mu.Unlock()
	if ch != nil {
		ch <- granted
	}
}

// send writes one message to the current host. Without a host it fails.
func (b *Bridge) send(msg outboundMessage) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("no host connected")
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// requestGrant performs one permission round-trip with the host.
func (b *Bridge) requestGrant(ctx context.Context, requestType string, slot *chan bool) error {
	ch := make(chan bool, 1)
	b.mu.Lock()
	*slot = ch
	b.mu.Unlock()

	if err := b.send(outboundMessage{Type: requestType}); err != nil {
		b.mu.Lock()
		*slot = nil
		b.mu.Unlock()
		return err
	}

	select {
	case granted := <-ch:
		if !granted {
			return errors.New("permission denied by host")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grantTimeout):
		return errors.New("permission request timed out")
	}
}

// forwardBusEvents relays controller events to the host UI.
func (b *Bridge) forwardBusEvents() {
	if b.eventBus == nil {
		return
	}
	b.eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeMirrorStarted,
		bus.EventTypeMirrorStopped,
		bus.EventTypeMirrorError,
		bus.EventTypeEmotionStable,
		bus.EventTypeVoiceStateChanged,
		bus.EventTypeVoiceError,
		bus.EventTypeTranscriptCommitted,
		bus.EventTypePlaybackInterrupted,
	}, func(ev bus.Event) {
		if err := b.send(outboundMessage{Type: "event", Event: string(ev.Type), Data: ev.Data}); err != nil {
			b.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("Event not delivered to host")
		}
	})
}

// --- mirror.Camera / mirror.Stream ---

// Camera returns the host-backed camera.
func (b *Bridge) Camera() mirror.Camera { return hostCamera{b} }

type hostCamera struct{ bridge *Bridge }

func (c hostCamera) Acquire(ctx context.Context) (mirror.Stream, error) {
	b := c.bridge
	if err := b.requestGrant(ctx, "acquire_camera", &b.cameraGrant); err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	return hostStream{b}, nil
}

type hostStream struct{ bridge *Bridge }

func (s hostStream) Frame() (mirror.Frame, bool) {
	b := s.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFrame, b.hasFrame
}

func (s hostStream) Release() {
	b := s.bridge
	b.mu.Lock()
	b.hasFrame = false
	b.mu.Unlock()
	if err := b.send(outboundMessage{Type: "release_camera"}); err != nil {
		b.logger.Debug().Err(err).Msg("Camera release not delivered")
	}
}

// Landmarks returns the host-backed landmark service. Detection runs on
// the host alongside capture, so scores arrive with each frame.
func (b *Bridge) Landmarks() mirror.LandmarkService { return hostLandmarks{b} }

type hostLandmarks struct{ bridge *Bridge }

func (l hostLandmarks) Ready() bool {
	b := l.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.landmarksReady
}

func (l hostLandmarks) Detect(frame mirror.Frame) (emotion.Scores, bool) {
	b := l.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.lastFace || frame.Timestamp != b.lastFrame.Timestamp {
		return nil, false
	}
	return b.lastScores, true
}

// --- voice.Microphone / voice.CaptureStream ---

// Microphone returns the host-backed microphone.
func (b *Bridge) Microphone() voice.Microphone { return hostMic{b} }

type hostMic struct{ bridge *Bridge }

func (m hostMic) Acquire(ctx context.Context, sampleRate int) (voice.CaptureStream, error) {
	b := m.bridge
	if err := b.requestGrant(ctx, "acquire_mic", &b.micGrant); err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	ch := make(chan []float32, 32)
	b.mu.Lock()
	b.micChunks = ch
	b.mu.Unlock()
	return hostCapture{bridge: b, ch: ch}, nil
}

// hostCapture pins its own chunk channel so Chunks keeps returning the
// same channel after Release; consumers see it closed, never nil.
type hostCapture struct {
	bridge *Bridge
	ch     chan []float32
}

func (c hostCapture) Chunks() <-chan []float32 { return c.ch }

func (c hostCapture) Release() {
	b := c.bridge
	b.mu.Lock()
	current := b.micChunks == c.ch
	if current {
		b.micChunks = nil
	}
	b.mu.Unlock()
	if current {
		close(c.ch)
	}
	if err := b.send(outboundMessage{Type: "release_mic"}); err != nil {
		b.logger.Debug().Err(err).Msg("Microphone release not delivered")
	}
}

// --- voice.AudioOutput / voice.PlaybackContext ---

// Output returns the host-backed audio output.
func (b *Bridge) Output() voice.AudioOutput { return hostOutput{b} }

type hostOutput struct{ bridge *Bridge }

func (o hostOutput) Open(sampleRate int) (voice.PlaybackContext, error) {
	b := o.bridge
	b.mu.Lock()
	connected := b.conn != nil
	b.mu.Unlock()
	if !connected {
		return nil, errors.New("playback: no host connected")
	}
	return &hostPlayback{bridge: b, sampleRate: sampleRate, epoch: time.Now()}, nil
}

// hostPlayback keeps its own monotonic clock; the host maps scheduled
// positions onto its audio clock by offset.
type hostPlayback struct {
	bridge     *Bridge
	sampleRate int
	epoch      time.Time

	mu     sync.Mutex
	nextID uint64
}

func (p *hostPlayback) Now() float64 {
	return time.Since(p.epoch).Seconds()
}

func (p *hostPlayback) PlayAt(samples []float32, at float64) voice.Handle {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	if err := p.bridge.send(outboundMessage{
		Type: "play",
		ID:   id,
		At:   at,
		PCM:  audio.Float32ToPCM16(samples),
	}); err != nil {
		p.bridge.logger.Debug().Err(err).Msg("Playback chunk not delivered")
	}

	h := &hostHandle{playback: p, id: id}
	duration := audio.Duration(len(samples), p.sampleRate).Seconds()
	delay := time.Duration((at + duration - p.Now()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	h.timer = time.AfterFunc(delay, h.fireEnded)
	return h
}

func (p *hostPlayback) Close() error {
	return p.bridge.send(outboundMessage{Type: "stop_audio"})
}

// hostHandle mirrors one scheduled clip on the host side.
type hostHandle struct {
	playback *hostPlayback
	id       uint64

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	ended   bool
	onEnded func()
}

func (h *hostHandle) Stop() {
	h.mu.Lock()
	if h.stopped || h.ended {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	if err := h.playback.bridge.send(outboundMessage{Type: "stop_audio", ID: h.id}); err != nil {
		h.playback.bridge.logger.Debug().Err(err).Msg("Playback stop not delivered")
	}
}

func (h *hostHandle) OnEnded(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEnded = fn
}

func (h *hostHandle) fireEnded() {
	h.mu.Lock()
	if h.stopped || h.ended {
		h.mu.Unlock()
		return
	}
	h.ended = true
	fn := h.onEnded
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}
