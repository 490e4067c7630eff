package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deekshith47/mindmate/internal/audio"
	"github.com/deekshith47/mindmate/internal/bus"
	"github.com/deekshith47/mindmate/internal/genai"
)

// --- Fakes ---

type fakeCapture struct {
	ch        chan []float32
	releaseMu sync.Mutex
	released  bool
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{ch: make(chan []float32, 8)}
}

func (c *fakeCapture) Chunks() <-chan []float32 { return c.ch }

func (c *fakeCapture) Release() {
	c.releaseMu.Lock()
	defer c.releaseMu.Unlock()
	if !c.released {
		c.released = true
		close(c.ch)
	}
}

func (c *fakeCapture) isReleased() bool {
	c.releaseMu.Lock()
	defer c.releaseMu.Unlock()
	return c.released
}

type fakeMic struct {
	capture *fakeCapture
	err     error
}

func (m *fakeMic) Acquire(ctx context.Context, sampleRate int) (CaptureStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.capture, nil
}

type fakeHandle struct {
	start   float64
	mu      sync.Mutex
	stopped bool
	onEnded func()
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

func (h *fakeHandle) OnEnded(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEnded = fn
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *fakeHandle) finish() {
	h.mu.Lock()
	fn := h.onEnded
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakePlayback struct {
	mu     sync.Mutex
	now    float64
	plays  []*fakeHandle
	closed bool
}

func (p *fakePlayback) Now() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

func (p *fakePlayback) PlayAt(samples []float32, at float64) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &fakeHandle{start: at}
	p.plays = append(p.plays, h)
	return h
}

func (p *fakePlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayback) scheduled() []*fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*fakeHandle, len(p.plays))
	copy(out, p.plays)
	return out
}

type fakeOutput struct {
	playback *fakePlayback
	err      error
}

func (o *fakeOutput) Open(sampleRate int) (PlaybackContext, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.playback, nil
}

type fakeConn struct {
	events    chan genai.ServerEvent
	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan genai.ServerEvent, 32)}
}

func (c *fakeConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.sent = append(c.sent, pcm)
	return nil
}

func (c *fakeConn) Events() <-chan genai.ServerEvent { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentChunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeDialer struct {
	conn    *fakeConn
	err     error
	dials   atomic.Int32
	dialing chan struct{} // closed when the first dial begins, if set
	release chan struct{} // blocks dial completion, if set
}

func (d *fakeDialer) DialLive(ctx context.Context, cfg genai.LiveConfig) (genai.LiveConn, error) {
	if d.dials.Add(1) == 1 && d.dialing != nil {
		close(d.dialing)
	}
	if d.release != nil {
		<-d.release
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type harness struct {
	controller *Controller
	mic        *fakeMic
	capture    *fakeCapture
	playback   *fakePlayback
	conn       *fakeConn
	dialer     *fakeDialer
}

func newHarness() *harness {
	capture := newFakeCapture()
	playback := &fakePlayback{}
	conn := newFakeConn()
	mic := &fakeMic{capture: capture}
	dialer := &fakeDialer{conn: conn}

	ctrl := NewController(Config{}, mic, &fakeOutput{playback: playback}, dialer, nil, zerolog.Nop())
	return &harness{controller: ctrl, mic: mic, capture: capture, playback: playback, conn: conn, dialer: dialer}
}

// pcmChunk builds a PCM payload lasting the given number of output
// samples.
func pcmChunk(samples int) []byte {
	return make([]byte, samples*2)
}

// --- Tests ---

func TestController_TranscriptSegmentation(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.controller.Start(context.Background()))
	require.Equal(t, StateConnected, h.controller.State())

	h.conn.events <- genai.ServerEvent{Type: genai.EventInputTranscript, Text: "Hello"}
	h.conn.events <- genai.ServerEvent{Type: genai.EventOutputTranscript, Text: "Hi"}
	h.conn.events <- genai.ServerEvent{Type: genai.EventTurnComplete}

	require.Eventually(t, func() bool {
		return len(h.controller.Transcript()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []Entry{
		{Sender: SenderUser, Text: "Hello"},
		{Sender: SenderBot, Text: "Hi"},
	}, h.controller.Transcript())

	h.controller.Stop()
}

func TestController_UserTurnWithoutReply(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.controller.Start(context.Background()))

	h.conn.events <- genai.ServerEvent{Type: genai.EventInputTranscript, Text: "Are "}
	h.conn.events <- genai.ServerEvent{Type: genai.EventInputTranscript, Text: "you there?"}
	h.conn.events <- genai.ServerEvent{Type: genai.EventTurnComplete}

	require.Eventually(t, func() bool {
		return len(h.controller.Transcript()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []Entry{{Sender: SenderUser, Text: "Are you there?"}}, h.controller.Transcript())
	h.controller.Stop()
}

func TestController_DoubleStartOpensOneConnection(t *testing.T) {
	h := newHarness()
	h.dialer.dialing = make(chan struct{})
	h.dialer.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.controller.Start(context.Background()) }()
	<-h.dialer.dialing

	// Second start while the first is still connecting: silent no-op.
	require.NoError(t, h.controller.Start(context.Background()))

	close(h.dialer.release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), h.dialer.dials.Load())
	assert.Equal(t, StateConnected, h.controller.State())
	h.controller.Stop()
}

func TestController_StopWhileConnectingAbortsSession(t *testing.T) {
	h := newHarness()
	h.dialer.dialing = make(chan struct{})
	h.dialer.release = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.controller.Start(context.Background()) }()
	<-h.dialer.dialing

	// The user gives up before the connection comes up. The late dial
	// result must be torn down, not published.
	h.controller.Stop()
	require.Equal(t, StateIdle, h.controller.State())

	close(h.dialer.release)
	require.NoError(t, <-done)

	assert.Equal(t, StateIdle, h.controller.State())
	assert.True(t, h.conn.isClosed(), "late connection closed")
	assert.True(t, h.capture.isReleased(), "microphone released")
	h.playback.mu.Lock()
	closed := h.playback.closed
	h.playback.mu.Unlock()
	assert.True(t, closed, "playback context closed")
}

func TestController_TranscriptEventsDeliveredInOrder(t *testing.T) {
	capture := newFakeCapture()
	playback := &fakePlayback{}
	conn := newFakeConn()
	eventBus := bus.NewEventBus()

	var mu sync.Mutex
	var seen []string
	eventBus.Subscribe(bus.EventTypeTranscriptCommitted, func(ev bus.Event) {
		mu.Lock()
		seen = append(seen, ev.Data["text"].(string))
		mu.Unlock()
	})

	ctrl := NewController(Config{}, &fakeMic{capture: capture},
		&fakeOutput{playback: playback}, &fakeDialer{conn: conn}, eventBus, zerolog.Nop())
	require.NoError(t, ctrl.Start(context.Background()))

	conn.events <- genai.ServerEvent{Type: genai.EventInputTranscript, Text: "One"}
	conn.events <- genai.ServerEvent{Type: genai.EventTurnComplete}
	conn.events <- genai.ServerEvent{Type: genai.EventInputTranscript, Text: "Two"}
	conn.events <- genai.ServerEvent{Type: genai.EventTurnComplete}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"One", "Two"}, seen)
	mu.Unlock()
	ctrl.Stop()
}

func TestController_PlaybackSchedulingIsGapless(t *testing.T) {
	h := newHarness()
	h.playback.now = 5.0
	require.NoError(t, h.controller.Start(context.Background()))

	// Two 0.5s chunks at 24kHz.
	h.conn.events <- genai.ServerEvent{Type: genai.EventAudio, Audio: pcmChunk(audio.OutputSampleRate / 2)}
	h.conn.events <- genai.ServerEvent{Type: genai.EventAudio, Audio: pcmChunk(audio.OutputSampleRate / 2)}

	require.Eventually(t, func() bool {
		return len(h.playback.scheduled()) == 2
	}, time.Second, 5*time.Millisecond)

	plays := h.playback.scheduled()
	assert.InDelta(t, 5.0, plays[0].start, 1e-9)
	assert.InDelta(t, 5.5, plays[1].start, 1e-9)
	h.controller.Stop()
}

func TestController_InterruptionFlushesAndResetsCursor(t *testing.T) {
	h := newHarness()
	h.playback.now = 5.0
	require.NoError(t, h.controller.Start(context.Background()))

	h.conn.events <- genai.ServerEvent{Type: genai.EventAudio, Audio: pcmChunk(audio.OutputSampleRate / 2)}
	h.conn.events <- genai.ServerEvent{Type: genai.EventAudio, Audio: pcmChunk(audio.OutputSampleRate / 2)}
	require.Eventually(t, func() bool {
		return len(h.playback.scheduled()) == 2
	}, time.Second, 5*time.Millisecond)

	h.conn.events <- genai.ServerEvent{Type: genai.EventInterrupted}
	h.conn.events <- genai.ServerEvent{Type: genai.EventAudio, Audio: pcmChunk(audio.OutputSampleRate / 4)}
	require.Eventually(t, func() bool {
		return len(h.playback.scheduled()) == 3
	}, time.Second, 5*time.Millisecond)

	plays := h.playback.scheduled()
	assert.True(t, plays[0].isStopped(), "first chunk stopped on barge-in")
	assert.True(t, plays[1].isStopped(), "second chunk stopped on barge-in")
	// After the cursor reset the next chunk starts at "now", not after
	// the discarded audio.
	assert.InDelta(t, 5.0, plays[2].start, 1e-9)
	assert.False(t, plays[2].isStopped())
	h.controller.Stop()
}

func TestController_FinishedHandlesAreUntracked(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.controller.Start(context.Background()))

	h.conn.events <- genai.ServerEvent{Type: genai.EventAudio, Audio: pcmChunk(2400)}
	require.Eventually(t, func() bool {
		return len(h.playback.scheduled()) == 1
	}, time.Second, 5*time.Millisecond)

	h.playback.scheduled()[0].finish()

	// A barge-in after the clip finished stops nothing. The follow-up
	// audio event orders the assertion after the interrupt.
	h.conn.events <- genai.ServerEvent{Type: genai.EventInterrupted}
	h.conn.events <- genai.ServerEvent{Type: genai.EventAudio, Audio: pcmChunk(2400)}
	require.Eventually(t, func() bool {
		return len(h.playback.scheduled()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.False(t, h.playback.scheduled()[0].isStopped())
	h.controller.Stop()
}

func TestController_CaptureStreamsPCM(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.controller.Start(context.Background()))

	chunk := []float32{0.5, -0.5, 0.25}
	h.capture.ch <- chunk

	require.Eventually(t, func() bool {
		return len(h.conn.sentChunks()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, audio.Float32ToPCM16(chunk), h.conn.sentChunks()[0])
	h.controller.Stop()
}

func TestController_StopNeverStartedIsNoOp(t *testing.T) {
	h := newHarness()
	assert.NotPanics(t, func() {
		h.controller.Stop()
		h.controller.Stop()
	})
	assert.Equal(t, StateIdle, h.controller.State())
}

func TestController_StopReleasesEverything(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.controller.Start(context.Background()))

	h.conn.events <- genai.ServerEvent{Type: genai.EventAudio, Audio: pcmChunk(2400)}
	require.Eventually(t, func() bool {
		return len(h.playback.scheduled()) == 1
	}, time.Second, 5*time.Millisecond)

	h.controller.Stop()

	assert.Equal(t, StateIdle, h.controller.State())
	assert.True(t, h.conn.isClosed())
	assert.True(t, h.capture.isReleased())
	assert.True(t, h.playback.scheduled()[0].isStopped())
	h.playback.mu.Lock()
	closed := h.playback.closed
	h.playback.mu.Unlock()
	assert.True(t, closed)

	// Repeated stop stays safe.
	assert.NotPanics(t, func() { h.controller.Stop() })
}

func TestController_MicrophoneDenied(t *testing.T) {
	h := newHarness()
	h.mic.err = errors.New("permission denied")

	err := h.controller.Start(context.Background())

	assert.Error(t, err)
	assert.Equal(t, StateError, h.controller.State())
	assert.Contains(t, h.controller.LastError(), "microphone permissions")
	assert.Equal(t, int32(0), h.dialer.dials.Load())
}

func TestController_DialFailureReleasesMicrophone(t *testing.T) {
	h := newHarness()
	h.dialer.err = errors.New("handshake refused")

	err := h.controller.Start(context.Background())

	assert.Error(t, err)
	assert.Equal(t, StateError, h.controller.State())
	assert.True(t, h.capture.isReleased(), "no partial-acquisition leak")
}

func TestController_RestartAfterError(t *testing.T) {
	h := newHarness()
	h.mic.err = errors.New("permission denied")
	require.Error(t, h.controller.Start(context.Background()))
	require.Equal(t, StateError, h.controller.State())

	// A fresh attempt from the error state is allowed.
	h.mic.err = nil
	h.mic.capture = newFakeCapture()
	require.NoError(t, h.controller.Start(context.Background()))
	assert.Equal(t, StateConnected, h.controller.State())
	assert.Empty(t, h.controller.LastError())
	h.controller.Stop()
}

func TestController_TransportErrorTearsDown(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.controller.Start(context.Background()))

	h.conn.events <- genai.ServerEvent{Type: genai.EventError, Err: errors.New("stream reset")}

	require.Eventually(t, func() bool {
		return h.controller.State() == StateError
	}, time.Second, 5*time.Millisecond)

	assert.True(t, h.conn.isClosed())
	assert.True(t, h.capture.isReleased())
	assert.NotEmpty(t, h.controller.LastError())
}

func TestController_UnexpectedCloseBehavesLikeStop(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.controller.Start(context.Background()))

	h.conn.events <- genai.ServerEvent{Type: genai.EventClosed}

	require.Eventually(t, func() bool {
		return h.controller.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.capture.isReleased())
}

func TestController_StartClearsPreviousTranscript(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.controller.Start(context.Background()))

	h.conn.events <- genai.ServerEvent{Type: genai.EventInputTranscript, Text: "first session"}
	h.conn.events <- genai.ServerEvent{Type: genai.EventTurnComplete}
	require.Eventually(t, func() bool {
		return len(h.controller.Transcript()) == 1
	}, time.Second, 5*time.Millisecond)

	h.controller.Stop()

	h.conn = newFakeConn()
	h.dialer.conn = h.conn
	h.mic.capture = newFakeCapture()
	require.NoError(t, h.controller.Start(context.Background()))
	assert.Empty(t, h.controller.Transcript())
	h.controller.Stop()
}
