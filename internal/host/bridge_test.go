package host

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deekshith47/mindmate/internal/audio"
	"github.com/deekshith47/mindmate/internal/emotion"
	"github.com/deekshith47/mindmate/internal/mirror"
	"github.com/deekshith47/mindmate/internal/voice"
)

type recordingController struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (c *recordingController) Start(ctx context.Context) error {
	c.starts.Add(1)
	return nil
}

func (c *recordingController) Stop() { c.stops.Add(1) }

func dialBridge(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// grantAll answers every permission request affirmatively and collects
// all other outbound messages.
func grantAll(t *testing.T, conn *websocket.Conn, out chan<- outboundMessage) {
	t.Helper()
	go func() {
		for {
			var msg outboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "acquire_camera":
				conn.WriteJSON(inboundMessage{Type: "camera_result", Granted: true})
			case "acquire_mic":
				conn.WriteJSON(inboundMessage{Type: "mic_result", Granted: true})
			default:
				if out != nil {
					out <- msg
				}
			}
		}
	}()
}

func TestBridge_LandmarksReadyAndFrames(t *testing.T) {
	b := NewBridge(nil, zerolog.Nop())
	conn := dialBridge(t, b)
	grantAll(t, conn, nil)

	landmarks := b.Landmarks()
	assert.False(t, landmarks.Ready())

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "landmarks_ready"}))
	require.Eventually(t, landmarks.Ready, time.Second, 5*time.Millisecond)

	scores := map[string]float64{"mouthSmileLeft": 0.9, "mouthSmileRight": 0.8}
	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "frame", Timestamp: 42, Scores: scores, Face: true}))

	stream, err := b.Camera().Acquire(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		frame, ok := stream.Frame()
		return ok && frame.Timestamp == 42
	}, time.Second, 5*time.Millisecond)

	frame, _ := stream.Frame()
	got, ok := landmarks.Detect(frame)
	require.True(t, ok)
	assert.Equal(t, emotion.Scores(scores), got)

	// Detection results are frame-bound: a stale timestamp misses.
	_, ok = landmarks.Detect(mirror.Frame{Timestamp: 41})
	assert.False(t, ok)
}

func TestBridge_CameraDenied(t *testing.T) {
	b := NewBridge(nil, zerolog.Nop())
	conn := dialBridge(t, b)
	go func() {
		var msg outboundMessage
		for conn.ReadJSON(&msg) == nil {
			if msg.Type == "acquire_camera" {
				conn.WriteJSON(inboundMessage{Type: "camera_result", Granted: false})
			}
		}
	}()

	_, err := b.Camera().Acquire(context.Background())
	assert.ErrorContains(t, err, "denied")
}

func TestBridge_MicrophoneCapture(t *testing.T) {
	b := NewBridge(nil, zerolog.Nop())
	conn := dialBridge(t, b)
	grantAll(t, conn, nil)

	capture, err := b.Microphone().Acquire(context.Background(), audio.InputSampleRate)
	require.NoError(t, err)

	pcm := audio.Float32ToPCM16([]float32{0.5, -0.5})
	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "mic", PCM: pcm}))

	select {
	case chunk := <-capture.Chunks():
		assert.InDelta(t, 0.5, chunk[0], 1e-3)
		assert.InDelta(t, -0.5, chunk[1], 1e-3)
	case <-time.After(time.Second):
		t.Fatal("no microphone chunk arrived")
	}

	capture.Release()
	_, open := <-capture.Chunks()
	assert.False(t, open, "chunk channel closed after release")

	// Releasing again is safe and the channel stays closed.
	assert.NotPanics(t, capture.Release)
	_, open = <-capture.Chunks()
	assert.False(t, open)
}

func TestBridge_PlaybackCommands(t *testing.T) {
	b := NewBridge(nil, zerolog.Nop())
	conn := dialBridge(t, b)
	out := make(chan outboundMessage, 8)
	grantAll(t, conn, out)

	playback, err := b.Output().Open(audio.OutputSampleRate)
	require.NoError(t, err)

	samples := make([]float32, audio.OutputSampleRate) // one second
	handle := playback.PlayAt(samples, playback.Now()+5)

	select {
	case msg := <-out:
		assert.Equal(t, "play", msg.Type)
		assert.Equal(t, uint64(1), msg.ID)
		assert.Len(t, msg.PCM, len(samples)*2)
	case <-time.After(time.Second):
		t.Fatal("no play command arrived")
	}

	handle.Stop()
	select {
	case msg := <-out:
		assert.Equal(t, "stop_audio", msg.Type)
		assert.Equal(t, uint64(1), msg.ID)
	case <-time.After(time.Second):
		t.Fatal("no stop command arrived")
	}
}

func TestBridge_ControlMessagesDriveControllers(t *testing.T) {
	b := NewBridge(nil, zerolog.Nop())
	mirrorCtrl := &recordingController{}
	voiceCtrl := &recordingController{}
	b.SetControllers(mirrorCtrl, voiceCtrl)

	conn := dialBridge(t, b)
	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "start_mirror"}))
	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "start_voice"}))
	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "stop_voice"}))

	require.Eventually(t, func() bool {
		return mirrorCtrl.starts.Load() == 1 && voiceCtrl.starts.Load() == 1 && voiceCtrl.stops.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// Dropping the connection stops everything still running.
	conn.Close()
	require.Eventually(t, func() bool {
		return mirrorCtrl.stops.Load() >= 1 && voiceCtrl.stops.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

var _ voice.AudioOutput = hostOutput{}
