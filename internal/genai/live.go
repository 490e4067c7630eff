package genai

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/deekshith47/mindmate/internal/audio"
)

// LiveConfig configures one live conversation session.
type LiveConfig struct {
	// SystemInstruction is the persona and behavior prompt.
	SystemInstruction string
	// Voice overrides the client's default voice identity.
	Voice string
	// InputSampleRate tags outbound PCM chunks (default: audio.InputSampleRate)
	InputSampleRate int
	// SearchEnabled grants the model the realtime search tool.
	SearchEnabled bool
}

// LiveConn is one open bidirectional live session. Implementations
// deliver server events strictly in wire order on Events; the channel is
// closed after the final EventClosed.
type LiveConn interface {
	// SendAudio streams one chunk of 16-bit little-endian PCM to the
	// service. Chunks are sent as they arrive; no acknowledgment is
	// awaited.
	SendAudio(pcm []byte) error
	Events() <-chan ServerEvent
	Close() error
}

// --- Wire format ---

type setupMessage struct {
	Setup liveSetup `json:"setup"`
}

type liveSetup struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *contentPayload  `json:"systemInstruction,omitempty"`
	Tools                    []toolPayload    `json:"tools,omitempty"`
	InputAudioTranscription  *emptyObject     `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *emptyObject     `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type contentPayload struct {
	Parts []partPayload `json:"parts"`
}

type partPayload struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

// inlineData carries base64 PCM; encoding/json handles the base64
// representation of Data on both directions.
type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type toolPayload struct {
	GoogleSearch *emptyObject `json:"googleSearch,omitempty"`
}

type emptyObject struct{}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type serverMessage struct {
	SetupComplete *emptyObject   `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn           *contentPayload       `json:"modelTurn,omitempty"`
	TurnComplete        bool                  `json:"turnComplete,omitempty"`
	Interrupted         bool                  `json:"interrupted,omitempty"`
	InputTranscription  *transcriptionPayload `json:"inputTranscription,omitempty"`
	OutputTranscription *transcriptionPayload `json:"outputTranscription,omitempty"`
}

type transcriptionPayload struct {
	Text string `json:"text"`
}

// --- Connection ---

type liveConn struct {
	conn     *websocket.Conn
	logger   zerolog.Logger
	mimeType string

	writeMu   sync.Mutex
	events    chan ServerEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// DialLive opens a live session: dials the websocket endpoint, sends the
// setup frame declaring audio-only output plus both transcription
// streams, and waits for the service's setup acknowledgment. The
// returned connection is ready to stream audio in both directions.
func (c *Client) DialLive(ctx context.Context, cfg LiveConfig) (LiveConn, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("gemini API key not configured")
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = audio.InputSampleRate
	}
	if cfg.Voice == "" {
		cfg.Voice = c.config.Voice
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, c.config.LiveEndpoint+"?key="+c.config.APIKey, nil)
	if err != nil {
		if resp != nil {
			c.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("Live WebSocket connection failed")
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	setup := setupMessage{
		Setup: liveSetup{
			Model: "models/" + c.config.LiveModel,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
					},
				},
			},
			InputAudioTranscription:  &emptyObject{},
			OutputAudioTranscription: &emptyObject{},
		},
	}
	if cfg.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &contentPayload{
			Parts: []partPayload{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.SearchEnabled {
		setup.Setup.Tools = []toolPayload{{GoogleSearch: &emptyObject{}}}
	}

	if err := ws.WriteJSON(setup); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	// The service acknowledges setup before any content flows. The wait
	// is bounded so an unresponsive service cannot wedge the dial.
	ackDeadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(ackDeadline) {
		ackDeadline = d
	}
	_ = ws.SetReadDeadline(ackDeadline)
	var ack serverMessage
	if err := ws.ReadJSON(&ack); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read setup ack: %w", err)
	}
	if ack.SetupComplete == nil {
		ws.Close()
		return nil, fmt.Errorf("unexpected first frame from live service")
	}
	_ = ws.SetReadDeadline(time.Time{})

	l := &liveConn{
		conn:     ws,
		logger:   c.logger.With().Str("session", "live").Logger(),
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", cfg.InputSampleRate),
		events:   make(chan ServerEvent, 64),
		closed:   make(chan struct{}),
	}
	go l.readLoop()

	c.logger.Info().Str("model", c.config.LiveModel).Str("voice", cfg.Voice).Msg("Live session connected")
	return l, nil
}

func (l *liveConn) Events() <-chan ServerEvent {
	return l.events
}

func (l *liveConn) SendAudio(pcm []byte) error {
	select {
	case <-l.closed:
		return fmt.Errorf("live connection closed")
	default:
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MimeType: l.mimeType, Data: pcm}},
		},
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(msg)
}

func (l *liveConn) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *liveConn) readLoop() {
	defer close(l.events)

	for {
		var msg serverMessage
		if err := l.conn.ReadJSON(&msg); err != nil {
			select {
			case <-l.closed:
				// Expected closure from our side.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.logger.Error().Err(err).Msg("Live session read failed")
					l.emit(ServerEvent{Type: EventError, Err: err})
				}
			}
			l.emit(ServerEvent{Type: EventClosed})
			return
		}

		for _, ev := range decodeServerMessage(&msg) {
			l.emit(ev)
		}
	}
}

func (l *liveConn) emit(ev ServerEvent) {
	select {
	case l.events <- ev:
	case <-l.closed:
		// Consumer is gone; drop the event.
	}
}

// decodeServerMessage flattens one wire frame into ordered events:
// transcription deltas first, then turn completion, then audio, then
// interruption. The transcript segmenter downstream depends on this
// ordering.
func decodeServerMessage(msg *serverMessage) []ServerEvent {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var events []ServerEvent
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, ServerEvent{Type: EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, ServerEvent{Type: EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		events = append(events, ServerEvent{Type: EventTurnComplete})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				events = append(events, ServerEvent{Type: EventAudio, Audio: p.InlineData.Data})
			}
		}
	}
	if sc.Interrupted {
		events = append(events, ServerEvent{Type: EventInterrupted})
	}
	return events
}
