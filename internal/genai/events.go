package genai

// EventType identifies an inbound live session event.
type EventType string

const (
	// EventInputTranscript carries a partial transcription delta of the
	// user's speech.
	EventInputTranscript EventType = "input_transcript"
	// EventOutputTranscript carries a partial transcription delta of the
	// model's spoken reply.
	EventOutputTranscript EventType = "output_transcript"
	// EventAudio carries one chunk of 16-bit PCM reply audio.
	EventAudio EventType = "audio"
	// EventTurnComplete marks the end of a user/model turn.
	EventTurnComplete EventType = "turn_complete"
	// EventInterrupted signals the user barged in over the model's reply.
	EventInterrupted EventType = "interrupted"
	// EventError reports a transport or protocol failure.
	EventError EventType = "error"
	// EventClosed is the final event before the channel closes.
	EventClosed EventType = "closed"
)

// ServerEvent is one typed event decoded from the live connection.
// Events are delivered strictly in wire order; the transcript state
// machine downstream depends on that.
type ServerEvent struct {
	Type  EventType
	Text  string // transcript delta for transcript events
	Audio []byte // little-endian 16-bit PCM for EventAudio
	Err   error  // set for EventError
}
