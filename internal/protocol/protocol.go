package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Message types for inbound control messages.
const (
	TypeInit   = "init"
	TypeAudio  = "audio"
	TypePause  = "pause-recording"
	TypeResume = "resume-recording"
	TypeStop   = "stop-recording"
)

// Outbound event types.
const (
	TypeTranscript = "transcript"
	TypeError      = "error"
)

// FormatWAV is the only audio frame format the service accepts.
const FormatWAV = "wav"

// supportedLanguages are the language hints the transcription engines
// accept. An empty hint means auto-detect.
var supportedLanguages = map[string]bool{
	"en": true, "es": true, "fr": true, "de": true, "it": true,
	"pt": true, "ru": true, "zh": true, "ja": true, "hi": true,
	"sw": true, "rw": true, "lg": true, "yo": true,
}

// IsSupportedLanguage reports whether a language hint can be forwarded
// to the transcription engines.
func IsSupportedLanguage(code string) bool {
	return code == "" || supportedLanguages[code]
}

// ProtocolError reports a malformed inbound message: unknown kind,
// missing required fields, or an undecodable payload. The offending
// message is dropped; the session is never torn down over it.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Msg)
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// AudioData decodes the audio payload's data field, which clients send
// either as a base64 string or as a JSON byte array.
type AudioData []byte

// UnmarshalJSON implements json.Unmarshaler.
func (d *AudioData) UnmarshalJSON(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty audio data")
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 audio data: %w", err)
		}
		*d = decoded
		return nil

	case '[':
		var ints []int
		if err := json.Unmarshal(raw, &ints); err != nil {
			return fmt.Errorf("invalid audio byte array: %w", err)
		}
		out := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return fmt.Errorf("audio data byte %d out of range: %d", i, v)
			}
			out[i] = byte(v)
		}
		*d = out
		return nil

	default:
		return fmt.Errorf("audio data must be a base64 string or byte array")
	}
}

// InitPayload carries the optional session parameters of an init
// message.
type InitPayload struct {
	SampleRate int    `json:"sampleRate,omitempty"`
	Language   string `json:"language,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// AudioPayload carries one WAV-framed audio frame.
type AudioPayload struct {
	Data       AudioData `json:"data"`
	Format     string    `json:"format"`
	SampleRate int       `json:"sampleRate"`
}

// Message is the tagged union of all inbound control messages,
// discriminated by Type. Exactly one payload pointer is set for types
// that carry one.
type Message struct {
	Type  string
	Init  *InitPayload
	Audio *AudioPayload
}

// envelope is the raw wire shape before per-type validation.
type envelope struct {
	Type string `json:"type"`

	// init fields
	SampleRate int    `json:"sampleRate,omitempty"`
	Language   string `json:"language,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`

	// audio fields
	Data   AudioData `json:"data,omitempty"`
	Format string    `json:"format,omitempty"`
}

// Parse validates an inbound message into the tagged union. All
// required-field checks happen here, before the message reaches the
// session manager.
func Parse(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, protocolErrorf("undecodable message: %v", err)
	}

	switch env.Type {
	case TypeInit:
		if env.SampleRate < 0 {
			return nil, protocolErrorf("init: sampleRate must not be negative, got %d", env.SampleRate)
		}
		return &Message{
			Type: TypeInit,
			Init: &InitPayload{
				SampleRate: env.SampleRate,
				Language:   env.Language,
				SessionID:  env.SessionID,
			},
		}, nil

	case TypeAudio:
		if len(env.Data) == 0 {
			return nil, protocolErrorf("audio: missing data field")
		}
		if env.Format != FormatWAV {
			return nil, protocolErrorf("audio: unsupported format %q", env.Format)
		}
		if env.SampleRate <= 0 {
			return nil, protocolErrorf("audio: sampleRate must be positive, got %d", env.SampleRate)
		}
		return &Message{
			Type: TypeAudio,
			Audio: &AudioPayload{
				Data:       env.Data,
				Format:     env.Format,
				SampleRate: env.SampleRate,
			},
		}, nil

	case TypePause, TypeResume, TypeStop:
		return &Message{Type: env.Type}, nil

	case "":
		return nil, protocolErrorf("missing message type")

	default:
		return nil, protocolErrorf("unknown message type %q", env.Type)
	}
}

// InitAck acknowledges an init message.
type InitAck struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// AudioAck acknowledges one audio frame. Status is "received" when the
// frame was appended to the chunk buffer, "buffered" when the session
// was paused and the frame was queued for replay.
type AudioAck struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Size   int    `json:"size"`
}

// Audio ack statuses.
const (
	StatusReceived = "received"
	StatusBuffered = "buffered"
)

// ControlAck acknowledges pause/resume/stop messages. TempFile names
// the final chunk a stop flushed and is informational only: the file is
// consumed by transcription before the ack is sent.
type ControlAck struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	TempFile string `json:"tempFile,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TranscriptEvent delivers the text of one transcribed chunk.
type TranscriptEvent struct {
	Type             string `json:"type"`
	Text             string `json:"text"`
	IsFinal          bool   `json:"isFinal"`
	Source           string `json:"source"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	Timestamp        string `json:"timestamp"`
}

// NewTranscriptEvent builds a transcript event stamped with the current
// time in ISO8601.
func NewTranscriptEvent(text, source string, processingTime time.Duration) TranscriptEvent {
	return TranscriptEvent{
		Type:             TypeTranscript,
		Text:             text,
		IsFinal:          true,
		Source:           source,
		ProcessingTimeMs: processingTime.Milliseconds(),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}
}

// ErrorEvent delivers a session-level error to the client.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewErrorEvent builds an error event.
func NewErrorEvent(message, details string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message, Details: details}
}
