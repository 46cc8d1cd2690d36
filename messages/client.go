package messages

// Command types (client -> realtime endpoint)
const (
	TypeSessionUpdate           = "session.update"
	TypeInputAudioBufferAppend  = "input_audio_buffer.append"
	TypeInputAudioBufferClear   = "input_audio_buffer.clear"
	TypeUserMessage             = "user.message"
	TurnDetectionServerVAD      = "server_vad"
	DefaultTranscriptionModel   = "whisper-1"
	DefaultVADThreshold         = 0.5
	DefaultVADPrefixPaddingMs   = 300
	DefaultVADSilenceDurationMs = 200
)

// Command is an outbound protocol message.
//
//sumtype:decl
type Command interface {
	CommandType() string
	command()
}

// TurnDetection configures server-side voice activity detection
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// InputAudioTranscription requests transcription of the user's audio
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the payload of a session.update command
type SessionConfig struct {
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

// SessionUpdate configures turn detection and transcription
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// AudioAppend carries one base64-encoded PCM chunk
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// AudioClear discards buffered input audio
type AudioClear struct {
	Type string `json:"type"`
}

// UserMessage is a free-text user turn
type UserMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnknownCommand is any command whose type is not recognized
type UnknownCommand struct {
	Type string `json:"type"`
	Raw  []byte `json:"-"`
}

func (c *SessionUpdate) CommandType() string  { return TypeSessionUpdate }
func (c *AudioAppend) CommandType() string    { return TypeInputAudioBufferAppend }
func (c *AudioClear) CommandType() string     { return TypeInputAudioBufferClear }
func (c *UserMessage) CommandType() string    { return TypeUserMessage }
func (c *UnknownCommand) CommandType() string { return c.Type }

func (*SessionUpdate) command()  {}
func (*AudioAppend) command()    {}
func (*AudioClear) command()     {}
func (*UserMessage) command()    {}
func (*UnknownCommand) command() {}

// NewSessionUpdate builds the fixed server-VAD configuration, optionally
// requesting input audio transcription
func NewSessionUpdate(enableTranscription bool) *SessionUpdate {
	cmd := &SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionConfig{
			TurnDetection: &TurnDetection{
				Type:              TurnDetectionServerVAD,
				Threshold:         DefaultVADThreshold,
				PrefixPaddingMs:   DefaultVADPrefixPaddingMs,
				SilenceDurationMs: DefaultVADSilenceDurationMs,
			},
		},
	}
	if enableTranscription {
		cmd.Session.InputAudioTranscription = &InputAudioTranscription{Model: DefaultTranscriptionModel}
	}
	return cmd
}

// NewAudioAppend wraps a base64 audio chunk
func NewAudioAppend(chunk string) *AudioAppend {
	return &AudioAppend{Type: TypeInputAudioBufferAppend, Audio: chunk}
}

// NewAudioClear creates an input_audio_buffer.clear command
func NewAudioClear() *AudioClear {
	return &AudioClear{Type: TypeInputAudioBufferClear}
}

// NewUserMessage creates a user text turn
func NewUserMessage(text string) *UserMessage {
	return &UserMessage{Type: TypeUserMessage, Text: text}
}
