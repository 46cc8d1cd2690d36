package messages

// Event types (realtime endpoint -> client)
const (
	TypeSessionWaiting                = "session.waiting"
	TypeSessionReady                  = "session_ready"
	TypeResponseDone                  = "response.done"
	TypeResponseAudioDelta            = "response.audio.delta"
	TypeResponseAudioTranscriptDelta  = "response.audio_transcript.delta"
	TypeInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	TypeInputAudioTranscriptionDone   = "conversation.item.input_audio_transcription.completed"
	TypeToolResponse                  = "extension.middle_tier_tool_response"
	TypeError                         = "error"
)

// Error codes
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeGeminiError    = "GEMINI_ERROR"
	ErrCodeSessionFailed  = "SESSION_FAILED"
	ErrCodeBufferFull     = "BUFFER_FULL"
)

// Event is an inbound protocol message. The set of implementations is
// closed; type switches over Event are checked by gochecksumtype.
//
//sumtype:decl
type Event interface {
	EventType() string
	event()
}

// SessionWaiting signals the partner has not joined yet
type SessionWaiting struct {
	Type string `json:"type"`
}

// SessionReady signals both parties are bound
type SessionReady struct {
	Type        string `json:"type"`
	PartnerLang string `json:"partner_lang"`
}

// ResponseDone marks the end of a model response
type ResponseDone struct {
	Type string `json:"type"`
}

// ResponseAudioDelta carries a base64 chunk of model audio
type ResponseAudioDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// ResponseAudioTranscriptDelta carries incremental transcript of model audio
type ResponseAudioTranscriptDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// SpeechStarted signals the remote detected the user began speaking
type SpeechStarted struct {
	Type string `json:"type"`
}

// InputTranscriptionCompleted carries the transcript of the user's turn
type InputTranscriptionCompleted struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// ToolResponse carries the result of a middle-tier tool invocation
type ToolResponse struct {
	Type       string `json:"type"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolResult string `json:"tool_result"` // JSON encoded ToolResult
}

// ErrorDetail describes an error reported by the endpoint
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ErrorEvent is an error reported by the endpoint
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// UnknownEvent is any event whose type is not recognized
type UnknownEvent struct {
	Type string `json:"type"`
	Raw  []byte `json:"-"`
}

// ToolResult is the JSON document inside ToolResponse.ToolResult
type ToolResult struct {
	Sources []GroundingSource `json:"sources"`
}

// GroundingSource is one retrieved knowledge chunk
type GroundingSource struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Chunk   string `json:"chunk"`
}

func (e *SessionWaiting) EventType() string               { return TypeSessionWaiting }
func (e *SessionReady) EventType() string                 { return TypeSessionReady }
func (e *ResponseDone) EventType() string                 { return TypeResponseDone }
func (e *ResponseAudioDelta) EventType() string           { return TypeResponseAudioDelta }
func (e *ResponseAudioTranscriptDelta) EventType() string { return TypeResponseAudioTranscriptDelta }
func (e *SpeechStarted) EventType() string                { return TypeInputAudioBufferSpeechStarted }
func (e *InputTranscriptionCompleted) EventType() string  { return TypeInputAudioTranscriptionDone }
func (e *ToolResponse) EventType() string                 { return TypeToolResponse }
func (e *ErrorEvent) EventType() string                   { return TypeError }
func (e *UnknownEvent) EventType() string                 { return e.Type }

func (*SessionWaiting) event()               {}
func (*SessionReady) event()                 {}
func (*ResponseDone) event()                 {}
func (*ResponseAudioDelta) event()           {}
func (*ResponseAudioTranscriptDelta) event() {}
func (*SpeechStarted) event()                {}
func (*InputTranscriptionCompleted) event()  {}
func (*ToolResponse) event()                 {}
func (*ErrorEvent) event()                   {}
func (*UnknownEvent) event()                 {}

// NewSessionWaiting creates a session.waiting event
func NewSessionWaiting() *SessionWaiting {
	return &SessionWaiting{Type: TypeSessionWaiting}
}

// NewSessionReady creates a session_ready event
func NewSessionReady(partnerLang string) *SessionReady {
	return &SessionReady{Type: TypeSessionReady, PartnerLang: partnerLang}
}

// NewResponseDone creates a response.done event
func NewResponseDone() *ResponseDone {
	return &ResponseDone{Type: TypeResponseDone}
}

// NewAudioDelta creates a response.audio.delta event
func NewAudioDelta(delta string) *ResponseAudioDelta {
	return &ResponseAudioDelta{Type: TypeResponseAudioDelta, Delta: delta}
}

// NewTranscriptDelta creates a response.audio_transcript.delta event
func NewTranscriptDelta(delta string) *ResponseAudioTranscriptDelta {
	return &ResponseAudioTranscriptDelta{Type: TypeResponseAudioTranscriptDelta, Delta: delta}
}

// NewSpeechStarted creates an input_audio_buffer.speech_started event
func NewSpeechStarted() *SpeechStarted {
	return &SpeechStarted{Type: TypeInputAudioBufferSpeechStarted}
}

// NewInputTranscriptionCompleted creates a completed input transcription event
func NewInputTranscriptionCompleted(transcript string) *InputTranscriptionCompleted {
	return &InputTranscriptionCompleted{Type: TypeInputAudioTranscriptionDone, Transcript: transcript}
}

// NewToolResponse creates an extension.middle_tier_tool_response event
func NewToolResponse(toolName, toolResult string) *ToolResponse {
	return &ToolResponse{Type: TypeToolResponse, ToolName: toolName, ToolResult: toolResult}
}

// NewErrorEvent creates an error event
func NewErrorEvent(code, message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Error: ErrorDetail{Code: code, Message: message}}
}
