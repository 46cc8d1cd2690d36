package messages

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

var errMissingType = errors.New("missing type field")

// DecodeError is returned when an inbound frame cannot be decoded
type DecodeError struct {
	Type string // discriminant, if it could be read
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type envelope struct {
	Type string `json:"type"`
}

// Encode marshals any protocol message
func Encode(msg any) ([]byte, error) {
	data, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON document with the protocol codec
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

func readType(raw []byte) (string, error) {
	var env envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return "", &DecodeError{Err: err}
	}
	if env.Type == "" {
		return "", &DecodeError{Err: errMissingType}
	}
	return env.Type, nil
}

// DecodeEvent parses an inbound event. Unrecognized types decode to
// *UnknownEvent without error.
func DecodeEvent(raw []byte) (Event, error) {
	typ, err := readType(raw)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch typ {
	case TypeSessionWaiting:
		ev = &SessionWaiting{}
	case TypeSessionReady:
		ev = &SessionReady{}
	case TypeResponseDone:
		ev = &ResponseDone{}
	case TypeResponseAudioDelta:
		ev = &ResponseAudioDelta{}
	case TypeResponseAudioTranscriptDelta:
		ev = &ResponseAudioTranscriptDelta{}
	case TypeInputAudioBufferSpeechStarted:
		ev = &SpeechStarted{}
	case TypeInputAudioTranscriptionDone:
		ev = &InputTranscriptionCompleted{}
	case TypeToolResponse:
		ev = &ToolResponse{}
	case TypeError:
		ev = &ErrorEvent{}
	default:
		return &UnknownEvent{Type: typ, Raw: raw}, nil
	}

	if err := codec.Unmarshal(raw, ev); err != nil {
		return nil, &DecodeError{Type: typ, Err: err}
	}
	return ev, nil
}

// DecodeCommand parses an outbound command, as received by the relay.
// Unrecognized types decode to *UnknownCommand without error.
func DecodeCommand(raw []byte) (Command, error) {
	typ, err := readType(raw)
	if err != nil {
		return nil, err
	}

	var cmd Command
	switch typ {
	case TypeSessionUpdate:
		cmd = &SessionUpdate{}
	case TypeInputAudioBufferAppend:
		cmd = &AudioAppend{}
	case TypeInputAudioBufferClear:
		cmd = &AudioClear{}
	case TypeUserMessage:
		cmd = &UserMessage{}
	default:
		return &UnknownCommand{Type: typ, Raw: raw}, nil
	}

	if err := codec.Unmarshal(raw, cmd); err != nil {
		return nil, &DecodeError{Type: typ, Err: err}
	}
	return cmd, nil
}

// ParseToolResult decodes the JSON document carried in a tool response
func ParseToolResult(toolResult string) (*ToolResult, error) {
	var result ToolResult
	if err := codec.UnmarshalFromString(toolResult, &result); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &result, nil
}
