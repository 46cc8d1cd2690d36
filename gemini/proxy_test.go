package gemini

import (
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestLiveConfig(t *testing.T) {
	cfg := LiveConfig(Options{
		SystemPrompt:        "translate",
		PrefixPaddingMs:     300,
		SilenceDurationMs:   200,
		InputTranscription:  true,
		OutputTranscription: true,
	})

	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "translate" {
		t.Errorf("system instruction = %+v", cfg.SystemInstruction)
	}
	if v := cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != defaultVoice {
		t.Errorf("voice = %s, want %s", v, defaultVoice)
	}
	vad := cfg.RealtimeInputConfig.AutomaticActivityDetection
	if *vad.PrefixPaddingMs != 300 || *vad.SilenceDurationMs != 200 {
		t.Errorf("vad = %d/%d", *vad.PrefixPaddingMs, *vad.SilenceDurationMs)
	}
	if cfg.InputAudioTranscription == nil || cfg.OutputAudioTranscription == nil {
		t.Error("transcription not requested")
	}

	bare := LiveConfig(Options{Voice: "Puck"})
	if bare.RealtimeInputConfig != nil || bare.InputAudioTranscription != nil || bare.SystemInstruction != nil {
		t.Errorf("bare config carries optional fields: %+v", bare)
	}
	if v := bare.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Puck" {
		t.Errorf("voice = %s", v)
	}
}

type recorder struct {
	got []string
}

func (r *recorder) events() Events {
	return Events{
		OnAudio:            func(pcm []byte) { r.got = append(r.got, "audio:"+string(pcm)) },
		OnOutputTranscript: func(d string) { r.got = append(r.got, "out:"+d) },
		OnInputTranscript:  func(s string) { r.got = append(r.got, "in:"+s) },
		OnInterrupted:      func() { r.got = append(r.got, "interrupted") },
		OnTurnComplete:     func() { r.got = append(r.got, "done") },
		OnToolCall: func(calls []*genai.FunctionCall) {
			r.got = append(r.got, "tool:"+calls[0].Name)
		},
	}
}

func TestHandleResponseOrder(t *testing.T) {
	p := NewProxy(nil, nil)
	rec := &recorder{}
	events := rec.events()
	var input strings.Builder

	for _, msg := range []*genai.LiveServerMessage{
		{ServerContent: &genai.LiveServerContent{InputTranscription: &genai.Transcription{Text: "hello "}}},
		{ServerContent: &genai.LiveServerContent{InputTranscription: &genai.Transcription{Text: "there"}}},
		{ServerContent: &genai.LiveServerContent{
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{MIMEType: "audio/pcm", Data: []byte("pcm")}},
			}},
			OutputTranscription: &genai.Transcription{Text: "hola"},
		}},
		{ServerContent: &genai.LiveServerContent{Interrupted: true}},
		{ToolCall: &genai.LiveServerToolCall{FunctionCalls: []*genai.FunctionCall{{Name: "search"}}}},
		{ServerContent: &genai.LiveServerContent{TurnComplete: true}},
	} {
		p.handleResponse(msg, &input, events)
	}

	want := []string{"in:hello there", "audio:pcm", "out:hola", "interrupted", "tool:search", "done"}
	if strings.Join(rec.got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %v, want %v", rec.got, want)
	}
}

func TestInputTranscriptFlushedOnFinished(t *testing.T) {
	p := NewProxy(nil, nil)
	rec := &recorder{}
	var input strings.Builder

	p.handleResponse(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		InputTranscription: &genai.Transcription{Text: "buenos dias", Finished: true},
	}}, &input, rec.events())
	p.handleResponse(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{TurnComplete: true}}, &input, rec.events())

	if len(rec.got) != 2 || rec.got[0] != "in:buenos dias" || rec.got[1] != "done" {
		t.Errorf("events = %v", rec.got)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	p := NewProxy(nil, nil)
	if err := p.SendAudio([]byte{0, 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio error = %v, want ErrNotConnected", err)
	}
	if err := p.SendText("hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText error = %v, want ErrNotConnected", err)
	}
	if p.Connected() {
		t.Error("unconnected proxy reports connected")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
