// Package gemini adapts a Gemini Live session to the relay's upstream
// interface.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	modelName = "models/gemini-2.5-flash-native-audio-preview-12-2025"

	inputAudioMIME = "audio/pcm;rate=16000"
	defaultVoice   = "Zephyr"
)

// ErrNotConnected is returned by sends before Connect or after Close
var ErrNotConnected = errors.New("gemini session not connected")

// Options configures one Live session
type Options struct {
	SystemPrompt string
	Tools        []*genai.Tool
	Voice        string

	// Voice activity detection, zero leaves the model default
	PrefixPaddingMs   int
	SilenceDurationMs int

	InputTranscription  bool
	OutputTranscription bool
}

// Events receives decoded upstream output. Callbacks run on the receive
// goroutine, in arrival order; nil callbacks are skipped.
type Events struct {
	OnAudio            func(pcm []byte)
	OnText             func(text string)
	OnOutputTranscript func(delta string)
	OnInputTranscript  func(transcript string) // one completed user turn
	OnInterrupted      func()
	OnTurnComplete     func()
	OnToolCall         func(calls []*genai.FunctionCall)
	OnError            func(err error) // receive loop ended unexpectedly
}

// NewClient creates a Gemini API client
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// Proxy manages one connection to the Gemini Live API. Connect may be called
// again to replace the session with new options.
type Proxy struct {
	client *genai.Client
	logger *zap.Logger

	mu      sync.RWMutex
	session *genai.Session
	closed  bool
}

// NewProxy creates an unconnected proxy
func NewProxy(client *genai.Client, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{client: client, logger: logger}
}

// LiveConfig builds the connect configuration for opts
func LiveConfig(opts Options) *genai.LiveConnectConfig {
	voice := opts.Voice
	if voice == "" {
		voice = defaultVoice
	}

	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		Tools:              opts.Tools,
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: opts.SystemPrompt}}}
	}
	if opts.PrefixPaddingMs > 0 || opts.SilenceDurationMs > 0 {
		vad := &genai.AutomaticActivityDetection{}
		if opts.PrefixPaddingMs > 0 {
			vad.PrefixPaddingMs = genai.Ptr(int32(opts.PrefixPaddingMs))
		}
		if opts.SilenceDurationMs > 0 {
			vad.SilenceDurationMs = genai.Ptr(int32(opts.SilenceDurationMs))
		}
		cfg.RealtimeInputConfig = &genai.RealtimeInputConfig{AutomaticActivityDetection: vad}
	}
	if opts.InputTranscription {
		cfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if opts.OutputTranscription {
		cfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cfg
}

// Connect opens a Live session and starts receiving. An open session is
// closed first.
func (p *Proxy) Connect(ctx context.Context, opts Options, events Events) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("proxy is closed")
	}
	old := p.session
	p.session = nil
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}

	session, err := p.client.Live.Connect(ctx, modelName, LiveConfig(opts))
	if err != nil {
		return fmt.Errorf("failed to connect to Live API: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		session.Close()
		return fmt.Errorf("proxy is closed")
	}
	p.session = session
	p.mu.Unlock()

	p.logger.Info("Connected to Gemini Live", zap.String("model", modelName))
	go p.receive(session, events)
	return nil
}

// Connected reports whether a session is open
func (p *Proxy) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session != nil && !p.closed
}

func (p *Proxy) receive(session *genai.Session, events Events) {
	// pending input transcription of this session
	var input strings.Builder
	for {
		resp, err := session.Receive()
		if err != nil {
			p.mu.RLock()
			current := p.session == session && !p.closed
			p.mu.RUnlock()

			// a replaced or closed session ends quietly
			if current {
				p.logger.Warn("Gemini receive error", zap.Error(err))
				if events.OnError != nil {
					events.OnError(err)
				}
			}
			return
		}
		p.handleResponse(resp, &input, events)
	}
}

func (p *Proxy) handleResponse(resp *genai.LiveServerMessage, input *strings.Builder, events Events) {
	if resp.ToolCall != nil && len(resp.ToolCall.FunctionCalls) > 0 {
		p.logger.Debug("Received function calls", zap.Int("count", len(resp.ToolCall.FunctionCalls)))
		if events.OnToolCall != nil {
			events.OnToolCall(resp.ToolCall.FunctionCalls)
		}
	}

	content := resp.ServerContent
	if content == nil {
		return
	}

	if content.Interrupted && events.OnInterrupted != nil {
		events.OnInterrupted()
	}

	if t := content.InputTranscription; t != nil {
		input.WriteString(t.Text)
		if t.Finished {
			flushInput(input, events)
		}
	}

	if content.ModelTurn != nil {
		// the user turn is over once the model answers
		flushInput(input, events)
		for _, part := range content.ModelTurn.Parts {
			if part.Text != "" && events.OnText != nil {
				events.OnText(part.Text)
			}
			if part.InlineData != nil && events.OnAudio != nil {
				p.logger.Debug("Received audio", zap.Int("bytes", len(part.InlineData.Data)))
				events.OnAudio(part.InlineData.Data)
			}
		}
	}

	if t := content.OutputTranscription; t != nil && t.Text != "" && events.OnOutputTranscript != nil {
		events.OnOutputTranscript(t.Text)
	}

	if content.TurnComplete {
		flushInput(input, events)
		if events.OnTurnComplete != nil {
			events.OnTurnComplete()
		}
	}
}

func flushInput(input *strings.Builder, events Events) {
	text := strings.TrimSpace(input.String())
	input.Reset()
	if text != "" && events.OnInputTranscript != nil {
		events.OnInputTranscript(text)
	}
}

func (p *Proxy) current() (*genai.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.session == nil {
		return nil, ErrNotConnected
	}
	return p.session, nil
}

// SendAudio forwards 16 kHz PCM
func (p *Proxy) SendAudio(pcm []byte) error {
	return p.sendMedia(inputAudioMIME, pcm)
}

// SendImage forwards one video frame
func (p *Proxy) SendImage(mimeType string, data []byte) error {
	return p.sendMedia(mimeType, data)
}

func (p *Proxy) sendMedia(mimeType string, data []byte) error {
	session, err := p.current()
	if err != nil {
		return err
	}

	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: mimeType, Data: data},
	})
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", mimeType, err)
	}
	return nil
}

// SendText sends a complete user text turn
func (p *Proxy) SendText(text string) error {
	session, err := p.current()
	if err != nil {
		return err
	}

	err = session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: genai.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

// SendToolResponse sends function call responses back to Gemini
func (p *Proxy) SendToolResponse(responses []*genai.FunctionResponse) error {
	session, err := p.current()
	if err != nil {
		return err
	}

	err = session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: responses,
	})
	if err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}
	return nil
}

// Close terminates the Gemini connection
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.session != nil {
		err := p.session.Close()
		p.session = nil
		return err
	}
	return nil
}
