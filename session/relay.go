package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/room4-2/OpenTranslate/gemini"
	"github.com/room4-2/OpenTranslate/messages"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	maxMessageSize  = 512 * 1024

	connectTimeout = 15 * time.Second
)

// Upstream is the realtime model session behind a relay
type Upstream interface {
	Connect(ctx context.Context, opts gemini.Options, events gemini.Events) error
	SendAudio(pcm []byte) error
	SendText(text string) error
	SendImage(mimeType string, data []byte) error
	SendToolResponse(responses []*genai.FunctionResponse) error
	Close() error
}

// Tools executes the function calls of the model
type Tools interface {
	Tools() []*genai.Tool
	Execute(call *genai.FunctionCall) (*genai.FunctionResponse, string)
}

// RelayConfig identifies the party behind a relay
type RelayConfig struct {
	SessionKey    string
	SourceLang    string
	TargetLang    string
	MaxBufferSize int
}

// Relay bridges one client websocket to one upstream model session
type Relay struct {
	cfg      RelayConfig
	conn     *websocket.Conn
	upstream Upstream
	tools    Tools
	logger   *zap.Logger

	pending *PendingAudio

	writeChan chan []byte
	closeChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	closed  bool
	started bool
	ready   bool
	partner string

	// guards live, so pending audio drains before direct sends resume
	upMu       sync.Mutex
	live       bool
	connectMu  sync.Mutex
	connectSeq uint64
}

// NewRelay creates a relay for an upgraded client connection
func NewRelay(conn *websocket.Conn, upstream Upstream, tools Tools, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn.SetReadLimit(maxMessageSize)
	conn.EnableWriteCompression(true)

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:      cfg,
		conn:     conn,
		upstream: upstream,
		tools:    tools,
		logger: logger.With(
			zap.String("sessionKey", cfg.SessionKey),
			zap.String("sourceLang", cfg.SourceLang),
		),
		pending:   NewPendingAudio(cfg.MaxBufferSize),
		writeChan: make(chan []byte, writeBufferSize),
		closeChan: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Language returns the language the client speaks
func (r *Relay) Language() string {
	return r.cfg.SourceLang
}

// Run serves the client until it disconnects or the relay is closed.
// p is the session state at attach time.
func (r *Relay) Run(p *Pairing) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	if p.Ready() && !r.ready {
		r.ready = true
		r.partner = p.PartnerLanguage(r.cfg.SourceLang)
	}
	ready, partner := r.ready, r.partner
	r.mu.Unlock()

	go r.writePump()

	if ready {
		r.queue(messages.NewSessionReady(partner))
	} else {
		r.queue(messages.NewSessionWaiting())
	}

	r.requestConnect(r.defaultOptions())

	r.readLoop()
	r.Close()
}

// NotifyReady tells the client its partner has joined
func (r *Relay) NotifyReady(partnerLang string) {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		return
	}
	r.ready = true
	r.partner = partnerLang
	started := r.started
	r.mu.Unlock()

	// an unstarted relay announces readiness from Run
	if started {
		r.queue(messages.NewSessionReady(partnerLang))
	}
}

func (r *Relay) targetLang() string {
	if r.cfg.TargetLang != "" {
		return r.cfg.TargetLang
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partner
}

func (r *Relay) defaultOptions() gemini.Options {
	opts := gemini.Options{
		SystemPrompt:        TranslationPrompt(r.cfg.SourceLang, r.targetLang()),
		OutputTranscription: true,
	}
	if r.tools != nil {
		opts.Tools = r.tools.Tools()
	}
	return opts
}

func (r *Relay) optionsFor(cmd *messages.SessionUpdate) gemini.Options {
	opts := r.defaultOptions()
	if td := cmd.Session.TurnDetection; td != nil {
		opts.PrefixPaddingMs = td.PrefixPaddingMs
		opts.SilenceDurationMs = td.SilenceDurationMs
	}
	opts.InputTranscription = cmd.Session.InputAudioTranscription != nil
	return opts
}

// requestConnect schedules an upstream (re)connect. A request superseded
// by a later one before it runs is skipped.
func (r *Relay) requestConnect(opts gemini.Options) {
	r.mu.Lock()
	r.connectSeq++
	seq := r.connectSeq
	r.mu.Unlock()

	go r.connectUpstream(seq, opts)
}

// connectUpstream (re)opens the upstream session and flushes audio
// received meanwhile
func (r *Relay) connectUpstream(seq uint64, opts gemini.Options) {
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	r.mu.Lock()
	superseded := seq != r.connectSeq
	r.mu.Unlock()
	if superseded || r.ctx.Err() != nil {
		return
	}

	r.upMu.Lock()
	r.live = false
	r.upMu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, connectTimeout)
	defer cancel()

	if err := r.upstream.Connect(ctx, opts, r.events()); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.logger.Error("Failed to connect upstream", zap.Error(err))
		r.queue(messages.NewErrorEvent(messages.ErrCodeSessionFailed, err.Error()))
		return
	}

	r.upMu.Lock()
	defer r.upMu.Unlock()
	chunks := r.pending.Drain()
	for _, chunk := range chunks {
		if err := r.upstream.SendAudio(chunk); err != nil {
			r.logger.Warn("Failed to flush pending audio", zap.Error(err))
			break
		}
	}
	r.live = true
	r.logger.Info("Upstream connected",
		zap.Int("flushedChunks", len(chunks)),
		zap.Bool("inputTranscription", opts.InputTranscription),
	)
}

func (r *Relay) events() gemini.Events {
	return gemini.Events{
		OnAudio: func(pcm []byte) {
			r.queue(messages.NewAudioDelta(base64.StdEncoding.EncodeToString(pcm)))
		},
		OnOutputTranscript: func(delta string) {
			r.queue(messages.NewTranscriptDelta(delta))
		},
		OnInputTranscript: func(transcript string) {
			r.queue(messages.NewInputTranscriptionCompleted(transcript))
		},
		OnInterrupted: func() {
			r.queue(messages.NewSpeechStarted())
		},
		OnTurnComplete: func() {
			r.queue(messages.NewResponseDone())
		},
		OnToolCall: r.handleToolCalls,
		OnError: func(err error) {
			r.logger.Warn("Upstream failed, closing relay", zap.Error(err))
			r.queue(messages.NewErrorEvent(messages.ErrCodeGeminiError, err.Error()))
			// the client reconnects and gets a fresh upstream
			go r.Close()
		},
	}
}

func (r *Relay) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !r.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Info("Client read error", zap.Error(err))
			}
			return
		}

		cmd, err := messages.DecodeCommand(data)
		if err != nil {
			r.logger.Warn("Failed to decode client command", zap.Error(err))
			r.queue(messages.NewErrorEvent(messages.ErrCodeInvalidMessage, "Invalid message format"))
			continue
		}
		r.handleCommand(cmd)
	}
}

func (r *Relay) handleCommand(cmd messages.Command) {
	switch c := cmd.(type) {
	case *messages.SessionUpdate:
		r.requestConnect(r.optionsFor(c))

	case *messages.AudioAppend:
		pcm, err := base64.StdEncoding.DecodeString(c.Audio)
		if err != nil {
			r.queue(messages.NewErrorEvent(messages.ErrCodeInvalidMessage, "Invalid base64 audio data"))
			return
		}
		r.forwardAudio(pcm)

	case *messages.AudioClear:
		r.pending.Clear()

	case *messages.UserMessage:
		if err := r.upstream.SendText(c.Text); err != nil {
			r.logger.Warn("Failed to send text upstream", zap.Error(err))
			r.queue(messages.NewErrorEvent(messages.ErrCodeGeminiError, err.Error()))
		}

	case *messages.UnknownCommand:
		r.logger.Warn("Unknown client command", zap.String("type", c.Type))
	}
}

func (r *Relay) forwardAudio(pcm []byte) {
	r.upMu.Lock()
	if !r.live {
		err := r.pending.Append(pcm)
		r.upMu.Unlock()
		if err != nil {
			r.queue(messages.NewErrorEvent(messages.ErrCodeBufferFull,
				fmt.Sprintf("Audio buffer full (max %d bytes)", r.pending.MaxSize())))
		}
		return
	}
	r.upMu.Unlock()

	r.logger.Debug("Forwarding audio", zap.Int("bytes", len(pcm)))
	if err := r.upstream.SendAudio(pcm); err != nil {
		r.logger.Warn("Failed to send audio upstream", zap.Error(err))
	}
}

// SendFrame forwards one video frame to the upstream, if connected
func (r *Relay) SendFrame(mimeType string, data []byte) {
	r.upMu.Lock()
	live := r.live
	r.upMu.Unlock()
	if !live {
		r.logger.Debug("Upstream not connected, dropping frame")
		return
	}
	if err := r.upstream.SendImage(mimeType, data); err != nil {
		r.logger.Warn("Failed to send frame upstream", zap.Error(err))
	}
}

// handleToolCalls runs the model's function calls, mirrors their results to
// the client and answers the model
func (r *Relay) handleToolCalls(calls []*genai.FunctionCall) {
	responses := make([]*genai.FunctionResponse, 0, len(calls))
	for _, call := range calls {
		r.logger.Info("Function call", zap.String("name", call.Name), zap.String("id", call.ID))

		if r.tools == nil {
			responses = append(responses, &genai.FunctionResponse{
				ID:       call.ID,
				Name:     call.Name,
				Response: map[string]any{"error": fmt.Sprintf("Unknown function: %s", call.Name)},
			})
			continue
		}

		resp, toolResult := r.tools.Execute(call)
		responses = append(responses, resp)
		if toolResult != "" {
			r.queue(messages.NewToolResponse(call.Name, toolResult))
		}
	}

	if err := r.upstream.SendToolResponse(responses); err != nil {
		r.logger.Warn("Failed to send tool response", zap.Error(err))
		r.queue(messages.NewErrorEvent(messages.ErrCodeGeminiError, err.Error()))
	}
}

// writePump handles all outgoing messages in a single goroutine
func (r *Relay) writePump() {
	defer func() {
		r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		r.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		r.conn.Close()
	}()

	for {
		select {
		case <-r.closeChan:
			r.drain()
			return
		case data := <-r.writeChan:
			if err := r.write(data); err != nil {
				return
			}
		}
	}
}

// drain flushes events queued before Close, so a final error reaches the
// client
func (r *Relay) drain() {
	for {
		select {
		case data := <-r.writeChan:
			if err := r.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (r *Relay) write(data []byte) error {
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// queue adds an event to the write queue (non-blocking)
func (r *Relay) queue(ev messages.Event) {
	if r.IsClosed() {
		return
	}
	data, err := messages.Encode(ev)
	if err != nil {
		r.logger.Error("Failed to encode event", zap.String("type", ev.EventType()), zap.Error(err))
		return
	}
	select {
	case r.writeChan <- data:
	default:
		r.logger.Warn("Write queue full, dropping event", zap.String("type", ev.EventType()))
	}
}

// IsClosed returns whether the relay is closed
func (r *Relay) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close terminates the relay and its upstream
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	r.cancel()
	close(r.closeChan)
	r.pending.Clear()

	err := r.upstream.Close()
	if !started {
		r.conn.Close()
	}
	return err
}
