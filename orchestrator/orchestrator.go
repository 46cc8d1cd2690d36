// Package orchestrator is the client side controller of a paired session.
// It runs the handshake, opens the realtime channel, forwards captured audio
// and applies barge-in to playback.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/room4-2/OpenTranslate/handshake"
	"github.com/room4-2/OpenTranslate/media"
	"github.com/room4-2/OpenTranslate/messages"
	"github.com/room4-2/OpenTranslate/realtime"
	"github.com/room4-2/OpenTranslate/video"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const maxErrors = 20

// ErrNoSession is returned when an action needs a session key
var ErrNoSession = errors.New("no session")

// Handshaker creates, joins and polls sessions
type Handshaker interface {
	Create(ctx context.Context, localLanguage string) (*handshake.Result, error)
	Join(ctx context.Context, code, localLanguage string) (*handshake.Result, error)
	handshake.StatusChecker
}

// Channel is the realtime command/event channel
type Channel interface {
	On(eventType string, h realtime.Handler)
	OnConnect(fn func())
	Open(ctx context.Context, target realtime.Target) error
	SendSessionUpdate(enableTranscription bool)
	SendAudioChunk(chunk string)
	ClearAudioBuffer()
	SendTextMessage(text string)
	Close() error
}

// Config configures an Orchestrator
type Config struct {
	ServerURL           string
	LocalLanguage       string
	TargetLanguage      string
	EnableTranscription bool
	PollInterval        time.Duration
	FrameInterval       time.Duration
	Clock               clock.Clock
}

// Hooks are optional callbacks for the user interface. They run on the
// goroutine that produced the event and must not block.
type Hooks struct {
	OnReady               func(partnerLanguage string)
	OnError               func(message string)
	OnAssistantTranscript func(delta string)
	OnUserTranscript      func(text string)
	OnGroundingFiles      func(files []GroundingFile)
	OnResponseDone        func()
}

// Orchestrator wires handshake, channel, capture, playback and frame
// uploads for one session
type Orchestrator struct {
	cfg      Config
	hs       Handshaker
	channel  Channel
	capture  media.AudioCapture
	player   media.Player
	uploader video.Uploader
	hooks    Hooks
	logger   *zap.Logger

	session *handshake.Session
	poller  *handshake.Poller

	mu        sync.Mutex
	listening bool
	open      bool
	camera    *video.FrameLoop
	screen    *video.FrameLoop
	grounding []GroundingFile
	errs      []string
}

// New creates an orchestrator and registers its event handlers on channel
func New(cfg Config, hs Handshaker, channel Channel, capture media.AudioCapture, player media.Player, uploader video.Uploader, hooks Hooks, logger *zap.Logger) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:      cfg,
		hs:       hs,
		channel:  channel,
		capture:  capture,
		player:   player,
		uploader: uploader,
		hooks:    hooks,
		logger:   logger,
		session:  handshake.NewSession(cfg.LocalLanguage),
	}
	o.poller = handshake.NewPoller(hs, o.session, handshake.PollerConfig{
		Interval: cfg.PollInterval,
		Clock:    cfg.Clock,
		OnReady:  o.ready,
		OnError:  func(err error) { o.fail(err) },
	}, logger)

	for _, typ := range []string{
		messages.TypeSessionWaiting,
		messages.TypeSessionReady,
		messages.TypeResponseDone,
		messages.TypeResponseAudioDelta,
		messages.TypeResponseAudioTranscriptDelta,
		messages.TypeInputAudioBufferSpeechStarted,
		messages.TypeInputAudioTranscriptionDone,
		messages.TypeToolResponse,
		messages.TypeError,
	} {
		channel.On(typ, o.handleEvent)
	}
	channel.OnConnect(o.reconnected)
	return o
}

// Session returns the session state. Its key is the shared cell read by
// every loop.
func (o *Orchestrator) Session() *handshake.Session {
	return o.session
}

// CreateSession allocates a new session and opens the channel for it
func (o *Orchestrator) CreateSession(ctx context.Context) error {
	res, err := o.hs.Create(ctx, o.cfg.LocalLanguage)
	if err != nil {
		o.fail(err)
		return err
	}
	return o.bind(ctx, res)
}

// JoinSession binds to the session identified by code and opens the
// channel for it
func (o *Orchestrator) JoinSession(ctx context.Context, code string) error {
	res, err := o.hs.Join(ctx, code, o.cfg.LocalLanguage)
	if err != nil {
		o.fail(err)
		return err
	}
	return o.bind(ctx, res)
}

func (o *Orchestrator) bind(ctx context.Context, res *handshake.Result) error {
	o.poller.Stop()
	if o.session.Bind(res) {
		o.ready(res.PartnerLanguage)
	} else {
		o.poller.Start()
	}
	o.logger.Info("Session bound",
		zap.String("sessionKey", res.SessionKey),
		zap.Stringer("readiness", o.session.Readiness()))

	o.mu.Lock()
	wasOpen := o.open
	o.open = true
	o.mu.Unlock()
	if wasOpen {
		o.channel.Close()
	}

	err := o.channel.Open(ctx, realtime.Target{
		BaseURL:    o.cfg.ServerURL,
		SessionKey: res.SessionKey,
		SourceLang: o.cfg.LocalLanguage,
		TargetLang: o.cfg.TargetLanguage,
	})
	if err != nil {
		o.mu.Lock()
		o.open = false
		o.mu.Unlock()
		o.fail(err)
		return err
	}
	return nil
}

func (o *Orchestrator) ready(partnerLanguage string) {
	o.poller.Stop()
	o.logger.Info("Partner joined", zap.String("partnerLang", partnerLanguage))
	if o.hooks.OnReady != nil {
		o.hooks.OnReady(partnerLanguage)
	}
}

// StartListening sends the session configuration, resets playback and
// starts the microphone. On a device failure listening stays off.
func (o *Orchestrator) StartListening(ctx context.Context) error {
	err := o.startListening(ctx)
	if err != nil && !errors.Is(err, ErrNoSession) {
		o.fail(err)
	}
	return err
}

func (o *Orchestrator) startListening(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.listening {
		return nil
	}
	if o.session.Key() == "" {
		return ErrNoSession
	}

	o.channel.SendSessionUpdate(o.cfg.EnableTranscription)

	if err := o.capture.Start(ctx, o.channel.SendAudioChunk); err != nil {
		return err
	}
	if err := o.player.Reset(); err != nil {
		o.capture.Stop()
		return err
	}

	o.listening = true
	o.logger.Info("Listening started", zap.String("sessionKey", o.session.Key()))
	return nil
}

// StopListening stops the microphone and playback and clears the input
// audio buffered by the endpoint
func (o *Orchestrator) StopListening() error {
	err := o.stopListening()
	if err != nil {
		o.fail(err)
	}
	return err
}

func (o *Orchestrator) stopListening() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.listening {
		return nil
	}

	var errs []error
	if err := o.capture.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := o.player.Stop(); err != nil {
		errs = append(errs, err)
	}
	o.channel.ClearAudioBuffer()
	o.listening = false

	o.logger.Info("Listening stopped", zap.String("sessionKey", o.session.Key()))
	return errors.Join(errs...)
}

// Listening reports whether audio is being captured
func (o *Orchestrator) Listening() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.listening
}

// SendText sends a typed user turn
func (o *Orchestrator) SendText(text string) error {
	if o.session.Key() == "" {
		return ErrNoSession
	}
	o.channel.SendTextMessage(text)
	return nil
}

// reconnected restores the session configuration on a fresh connection
func (o *Orchestrator) reconnected() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.listening {
		o.channel.SendSessionUpdate(o.cfg.EnableTranscription)
	}
}

// handleEvent applies one inbound event
func (o *Orchestrator) handleEvent(ev messages.Event) {
	switch e := ev.(type) {
	case *messages.SessionWaiting:
		o.logger.Debug("Waiting for partner", zap.String("sessionKey", o.session.Key()))

	case *messages.SessionReady:
		if o.session.MarkReady(e.PartnerLang) {
			o.ready(e.PartnerLang)
		}

	case *messages.ResponseAudioDelta:
		o.mu.Lock()
		defer o.mu.Unlock()
		if !o.listening {
			return
		}
		if err := o.player.Play(e.Delta); err != nil {
			o.logger.Warn("Playback failed", zap.Error(err))
		}

	case *messages.SpeechStarted:
		// barge-in: cut off any model speech immediately
		if err := o.player.Stop(); err != nil {
			o.logger.Warn("Failed to stop playback", zap.Error(err))
		}

	case *messages.ResponseAudioTranscriptDelta:
		if o.hooks.OnAssistantTranscript != nil {
			o.hooks.OnAssistantTranscript(e.Delta)
		}

	case *messages.InputTranscriptionCompleted:
		if o.hooks.OnUserTranscript != nil {
			o.hooks.OnUserTranscript(e.Transcript)
		}

	case *messages.ToolResponse:
		o.addGrounding(e)

	case *messages.ResponseDone:
		if o.hooks.OnResponseDone != nil {
			o.hooks.OnResponseDone()
		}

	case *messages.ErrorEvent:
		o.logger.Warn("Realtime error", zap.String("code", e.Error.Code), zap.String("message", e.Error.Message))
		o.fail(errors.New(e.Error.Message))

	case *messages.UnknownEvent:
		o.logger.Warn("Unhandled realtime event", zap.String("type", e.Type))
	}
}

// StartCamera uploads frames from src until StopCamera
func (o *Orchestrator) StartCamera(ctx context.Context, src media.VideoSource) error {
	return o.startLoop(ctx, &o.camera, src)
}

// StopCamera stops camera frame uploads
func (o *Orchestrator) StopCamera() {
	o.stopLoop(&o.camera)
}

// StartScreenShare uploads frames from src until StopScreenShare. It runs
// independently of the camera loop.
func (o *Orchestrator) StartScreenShare(ctx context.Context, src media.VideoSource) error {
	return o.startLoop(ctx, &o.screen, src)
}

// StopScreenShare stops screen frame uploads
func (o *Orchestrator) StopScreenShare() {
	o.stopLoop(&o.screen)
}

// CameraActive reports whether the camera loop is running
func (o *Orchestrator) CameraActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.camera != nil && o.camera.Active()
}

// ScreenShareActive reports whether the screen loop is running
func (o *Orchestrator) ScreenShareActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screen != nil && o.screen.Active()
}

func (o *Orchestrator) startLoop(ctx context.Context, slot **video.FrameLoop, src media.VideoSource) error {
	err := o.startLoopLocked(ctx, slot, src)
	if err != nil {
		o.fail(err)
	}
	return err
}

func (o *Orchestrator) startLoopLocked(ctx context.Context, slot **video.FrameLoop, src media.VideoSource) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if *slot != nil && (*slot).Active() {
		return nil
	}

	loop := video.NewFrameLoop(src, o.uploader, o.session, video.LoopConfig{
		Interval: o.cfg.FrameInterval,
		Clock:    o.cfg.Clock,
	}, o.logger)
	if err := loop.Start(ctx); err != nil {
		return err
	}
	*slot = loop
	return nil
}

func (o *Orchestrator) stopLoop(slot **video.FrameLoop) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// GroundingFiles returns the knowledge sources cited so far
func (o *Orchestrator) GroundingFiles() []GroundingFile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]GroundingFile(nil), o.grounding...)
}

func (o *Orchestrator) addGrounding(e *messages.ToolResponse) {
	result, err := messages.ParseToolResult(e.ToolResult)
	if err != nil {
		o.logger.Warn("Malformed tool result", zap.String("tool", e.ToolName), zap.Error(err))
		return
	}

	files := groundingFiles(result)
	o.mu.Lock()
	o.grounding = append(o.grounding, files...)
	o.mu.Unlock()

	if o.hooks.OnGroundingFiles != nil && len(files) > 0 {
		o.hooks.OnGroundingFiles(files)
	}
}

// Errors returns the user visible errors, oldest first
func (o *Orchestrator) Errors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.errs...)
}

// LastError returns the most recent user visible error
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.errs) == 0 {
		return ""
	}
	return o.errs[len(o.errs)-1]
}

// fail records err for the user. The hook runs without o.mu held so it may
// read the orchestrator.
func (o *Orchestrator) fail(err error) {
	msg := errorMessage(err)

	o.mu.Lock()
	o.errs = append(o.errs, msg)
	if len(o.errs) > maxErrors {
		o.errs = o.errs[len(o.errs)-maxErrors:]
	}
	o.mu.Unlock()

	if o.hooks.OnError != nil {
		o.hooks.OnError(msg)
	}
}

// errorMessage extracts the text shown to the user
func errorMessage(err error) string {
	var hsErr *handshake.Error
	if errors.As(err, &hsErr) {
		return hsErr.Message
	}
	return err.Error()
}

// Close tears down every loop, the channel and the session
func (o *Orchestrator) Close() error {
	o.StopListening()
	o.StopCamera()
	o.StopScreenShare()
	o.poller.Stop()

	o.mu.Lock()
	wasOpen := o.open
	o.open = false
	o.mu.Unlock()

	var err error
	if wasOpen {
		err = o.channel.Close()
	}
	o.session.Reset()
	return err
}
