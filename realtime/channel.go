// Package realtime implements the persistent command/event channel between a
// client and the realtime endpoint.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/room4-2/OpenTranslate/messages"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectDelay is the pause between reconnect attempts
	DefaultReconnectDelay = time.Second

	writeBufferSize  = 256
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 512 * 1024
)

// ErrOpenInProgress is returned when two Open calls race on one channel
var ErrOpenInProgress = errors.New("realtime channel opened concurrently")

// Handler receives one decoded inbound event
type Handler func(messages.Event)

// Config configures a Channel
type Config struct {
	ReconnectDelay time.Duration
	Clock          clock.Clock
	Dialer         *websocket.Dialer
}

// Channel owns one persistent websocket connection. Commands sent while no
// connection is open are dropped. A connection that closes for any reason
// other than Close is redialed after ReconnectDelay, forever.
type Channel struct {
	cfg    Config
	logger *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	onConnect  func()

	mu      sync.Mutex
	conn    *websocket.Conn
	writeCh chan []byte
	url     string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewChannel creates an unopened channel
func NewChannel(cfg Config, logger *zap.Logger) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// On registers the handler for an event type, replacing any previous one
func (c *Channel) On(eventType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[eventType] = h
}

// OnConnect sets a function run after every successful (re)connect, before
// any inbound event of that connection is dispatched
func (c *Channel) OnConnect(fn func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onConnect = fn
}

// Open starts the connection loop for target and waits for the first dial
// attempt. Dial failures are retried; an invalid target or a ctx ending
// before the first attempt is returned, and in the latter case the loop is
// stopped. Opening an open channel for another target replaces its loop.
func (c *Channel) Open(ctx context.Context, target Target) error {
	u, err := target.URL()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.cancel != nil && c.url == u {
		c.mu.Unlock()
		return nil
	}
	running := c.cancel != nil
	c.mu.Unlock()
	if running {
		c.logger.Info("Realtime channel retargeted", zap.String("url", u))
		c.Close()
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrOpenInProgress
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.url = u
	c.mu.Unlock()

	first := make(chan struct{})
	c.wg.Add(1)
	go c.run(runCtx, u, first)

	select {
	case <-first:
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
	return nil
}

// Connected reports whether a connection is currently open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) run(ctx context.Context, u string, first chan struct{}) {
	defer c.wg.Done()

	signal := func() {
		if first != nil {
			close(first)
			first = nil
		}
	}
	defer signal()

	log := c.logger.With(zap.String("url", u))
	for {
		conn, err := c.dial(ctx, u)
		if err == nil {
			log.Info("Realtime channel connected")
			c.serve(ctx, conn, log, signal)
		} else if ctx.Err() == nil {
			log.Warn("Realtime dial failed", zap.Error(err))
		}
		signal()

		if ctx.Err() != nil {
			return
		}

		log.Info("Reconnecting realtime channel", zap.Duration("delay", c.cfg.ReconnectDelay))
		select {
		case <-ctx.Done():
			return
		case <-c.cfg.Clock.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Channel) dial(ctx context.Context, u string) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		te := &TransportError{Op: "dial", Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return nil, te
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// serve runs one connection until its read side fails. connected is called
// once the connection accepts commands.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, log *zap.Logger, connected func()) {
	writeCh := make(chan []byte, writeBufferSize)
	done := make(chan struct{})

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.writeCh = writeCh
	c.mu.Unlock()

	go c.writePump(conn, writeCh, done, log)

	c.handlersMu.RLock()
	onConnect := c.onConnect
	c.handlersMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}
	connected()

	c.readLoop(ctx, conn, log)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.writeCh = nil
	}
	c.mu.Unlock()

	close(done)
	conn.Close()
}

// writePump is the only writer of conn; commands leave in send order
func (c *Channel) writePump(conn *websocket.Conn, writeCh <-chan []byte, done <-chan struct{}, log *zap.Logger) {
	for {
		select {
		case <-done:
			return
		case data := <-writeCh:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("Realtime write failed", zap.Error(&TransportError{Op: "write", Err: err}))
				// unblocks the read loop, which triggers a reconnect
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, log *zap.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Info("Realtime channel closed", zap.Error(&TransportError{Op: "read", Err: err}))
			}
			return
		}

		ev, err := messages.DecodeEvent(data)
		if err != nil {
			log.Warn("Failed to decode realtime event", zap.Error(err))
			continue
		}
		c.dispatch(ev, log)
	}
}

func (c *Channel) dispatch(ev messages.Event, log *zap.Logger) {
	if _, unknown := ev.(*messages.UnknownEvent); unknown {
		log.Warn("Unknown realtime event", zap.String("type", ev.EventType()))
		return
	}

	c.handlersMu.RLock()
	h, ok := c.handlers[ev.EventType()]
	c.handlersMu.RUnlock()

	if !ok {
		log.Debug("No handler for realtime event", zap.String("type", ev.EventType()))
		return
	}
	h(ev)
}

// send queues a command on the open connection, or drops it
func (c *Channel) send(cmd messages.Command) {
	data, err := messages.Encode(cmd)
	if err != nil {
		c.logger.Error("Failed to encode command", zap.String("type", cmd.CommandType()), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeCh == nil {
		c.logger.Debug("Channel not open, dropping command", zap.String("type", cmd.CommandType()))
		return
	}
	select {
	case c.writeCh <- data:
	default:
		c.logger.Warn("Write queue full, dropping command", zap.String("type", cmd.CommandType()))
	}
}

// SendSessionUpdate configures server voice activity detection and,
// optionally, input transcription
func (c *Channel) SendSessionUpdate(enableTranscription bool) {
	c.send(messages.NewSessionUpdate(enableTranscription))
}

// SendAudioChunk forwards one base64 PCM chunk
func (c *Channel) SendAudioChunk(chunk string) {
	c.send(messages.NewAudioAppend(chunk))
}

// ClearAudioBuffer discards input audio buffered by the endpoint
func (c *Channel) ClearAudioBuffer() {
	c.send(messages.NewAudioClear())
}

// SendTextMessage sends a free-text user turn
func (c *Channel) SendTextMessage(text string) {
	c.send(messages.NewUserMessage(text))
}

// Close stops the channel and waits for its goroutines. The channel can be
// opened again afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	c.cancel = nil
	c.url = ""
	conn := c.conn
	c.conn = nil
	c.writeCh = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		)
		conn.Close()
	}

	c.wg.Wait()
	return nil
}
