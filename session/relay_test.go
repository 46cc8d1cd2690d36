package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/room4-2/OpenTranslate/functions"
	"github.com/room4-2/OpenTranslate/gemini"
	"github.com/room4-2/OpenTranslate/messages"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

type fakeUpstream struct {
	gate      chan struct{} // Connect blocks until closed, if set
	connected chan gemini.Options
	audio     chan []byte
	texts     chan string
	images    chan string
	tools     chan []*genai.FunctionResponse

	mu     sync.Mutex
	events gemini.Events
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		connected: make(chan gemini.Options, 8),
		audio:     make(chan []byte, 16),
		texts:     make(chan string, 8),
		images:    make(chan string, 8),
		tools:     make(chan []*genai.FunctionResponse, 8),
	}
}

func (f *fakeUpstream) Connect(ctx context.Context, opts gemini.Options, events gemini.Events) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()
	f.connected <- opts
	return nil
}

func (f *fakeUpstream) Events() gemini.Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeUpstream) SendAudio(pcm []byte) error {
	f.audio <- pcm
	return nil
}

func (f *fakeUpstream) SendText(text string) error {
	f.texts <- text
	return nil
}

func (f *fakeUpstream) SendImage(mimeType string, data []byte) error {
	f.images <- mimeType + ":" + string(data)
	return nil
}

func (f *fakeUpstream) SendToolResponse(responses []*genai.FunctionResponse) error {
	f.tools <- responses
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type relayServer struct {
	*httptest.Server
	manager *Manager
	relays  chan *Relay
}

func newRelayServer(t *testing.T, up *fakeUpstream, tools Tools, maxBuffer int, m *Manager) *relayServer {
	t.Helper()
	if m == nil {
		m = NewManager(ManagerOptions{}, nil)
	}
	rs := &relayServer{manager: m, relays: make(chan *Relay, 4)}
	upgrader := websocket.Upgrader{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		q := req.URL.Query()
		key := q.Get("session_state_key")
		relay := NewRelay(conn, up, tools, RelayConfig{
			SessionKey:    key,
			SourceLang:    q.Get("source_lang"),
			TargetLang:    q.Get("target_lang"),
			MaxBufferSize: maxBuffer,
		}, nil)
		p := m.Attach(req.Context(), key, relay)
		rs.relays <- relay
		relay.Run(p)
		m.Detach(key, relay)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *relayServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(rs.URL, "http") + "/realtime?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) messages.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	ev, err := messages.DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd messages.Command) {
	t.Helper()
	data, err := messages.Encode(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestRelayAnnouncesWaitingThenReady(t *testing.T) {
	ctx := context.Background()
	m := NewManager(ManagerOptions{Keys: func() (string, error) { return "ABC123", nil }}, nil)
	if _, err := m.Create(ctx, "en"); err != nil {
		t.Fatal(err)
	}
	rs := newRelayServer(t, newFakeUpstream(), nil, 1024, m)

	conn := rs.dial(t, "session_state_key=ABC123&source_lang=en&target_lang=es")
	if _, ok := readEvent(t, conn).(*messages.SessionWaiting); !ok {
		t.Fatal("first event is not session.waiting")
	}
	waitFor(t, rs.relays)

	if _, err := m.Join(ctx, "ABC123", "es"); err != nil {
		t.Fatal(err)
	}
	ready, ok := readEvent(t, conn).(*messages.SessionReady)
	if !ok || ready.PartnerLang != "es" {
		t.Fatalf("event = %#v, want session_ready with es", ready)
	}
}

func TestRelayReadyOnConnectWhenPaired(t *testing.T) {
	ctx := context.Background()
	m := NewManager(ManagerOptions{Keys: func() (string, error) { return "K1", nil }}, nil)
	m.Create(ctx, "en")
	m.Join(ctx, "K1", "fr")
	rs := newRelayServer(t, newFakeUpstream(), nil, 1024, m)

	conn := rs.dial(t, "session_state_key=K1&source_lang=fr")
	ready, ok := readEvent(t, conn).(*messages.SessionReady)
	if !ok || ready.PartnerLang != "en" {
		t.Fatalf("event = %#v", ready)
	}
}

func TestRelayUnknownKeyCreatesSession(t *testing.T) {
	rs := newRelayServer(t, newFakeUpstream(), nil, 1024, nil)
	conn := rs.dial(t, "session_state_key=ADHOC&source_lang=en")
	readEvent(t, conn)
	waitFor(t, rs.relays)

	p, err := rs.manager.Status("ADHOC")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Languages) != 1 || p.Languages[0] != "en" {
		t.Errorf("languages = %v", p.Languages)
	}
}

func TestRelayBuffersAudioUntilUpstreamConnects(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	rs := newRelayServer(t, up, nil, 1024, nil)

	conn := rs.dial(t, "session_state_key=K&source_lang=en&target_lang=es")
	readEvent(t, conn)

	sendCommand(t, conn, messages.NewAudioAppend("AQI="))
	sendCommand(t, conn, messages.NewAudioAppend("AwQ="))
	sendCommand(t, conn, messages.NewUserMessage("marker"))
	// commands are handled in order, so both chunks are pending now
	if got := waitFor(t, up.texts); got != "marker" {
		t.Fatalf("text = %q", got)
	}
	select {
	case <-up.audio:
		t.Fatal("audio forwarded before upstream connected")
	default:
	}

	close(up.gate)
	opts := waitFor(t, up.connected)
	if !strings.Contains(opts.SystemPrompt, "Spanish") || !opts.OutputTranscription {
		t.Errorf("default options = %+v", opts)
	}

	if got := waitFor(t, up.audio); string(got) != "\x01\x02" {
		t.Errorf("first flushed chunk = %v", got)
	}
	if got := waitFor(t, up.audio); string(got) != "\x03\x04" {
		t.Errorf("second flushed chunk = %v", got)
	}

	sendCommand(t, conn, messages.NewAudioAppend("BQY="))
	if got := waitFor(t, up.audio); string(got) != "\x05\x06" {
		t.Errorf("direct chunk = %v", got)
	}
}

func TestRelayClearDropsPendingAudio(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	rs := newRelayServer(t, up, nil, 1024, nil)

	conn := rs.dial(t, "session_state_key=K&source_lang=en")
	readEvent(t, conn)

	sendCommand(t, conn, messages.NewAudioAppend("AQI="))
	sendCommand(t, conn, messages.NewAudioClear())
	sendCommand(t, conn, messages.NewUserMessage("marker"))
	waitFor(t, up.texts)

	close(up.gate)
	waitFor(t, up.connected)

	sendCommand(t, conn, messages.NewAudioAppend("BQY="))
	if got := waitFor(t, up.audio); string(got) != "\x05\x06" {
		t.Errorf("chunk after clear = %v, want only the new chunk", got)
	}
}

func TestRelayBufferFull(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	defer close(up.gate)
	rs := newRelayServer(t, up, nil, 2, nil)

	conn := rs.dial(t, "session_state_key=K&source_lang=en")
	readEvent(t, conn)

	sendCommand(t, conn, messages.NewAudioAppend("AQIDBA=="))
	ev, ok := readEvent(t, conn).(*messages.ErrorEvent)
	if !ok || ev.Error.Code != messages.ErrCodeBufferFull {
		t.Fatalf("event = %#v, want BUFFER_FULL error", ev)
	}
}

func TestRelayRejectsInvalidInput(t *testing.T) {
	rs := newRelayServer(t, newFakeUpstream(), nil, 1024, nil)
	conn := rs.dial(t, "session_state_key=K&source_lang=en")
	readEvent(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	sendCommand(t, conn, messages.NewAudioAppend("%%%"))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.create"}`))

	for _, want := range []string{"Invalid message format", "Invalid base64 audio data"} {
		ev, ok := readEvent(t, conn).(*messages.ErrorEvent)
		if !ok || ev.Error.Code != messages.ErrCodeInvalidMessage || ev.Error.Message != want {
			t.Fatalf("event = %#v, want %q", ev, want)
		}
	}
}

func TestRelaySessionUpdateReconnectsWithOptions(t *testing.T) {
	up := newFakeUpstream()
	rs := newRelayServer(t, up, nil, 1024, nil)
	conn := rs.dial(t, "session_state_key=K&source_lang=en&target_lang=de")
	readEvent(t, conn)

	sendCommand(t, conn, messages.NewSessionUpdate(true))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case opts := <-up.connected:
			if !opts.InputTranscription {
				continue
			}
			if opts.PrefixPaddingMs != 300 || opts.SilenceDurationMs != 200 {
				t.Errorf("vad = %d/%d", opts.PrefixPaddingMs, opts.SilenceDurationMs)
			}
			return
		case <-deadline:
			t.Fatal("no connect with session.update options")
		}
	}
}

func TestRelayMapsUpstreamEvents(t *testing.T) {
	up := newFakeUpstream()
	rs := newRelayServer(t, up, nil, 1024, nil)
	conn := rs.dial(t, "session_state_key=K&source_lang=en&target_lang=es")
	readEvent(t, conn)
	waitFor(t, up.connected)

	events := up.Events()
	events.OnAudio([]byte{1, 2})
	events.OnOutputTranscript("hola")
	events.OnInputTranscript("hello")
	events.OnInterrupted()
	events.OnTurnComplete()

	if ev, ok := readEvent(t, conn).(*messages.ResponseAudioDelta); !ok || ev.Delta != "AQI=" {
		t.Errorf("audio event = %#v", ev)
	}
	if ev, ok := readEvent(t, conn).(*messages.ResponseAudioTranscriptDelta); !ok || ev.Delta != "hola" {
		t.Errorf("transcript event = %#v", ev)
	}
	if ev, ok := readEvent(t, conn).(*messages.InputTranscriptionCompleted); !ok || ev.Transcript != "hello" {
		t.Errorf("input transcript event = %#v", ev)
	}
	if _, ok := readEvent(t, conn).(*messages.SpeechStarted); !ok {
		t.Error("interrupt not mapped to speech_started")
	}
	if _, ok := readEvent(t, conn).(*messages.ResponseDone); !ok {
		t.Error("turn complete not mapped to response.done")
	}
}

func TestRelayToolCalls(t *testing.T) {
	up := newFakeUpstream()
	kb := functions.NewKnowledgeBase([]*functions.Chunk{
		{ID: "menu_pages_2", Title: "menu", Text: "the soup of the day is lentil"},
	}, nil)
	rs := newRelayServer(t, up, kb, 1024, nil)
	conn := rs.dial(t, "session_state_key=K&source_lang=en")
	readEvent(t, conn)

	opts := waitFor(t, up.connected)
	if len(opts.Tools) != 1 {
		t.Fatalf("tools = %+v", opts.Tools)
	}

	up.Events().OnToolCall([]*genai.FunctionCall{{
		ID:   "call-7",
		Name: functions.SearchToolName,
		Args: map[string]any{"search_query": "soup"},
	}})

	ev, ok := readEvent(t, conn).(*messages.ToolResponse)
	if !ok || ev.ToolName != functions.SearchToolName {
		t.Fatalf("event = %#v", ev)
	}
	result, err := messages.ParseToolResult(ev.ToolResult)
	if err != nil || len(result.Sources) != 1 || result.Sources[0].ChunkID != "menu_pages_2" {
		t.Errorf("tool result = %+v, %v", result, err)
	}

	responses := waitFor(t, up.tools)
	if len(responses) != 1 || responses[0].ID != "call-7" {
		t.Errorf("tool responses = %+v", responses)
	}
}

func TestRelayUpstreamErrorClosesClient(t *testing.T) {
	up := newFakeUpstream()
	rs := newRelayServer(t, up, nil, 1024, nil)
	conn := rs.dial(t, "session_state_key=K&source_lang=en")
	readEvent(t, conn)
	waitFor(t, up.connected)

	up.Events().OnError(errors.New("stream reset"))

	ev, ok := readEvent(t, conn).(*messages.ErrorEvent)
	if !ok || ev.Error.Code != messages.ErrCodeGeminiError {
		t.Fatalf("event = %#v", ev)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after upstream error")
	}
}

func TestRelayForwardsFrames(t *testing.T) {
	up := newFakeUpstream()
	rs := newRelayServer(t, up, nil, 1024, nil)
	conn := rs.dial(t, "session_state_key=K&source_lang=en")
	readEvent(t, conn)
	relay := waitFor(t, rs.relays)
	waitFor(t, up.connected)

	// live is set just after Connect returns
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		relay.SendFrame("image/jpeg", []byte("jpg"))
		select {
		case got := <-up.images:
			if got != "image/jpeg:jpg" {
				t.Errorf("image = %q", got)
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("frame not forwarded")
}
