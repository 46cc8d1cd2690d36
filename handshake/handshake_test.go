package handshake

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/room4-2/OpenTranslate/messages"

	"github.com/benbjohnson/clock"
)

// pairingServer is a minimal handshake endpoint holding one session
type pairingServer struct {
	mu        sync.Mutex
	key       string
	languages []string
	statusHit chan string
}

func (s *pairingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := r.URL.Query()
	write := func(code int, resp *messages.HandshakeResponse) {
		data, _ := messages.Encode(resp)
		w.WriteHeader(code)
		w.Write(data)
	}
	partner := func(lang string) string {
		for _, l := range s.languages {
			if l != lang {
				return l
			}
		}
		return ""
	}

	switch q.Get("action") {
	case messages.ActionCreate:
		s.languages = []string{q.Get("user_lang")}
		write(http.StatusOK, messages.NewHandshakeOK(s.key, false, ""))
	case messages.ActionJoin:
		switch {
		case q.Get("session_key") != s.key:
			write(http.StatusNotFound, messages.NewHandshakeError("Invalid session_key"))
		case len(s.languages) >= 2:
			write(http.StatusConflict, messages.NewHandshakeError("Session full"))
		default:
			s.languages = append(s.languages, q.Get("user_lang"))
			write(http.StatusOK, messages.NewHandshakeOK(s.key, true, partner(q.Get("user_lang"))))
		}
	case messages.ActionStatus:
		if s.statusHit != nil {
			s.statusHit <- q.Get("session_key")
		}
		if q.Get("session_key") != s.key {
			write(http.StatusNotFound, messages.NewHandshakeError("Invalid session_key"))
			return
		}
		ready := len(s.languages) >= 2
		lang := ""
		if ready {
			lang = partner(q.Get("user_lang"))
		}
		write(http.StatusOK, messages.NewHandshakeOK("", ready, lang))
	default:
		write(http.StatusBadRequest, messages.NewHandshakeError("Invalid action"))
	}
}

func TestCreateAndJoin(t *testing.T) {
	srv := httptest.NewServer(&pairingServer{key: "ABC123"})
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	ctx := context.Background()

	res, err := client.Create(ctx, "en")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.SessionKey != "ABC123" || res.Ready || res.PartnerLanguage != "" {
		t.Fatalf("unexpected create result: %+v", res)
	}

	res, err = client.Join(ctx, " abc123 ", "es")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !res.Ready || res.PartnerLanguage != "en" {
		t.Fatalf("unexpected join result: %+v", res)
	}

	_, err = client.Join(ctx, "ABC123", "fr")
	var hsErr *Error
	if !errors.As(err, &hsErr) || hsErr.Kind != AlreadyFull {
		t.Fatalf("third join error = %v, want AlreadyFull", err)
	}
	if hsErr.Message != "Session full" {
		t.Errorf("Message = %q, want server text verbatim", hsErr.Message)
	}
}

func TestJoinUnknownCodeLeavesSessionUnbound(t *testing.T) {
	srv := httptest.NewServer(&pairingServer{key: "ABC123"})
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	session := NewSession("es")

	res, err := client.Join(context.Background(), "ZZZZZZ", "es")
	if err == nil {
		session.Bind(res)
	}

	var hsErr *Error
	if !errors.As(err, &hsErr) || hsErr.Kind != NotFound {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if hsErr.Message != "Invalid session_key" {
		t.Errorf("Message = %q", hsErr.Message)
	}
	if session.Readiness() != Unbound || session.Key() != "" {
		t.Errorf("session = %s/%q, want unbound", session.Readiness(), session.Key())
	}
}

func TestClientErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		kind ErrorKind
		msg  string
	}{
		{"refused with message", http.StatusTooManyRequests, `{"status":"error","error":"maximum sessions reached"}`, Refused, "maximum sessions reached"},
		{"status not ok on 200", http.StatusOK, `{"status":"busy","error":"try later"}`, Refused, "try later"},
		{"empty error text", http.StatusBadRequest, `{"status":"error"}`, Refused, "Bad Request"},
		{"not json", http.StatusBadGateway, `<html>`, Refused, "unexpected handshake response (HTTP 502)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, nil, nil).Create(context.Background(), "en")
			var hsErr *Error
			if !errors.As(err, &hsErr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if hsErr.Kind != tt.kind || hsErr.Message != tt.msg {
				t.Errorf("got %s %q, want %s %q", hsErr.Kind, hsErr.Message, tt.kind, tt.msg)
			}
		})
	}
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, nil, nil).Status(context.Background(), "ABC123", "en")
	var hsErr *Error
	if !errors.As(err, &hsErr) || hsErr.Kind != Transport {
		t.Fatalf("error = %v, want Transport", err)
	}
}

func TestSessionPartnerLanguageIffReady(t *testing.T) {
	s := NewSession("en")
	check := func() {
		t.Helper()
		lang, ok := s.PartnerLanguage()
		if ok != (s.Readiness() == Ready) || (lang != "") != ok {
			t.Fatalf("readiness %s with partner %q", s.Readiness(), lang)
		}
	}

	check()
	if s.MarkReady("es") {
		t.Fatal("unbound session became ready")
	}
	check()

	if s.Bind(&Result{SessionKey: "ABC123"}) {
		t.Fatal("bind without partner reported ready")
	}
	check()

	if s.MarkReady("") {
		t.Fatal("ready without partner language")
	}
	check()

	if !s.MarkReady("es") {
		t.Fatal("MarkReady did not transition")
	}
	check()
	if s.MarkReady("fr") {
		t.Fatal("second MarkReady transitioned again")
	}
	if lang, _ := s.PartnerLanguage(); lang != "es" {
		t.Errorf("partner = %q", lang)
	}

	s.Reset()
	check()
}

func TestKeyGenerators(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := CodeKey()
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q has length %d", code, len(code))
		}
		for _, c := range code {
			if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
				t.Fatalf("code %q has invalid character %q", code, c)
			}
		}

		key, err := OpaqueKey()
		if err != nil {
			t.Fatal(err)
		}
		if len(key) != 8 {
			t.Fatalf("key %q has length %d", key, len(key))
		}
		if key != strings.ToUpper(key) {
			t.Fatalf("key %q is not upper case", key)
		}
		if seen[key] {
			t.Fatalf("duplicate key %q", key)
		}
		seen[key] = true
	}
}

func TestPollUntilReadyScenario(t *testing.T) {
	backend := &pairingServer{key: "ABC123", statusHit: make(chan string, 10)}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	session := NewSession("en")

	res, err := client.Create(context.Background(), "en")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.Bind(res) {
		t.Fatal("session ready before partner joined")
	}

	mock := clock.NewMock()
	readyCalls := make(chan string, 10)
	poller := NewPoller(client, session, PollerConfig{
		Interval: DefaultPollInterval,
		Clock:    mock,
		OnReady:  func(lang string) { readyCalls <- lang },
	}, nil)
	poller.Start()
	defer poller.Stop()

	mock.Add(DefaultPollInterval)
	waitFor(t, backend.statusHit)
	if session.Readiness() != AwaitingPartner {
		t.Fatalf("readiness = %s before partner joined", session.Readiness())
	}

	if _, err := client.Join(context.Background(), "ABC123", "es"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	mock.Add(DefaultPollInterval)
	waitFor(t, backend.statusHit)
	if lang := waitFor(t, readyCalls); lang != "es" {
		t.Fatalf("OnReady partner = %q, want es", lang)
	}
	if lang, ok := session.PartnerLanguage(); !ok || lang != "es" {
		t.Fatalf("session partner = %q ready=%v", lang, ok)
	}

	// polling has stopped; further ticks neither poll nor re-fire OnReady
	mock.Add(DefaultPollInterval)
	mock.Add(DefaultPollInterval)
	select {
	case key := <-backend.statusHit:
		t.Fatalf("poll after ready for %s", key)
	case lang := <-readyCalls:
		t.Fatalf("OnReady fired again with %s", lang)
	case <-time.After(50 * time.Millisecond):
	}
	if poller.Running() {
		t.Error("poller still running")
	}
}

type failingChecker struct {
	calls chan struct{}
}

func (f *failingChecker) Status(ctx context.Context, key, lang string) (*Result, error) {
	f.calls <- struct{}{}
	return nil, &Error{Kind: Transport, Message: "handshake request failed"}
}

func TestPollerKeepsPollingOnFailure(t *testing.T) {
	session := NewSession("en")
	session.Bind(&Result{SessionKey: "ABC123"})

	checker := &failingChecker{calls: make(chan struct{}, 10)}
	errs := make(chan error, 10)
	mock := clock.NewMock()
	poller := NewPoller(checker, session, PollerConfig{
		Clock:   mock,
		OnError: func(err error) { errs <- err },
	}, nil)
	poller.Start()

	for i := 0; i < 3; i++ {
		mock.Add(DefaultPollInterval)
		waitFor(t, checker.calls)
		waitFor(t, errs)
	}
	if !poller.Running() {
		t.Fatal("poller stopped after transient failures")
	}

	poller.Stop()
	mock.Add(DefaultPollInterval)
	select {
	case <-checker.calls:
		t.Fatal("poll after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollerDoesNotStartWhenUnbound(t *testing.T) {
	poller := NewPoller(&failingChecker{calls: make(chan struct{}, 1)}, NewSession("en"), PollerConfig{Clock: clock.NewMock()}, nil)
	poller.Start()
	if poller.Running() {
		t.Fatal("poller running for unbound session")
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
