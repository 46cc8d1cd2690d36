package handshake

import "sync"

// Readiness is the pairing state of a Session
type Readiness int

const (
	Unbound Readiness = iota
	AwaitingPartner
	Ready
)

func (r Readiness) String() string {
	switch r {
	case AwaitingPartner:
		return "awaiting_partner"
	case Ready:
		return "ready"
	default:
		return "unbound"
	}
}

// Session is the client's view of a paired conversation. It is the single
// writer cell for the session key; collaborators only read it.
//
// The partner language is set if and only if readiness is Ready.
type Session struct {
	mu              sync.RWMutex
	key             string
	readiness       Readiness
	localLanguage   string
	partnerLanguage string
}

// NewSession creates an unbound session for the given local language
func NewSession(localLanguage string) *Session {
	return &Session{localLanguage: localLanguage}
}

// Key returns the current session key, empty while unbound
func (s *Session) Key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// LocalLanguage returns the language of this party
func (s *Session) LocalLanguage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localLanguage
}

// Readiness returns the current pairing state
func (s *Session) Readiness() Readiness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readiness
}

// PartnerLanguage returns the partner's language once Ready
func (s *Session) PartnerLanguage() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partnerLanguage, s.readiness == Ready
}

// Bind applies a create or join result. It reports whether the session
// became Ready.
func (s *Session) Bind(res *Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.key = res.SessionKey
	s.readiness = AwaitingPartner
	s.partnerLanguage = ""
	return s.markReadyLocked(res.Ready, res.PartnerLanguage)
}

// MarkReady moves an awaiting session to Ready. It returns true only for the
// call that performed the transition. A ready signal with no partner language
// leaves the session awaiting.
func (s *Session) MarkReady(partnerLanguage string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markReadyLocked(true, partnerLanguage)
}

func (s *Session) markReadyLocked(ready bool, partnerLanguage string) bool {
	if !ready || partnerLanguage == "" || s.readiness != AwaitingPartner {
		return false
	}
	s.readiness = Ready
	s.partnerLanguage = partnerLanguage
	return true
}

// Reset returns the session to Unbound
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.key = ""
	s.readiness = Unbound
	s.partnerLanguage = ""
}
