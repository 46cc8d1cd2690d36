package handshake

import "fmt"

// ErrorKind classifies a handshake failure
type ErrorKind int

const (
	// Refused means the server rejected the request (bad language, rate limit)
	Refused ErrorKind = iota
	// NotFound means the session key is unknown
	NotFound
	// AlreadyFull means two parties are already bound to the session
	AlreadyFull
	// Transport means the request never produced a usable response
	Transport
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyFull:
		return "already full"
	case Transport:
		return "transport"
	default:
		return "refused"
	}
}

// Error is returned by every failed handshake call. Message is the server's
// error text, suitable for showing to the user as is.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("handshake %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
