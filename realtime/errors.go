package realtime

import "fmt"

// TransportError is a connection level failure of the channel
type TransportError struct {
	Op         string // "dial", "read" or "write"
	StatusCode int    // HTTP status of a failed upgrade, if any
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime %s (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
