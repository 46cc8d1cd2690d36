package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const realtimePath = "/realtime"

// ErrInvalidTarget is returned when a connection target cannot be built
var ErrInvalidTarget = errors.New("invalid realtime target")

// Target identifies the realtime endpoint and the session parameters that
// are embedded in the connection URL
type Target struct {
	BaseURL    string // http(s) or ws(s) server address
	SessionKey string
	SourceLang string
	TargetLang string // optional
}

// URL returns the websocket URL for the target
func (t Target) URL() (string, error) {
	if t.SessionKey == "" {
		return "", fmt.Errorf("%w: empty session key", ErrInvalidTarget)
	}

	u, err := url.Parse(t.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	q := url.Values{}
	q.Set("session_state_key", t.SessionKey)
	if t.SourceLang != "" {
		q.Set("source_lang", t.SourceLang)
	}
	if t.TargetLang != "" {
		q.Set("target_lang", t.TargetLang)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath
	u.RawQuery = q.Encode()
	return u.String(), nil
}
