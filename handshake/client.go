// Package handshake creates, joins and polls paired sessions over the
// out-of-band handshake endpoint.
package handshake

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/room4-2/OpenTranslate/messages"

	"go.uber.org/zap"
)

const (
	handshakePath  = "/handshake"
	requestTimeout = 10 * time.Second
	maxResponse    = 64 * 1024
)

// Result is the outcome of a successful handshake call
type Result struct {
	SessionKey      string
	Ready           bool
	PartnerLanguage string
}

// Client calls the handshake endpoint of a server
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a handshake client for the server at baseURL. A nil
// httpClient uses a client with a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Create allocates a new session for localLanguage
func (c *Client) Create(ctx context.Context, localLanguage string) (*Result, error) {
	return c.do(ctx, url.Values{
		"action":    {messages.ActionCreate},
		"user_lang": {localLanguage},
	})
}

// Join binds localLanguage to the session identified by code
func (c *Client) Join(ctx context.Context, code, localLanguage string) (*Result, error) {
	return c.do(ctx, url.Values{
		"action":      {messages.ActionJoin},
		"session_key": {strings.ToUpper(strings.TrimSpace(code))},
		"user_lang":   {localLanguage},
	})
}

// Status reports whether the session has been paired. It has no side effects
// on the server.
func (c *Client) Status(ctx context.Context, sessionKey, localLanguage string) (*Result, error) {
	res, err := c.do(ctx, url.Values{
		"action":      {messages.ActionStatus},
		"session_key": {sessionKey},
		"user_lang":   {localLanguage},
	})
	if err != nil {
		return nil, err
	}
	if res.SessionKey == "" {
		res.SessionKey = sessionKey
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, params url.Values) (*Result, error) {
	target := c.baseURL + handshakePath + "?" + params.Encode()
	action := params.Get("action")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Kind: Transport, Message: "invalid handshake request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: Transport, Message: "handshake request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, &Error{Kind: Transport, Message: "failed to read handshake response", Err: err}
	}

	var hr messages.HandshakeResponse
	if err := messages.Unmarshal(body, &hr); err != nil {
		return nil, &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Message: fmt.Sprintf("unexpected handshake response (HTTP %d)", resp.StatusCode),
			Err:     err,
		}
	}

	if hr.Status != messages.StatusOK {
		msg := hr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("Handshake refused",
			zap.String("action", action),
			zap.Int("httpStatus", resp.StatusCode),
			zap.String("error", msg))
		return nil, &Error{Kind: kindForStatus(resp.StatusCode), Message: msg}
	}

	res := &Result{SessionKey: hr.SessionKey, Ready: hr.Ready}
	if hr.PartnerLang != nil {
		res.PartnerLanguage = *hr.PartnerLang
	}
	c.logger.Debug("Handshake ok",
		zap.String("action", action),
		zap.String("sessionKey", res.SessionKey),
		zap.Bool("ready", res.Ready))
	return res, nil
}

func kindForStatus(code int) ErrorKind {
	switch code {
	case http.StatusNotFound:
		return NotFound
	case http.StatusConflict:
		return AlreadyFull
	default:
		return Refused
	}
}
