package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/room4-2/OpenTranslate/messages"
	"github.com/room4-2/OpenTranslate/session"

	"go.uber.org/zap"
)

const defaultFrameMIME = "image/jpeg"

var errBadFrame = errors.New("invalid frame data")

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, messages.NewHandshakeError("Method not allowed"))
		return
	}

	q := r.URL.Query()
	action := q.Get("action")
	key := strings.TrimSpace(q.Get("session_key"))
	userLang := q.Get("user_lang")

	var (
		p   *session.Pairing
		err error
	)
	switch action {
	case messages.ActionCreate:
		if userLang == "" {
			s.writeJSON(w, http.StatusBadRequest, messages.NewHandshakeError("Missing parameters"))
			return
		}
		p, err = s.sessions.Create(r.Context(), userLang)

	case messages.ActionJoin:
		if key == "" || userLang == "" {
			s.writeJSON(w, http.StatusBadRequest, messages.NewHandshakeError("Missing parameters"))
			return
		}
		p, err = s.sessions.Join(r.Context(), key, userLang)

	case messages.ActionStatus:
		if key == "" {
			s.writeJSON(w, http.StatusBadRequest, messages.NewHandshakeError("Missing parameters"))
			return
		}
		p, err = s.sessions.Status(key)

	default:
		s.writeJSON(w, http.StatusBadRequest, messages.NewHandshakeError("Invalid action"))
		return
	}

	if err != nil {
		status, msg := handshakeFailure(err)
		s.logger.Info("Handshake refused",
			zap.String("action", action),
			zap.String("sessionKey", key),
			zap.Error(err),
		)
		s.writeJSON(w, status, messages.NewHandshakeError(msg))
		return
	}

	s.writeJSON(w, http.StatusOK, messages.NewHandshakeOK(p.Key, p.Ready(), p.PartnerLanguage(userLang)))
}

func handshakeFailure(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "Invalid session_key"
	case errors.Is(err, session.ErrSessionFull):
		return http.StatusConflict, "Session full"
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests, "maximum sessions reached"
	case errors.Is(err, session.ErrKeyCollision):
		return http.StatusInternalServerError, "key collision"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("session_state_key")
	if key == "" {
		http.Error(w, "No session_state_key provided", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	relay := session.NewRelay(conn, s.newUpstream(), s.tools, session.RelayConfig{
		SessionKey:    key,
		SourceLang:    q.Get("source_lang"),
		TargetLang:    q.Get("target_lang"),
		MaxBufferSize: s.config.MaxBufferSize,
	}, s.logger)

	p := s.sessions.Attach(r.Context(), key, relay)
	log := s.logger.With(zap.String("sessionKey", key))
	log.Info("Relay connected", zap.Strings("languages", p.Languages))

	relay.Run(p)

	s.sessions.Detach(key, relay)
	log.Info("Relay closed")
}

func (s *Server) handleUploadFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, messages.FrameUploadResponse{Error: "Method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, messages.FrameUploadResponse{Error: "Invalid request body"})
		return
	}

	var req messages.FrameUpload
	if err := messages.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messages.FrameUploadResponse{Error: "Invalid request body"})
		return
	}
	if req.Frame == "" {
		s.writeJSON(w, http.StatusBadRequest, messages.FrameUploadResponse{Error: "No frame data provided"})
		return
	}
	if req.SessionStateKey == "" {
		s.writeJSON(w, http.StatusBadRequest, messages.FrameUploadResponse{Error: "No session_state_key provided"})
		return
	}

	mimeType, data, err := parseFrame(req.Frame)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, messages.FrameUploadResponse{Error: "Invalid frame data"})
		return
	}

	if err := s.sessions.StoreFrame(r.Context(), req.SessionStateKey, req.Frame); err != nil {
		s.logger.Warn("Failed to store frame", zap.String("sessionKey", req.SessionStateKey), zap.Error(err))
	}
	for _, relay := range s.sessions.Relays(req.SessionStateKey) {
		relay.SendFrame(mimeType, data)
	}

	s.writeJSON(w, http.StatusOK, messages.FrameUploadResponse{
		Status:          "Frame received",
		SessionStateKey: req.SessionStateKey,
	})
}

// parseFrame decodes a data URL, or bare base64 taken as JPEG
func parseFrame(frame string) (string, []byte, error) {
	mimeType := defaultFrameMIME
	payload := frame

	if rest, ok := strings.CutPrefix(frame, "data:"); ok {
		meta, encoded, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return "", nil, errBadFrame
		}
		if m := strings.TrimSuffix(meta, ";base64"); m != "" {
			mimeType = m
		}
		payload = encoded
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	return mimeType, data, nil
}
