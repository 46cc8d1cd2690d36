package messages

// Handshake actions
const (
	ActionCreate = "create"
	ActionJoin   = "join"
	ActionStatus = "status"
)

// StatusOK is the status value of a successful handshake or upload response
const StatusOK = "ok"

// HandshakeResponse is returned by every handshake action
type HandshakeResponse struct {
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	SessionKey  string  `json:"session_key,omitempty"`
	Ready       bool    `json:"ready"`
	PartnerLang *string `json:"partner_lang"`
}

// FrameUpload is the body of a frame upload request
type FrameUpload struct {
	Frame           string `json:"frame"` // data URL or bare base64 image
	SessionStateKey string `json:"session_state_key"`
}

// FrameUploadResponse acknowledges a frame upload
type FrameUploadResponse struct {
	Status          string `json:"status,omitempty"`
	Error           string `json:"error,omitempty"`
	SessionStateKey string `json:"session_state_key,omitempty"`
}

// NewHandshakeOK builds a successful handshake response
func NewHandshakeOK(sessionKey string, ready bool, partnerLang string) *HandshakeResponse {
	resp := &HandshakeResponse{Status: StatusOK, SessionKey: sessionKey, Ready: ready}
	if partnerLang != "" {
		resp.PartnerLang = &partnerLang
	}
	return resp
}

// NewHandshakeError builds a failed handshake response
func NewHandshakeError(message string) *HandshakeResponse {
	return &HandshakeResponse{Status: "error", Error: message}
}
