package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/room4-2/OpenTranslate/messages"
)

const (
	uploadPath    = "/api/upload_video_frame"
	uploadTimeout = 5 * time.Second
)

// UploadError reports a failed frame upload. StatusCode is zero when no
// response was received.
type UploadError struct {
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload frame (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload frame: %v", e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Uploader delivers one encoded frame tagged with a session key
type Uploader interface {
	Upload(ctx context.Context, frame, sessionKey string) error
}

// HTTPUploader posts frames to the frame endpoint of a server
type HTTPUploader struct {
	url        string
	httpClient *http.Client
}

// NewHTTPUploader creates an uploader for the server at baseURL
func NewHTTPUploader(baseURL string, httpClient *http.Client) *HTTPUploader {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: uploadTimeout}
	}
	return &HTTPUploader{
		url:        strings.TrimSuffix(baseURL, "/") + uploadPath,
		httpClient: httpClient,
	}
}

// Upload posts one frame. The response body is only read for its error text.
func (u *HTTPUploader) Upload(ctx context.Context, frame, sessionKey string) error {
	body, err := messages.Encode(&messages.FrameUpload{Frame: frame, SessionStateKey: sessionKey})
	if err != nil {
		return &UploadError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return &UploadError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg := http.StatusText(resp.StatusCode)
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var fr messages.FrameUploadResponse
	if messages.Unmarshal(data, &fr) == nil && fr.Error != "" {
		msg = fr.Error
	}
	return &UploadError{StatusCode: resp.StatusCode, Err: errors.New(msg)}
}
