// Package media defines the capture and playback devices used by a client,
// with implementations backed by files and the sox command line player.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Device names used in DeviceError
const (
	DeviceMicrophone = "microphone"
	DeviceSpeaker    = "speaker"
	DeviceCamera     = "camera"
	DeviceScreen     = "screen"
)

var (
	// ErrDeviceUnavailable means the device does not exist or cannot be opened
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrStreamClosed is returned by a stopped video stream
	ErrStreamClosed = errors.New("stream closed")
)

// DeviceError reports a capture or playback device failure
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// AudioCapture produces base64 encoded PCM chunks until stopped
type AudioCapture interface {
	Start(ctx context.Context, onChunk func(chunk string)) error
	Stop() error
}

// Player plays base64 encoded PCM chunks
type Player interface {
	Play(chunk string) error
	// Reset discards queued audio and readies the player for new audio
	Reset() error
	// Stop discards queued audio and halts output
	Stop() error
}

// VideoSource is a camera or screen provider
type VideoSource interface {
	Name() string
	Open(ctx context.Context) (VideoStream, error)
}

// VideoStream is an open video source. It is owned by whoever opened it.
type VideoStream interface {
	Frame() (image.Image, error)
	Close() error
}
