package media

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
)

// StillSource is a video source that always shows the same image
type StillSource struct {
	name string
	load func() (image.Image, error)
}

// NewImageFileSource creates a source that decodes a JPEG or PNG file on Open
func NewImageFileSource(name, path string) *StillSource {
	return &StillSource{name: name, load: func() (image.Image, error) {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
			}
			return nil, err
		}
		defer f.Close()

		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return img, nil
	}}
}

// NewImageSource creates a source showing img
func NewImageSource(name string, img image.Image) *StillSource {
	return &StillSource{name: name, load: func() (image.Image, error) { return img, nil }}
}

func (s *StillSource) Name() string { return s.name }

// Open acquires the source
func (s *StillSource) Open(ctx context.Context) (VideoStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := s.load()
	if err != nil {
		return nil, &DeviceError{Device: s.name, Err: err}
	}
	return &stillStream{img: img}, nil
}

type stillStream struct {
	mu     sync.Mutex
	img    image.Image
	closed bool
}

func (s *stillStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	return s.img, nil
}

func (s *stillStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
