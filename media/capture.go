package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/room4-2/OpenTranslate/schedule"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// ChunkSize is 100ms of 16kHz 16-bit mono PCM
	ChunkSize = 3200
	// ChunkInterval is the real-time pace of one chunk
	ChunkInterval = 100 * time.Millisecond

	wavHeaderSize = 44
)

// PCMCapture streams raw PCM from memory or a file at real-time pace,
// standing in for a microphone
type PCMCapture struct {
	load   func() ([]byte, error)
	clock  clock.Clock
	logger *zap.Logger
	// Loop restarts from the beginning at end of input
	Loop bool

	mu   sync.Mutex
	task *schedule.Task
}

// NewFileCapture creates a capture reading a raw PCM or WAV file at Start
func NewFileCapture(path string, clk clock.Clock, logger *zap.Logger) *PCMCapture {
	return newPCMCapture(func() ([]byte, error) { return LoadPCM(path) }, clk, logger)
}

// NewBufferCapture creates a capture streaming data
func NewBufferCapture(data []byte, clk clock.Clock, logger *zap.Logger) *PCMCapture {
	return newPCMCapture(func() ([]byte, error) { return data, nil }, clk, logger)
}

func newPCMCapture(load func() ([]byte, error), clk clock.Clock, logger *zap.Logger) *PCMCapture {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PCMCapture{load: load, clock: clk, logger: logger}
}

// Start begins emitting one chunk per ChunkInterval
func (c *PCMCapture) Start(ctx context.Context, onChunk func(chunk string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task != nil && c.task.Active() {
		return nil
	}

	data, err := c.load()
	if err != nil {
		return &DeviceError{Device: DeviceMicrophone, Err: err}
	}
	if len(data) == 0 {
		return &DeviceError{Device: DeviceMicrophone, Err: fmt.Errorf("%w: no audio", ErrDeviceUnavailable)}
	}

	pos := 0
	var task *schedule.Task
	task = schedule.Every(c.clock, ChunkInterval, func() {
		if ctx.Err() != nil {
			task.Stop()
			return
		}
		if pos >= len(data) {
			if !c.Loop {
				c.logger.Debug("Audio input exhausted")
				task.Stop()
				return
			}
			pos = 0
		}

		end := min(pos+ChunkSize, len(data))
		chunk := base64.StdEncoding.EncodeToString(data[pos:end])
		pos = end
		onChunk(chunk)
	})
	c.task = task
	return nil
}

// Stop halts capture
func (c *PCMCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task != nil {
		c.task.Stop()
		c.task = nil
	}
	return nil
}

// LoadPCM reads a raw PCM file, skipping a standard WAV header if present
func LoadPCM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return nil, err
	}

	if len(data) > wavHeaderSize && string(data[0:4]) == "RIFF" {
		return data[wavHeaderSize:], nil
	}
	return data, nil
}
