package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultPlaybackRate is the sample rate of model audio
	DefaultPlaybackRate = 24000

	playQueueSize = 256
)

// SoxPlayer pipes raw PCM into a sox process writing to the default output
// device. The process is started on first Play and killed on Reset or Stop,
// which drops whatever it had buffered.
type SoxPlayer struct {
	command    string
	sampleRate int
	logger     *zap.Logger

	mu  sync.Mutex
	out *soxProcess
}

type soxProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	queue chan []byte
	done  chan struct{}
}

// NewSoxPlayer creates a player for 16-bit mono PCM at sampleRate. An empty
// command uses "sox" from PATH.
func NewSoxPlayer(command string, sampleRate int, logger *zap.Logger) *SoxPlayer {
	if command == "" {
		command = "sox"
	}
	if sampleRate <= 0 {
		sampleRate = DefaultPlaybackRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SoxPlayer{command: command, sampleRate: sampleRate, logger: logger}
}

// Play queues one base64 chunk for output
func (p *SoxPlayer) Play(chunk string) error {
	pcm, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return fmt.Errorf("decode audio chunk: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out == nil {
		out, err := p.start()
		if err != nil {
			return &DeviceError{Device: DeviceSpeaker, Err: err}
		}
		p.out = out
	}

	select {
	case p.out.queue <- pcm:
	default:
		p.logger.Warn("Playback queue full, dropping audio", zap.Int("bytes", len(pcm)))
	}
	return nil
}

func (p *SoxPlayer) start() (*soxProcess, error) {
	cmd := exec.Command(p.command,
		"-q",
		"-t", "raw",
		"-r", strconv.Itoa(p.sampleRate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return nil, err
	}

	out := &soxProcess{
		cmd:   cmd,
		stdin: stdin,
		queue: make(chan []byte, playQueueSize),
		done:  make(chan struct{}),
	}
	go p.pump(out)
	return out, nil
}

func (p *SoxPlayer) pump(out *soxProcess) {
	for {
		select {
		case <-out.done:
			return
		case pcm := <-out.queue:
			if _, err := out.stdin.Write(pcm); err != nil {
				p.logger.Debug("Playback write failed", zap.Error(err))
				return
			}
		}
	}
}

// Reset discards queued audio
func (p *SoxPlayer) Reset() error {
	return p.Stop()
}

// Stop kills the output process, discarding queued audio
func (p *SoxPlayer) Stop() error {
	p.mu.Lock()
	out := p.out
	p.out = nil
	p.mu.Unlock()

	if out == nil {
		return nil
	}
	close(out.done)
	out.stdin.Close()
	if out.cmd.Process != nil {
		out.cmd.Process.Kill()
	}
	out.cmd.Wait()
	return nil
}
