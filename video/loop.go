package video

import (
	"context"
	"sync"
	"time"

	"github.com/room4-2/OpenTranslate/media"
	"github.com/room4-2/OpenTranslate/schedule"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultFrameInterval is the sampling period of a frame loop
const DefaultFrameInterval = 900 * time.Millisecond

// KeySource returns the current session key
type KeySource interface {
	Key() string
}

// LoopConfig configures a FrameLoop
type LoopConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Encoder  *Encoder
}

// FrameLoop owns one video stream and uploads a frame from it every
// interval. Uploads are fire and forget; a slow upload never delays the
// next tick, and failed frames are not retried.
type FrameLoop struct {
	source   media.VideoSource
	uploader Uploader
	keys     KeySource
	cfg      LoopConfig
	logger   *zap.Logger

	mu     sync.Mutex
	stream media.VideoStream
	task   *schedule.Task
}

// NewFrameLoop creates a stopped loop for source
func NewFrameLoop(source media.VideoSource, uploader Uploader, keys KeySource, cfg LoopConfig, logger *zap.Logger) *FrameLoop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFrameInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Encoder == nil {
		cfg.Encoder = NewEncoder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameLoop{
		source:   source,
		uploader: uploader,
		keys:     keys,
		cfg:      cfg,
		logger:   logger.With(zap.String("source", source.Name())),
	}
}

// Start acquires the video stream and begins sampling. Device failures are
// returned and leave the loop stopped.
func (l *FrameLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.task != nil {
		return nil
	}

	stream, err := l.source.Open(ctx)
	if err != nil {
		return err
	}
	l.stream = stream

	l.logger.Info("Frame upload started", zap.Duration("interval", l.cfg.Interval))
	var task *schedule.Task
	task = schedule.Every(l.cfg.Clock, l.cfg.Interval, func() { l.tick(task, stream) })
	l.task = task
	return nil
}

// Stop ends sampling and releases the video stream. An upload in flight is
// left to finish on its own.
func (l *FrameLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.task == nil {
		return
	}
	l.task.Stop()
	l.task = nil

	l.stream.Close()
	l.stream = nil
	l.logger.Info("Frame upload stopped")
}

// Active reports whether the loop is sampling
func (l *FrameLoop) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task != nil
}

func (l *FrameLoop) tick(task *schedule.Task, stream media.VideoStream) {
	if !task.Active() {
		return
	}

	key := l.keys.Key()
	if key == "" {
		l.logger.Debug("No session key, skipping frame")
		return
	}

	img, err := stream.Frame()
	if err != nil {
		l.logger.Warn("Failed to capture frame", zap.Error(err))
		return
	}
	frame, err := l.cfg.Encoder.Encode(img)
	if err != nil {
		l.logger.Warn("Failed to encode frame", zap.Error(err))
		return
	}

	go func() {
		if err := l.uploader.Upload(context.Background(), frame, key); err != nil {
			l.logger.Warn("Frame upload failed", zap.String("sessionKey", key), zap.Error(err))
		}
	}()
}
