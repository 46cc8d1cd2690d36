package handshake

import (
	"context"
	"sync"
	"time"

	"github.com/room4-2/OpenTranslate/schedule"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultPollInterval is the period between status checks
const DefaultPollInterval = 2 * time.Second

// StatusChecker reports the pairing state of a session
type StatusChecker interface {
	Status(ctx context.Context, sessionKey, localLanguage string) (*Result, error)
}

// PollerConfig configures a Poller
type PollerConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	// OnReady is called once, when polling observes the partner
	OnReady func(partnerLanguage string)
	// OnError is called for every failed status check; polling continues
	OnError func(err error)
}

// Poller checks session status on a fixed period until the session is Ready
// or the poller is stopped. Checks do not wait on each other; a result that
// arrives after Stop is discarded.
type Poller struct {
	checker StatusChecker
	session *Session
	cfg     PollerConfig
	logger  *zap.Logger

	mu   sync.Mutex
	task *schedule.Task
}

// NewPoller creates a poller for session
func NewPoller(checker StatusChecker, session *Session, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		checker: checker,
		session: session,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start begins polling. It is a no-op if the session is not awaiting a
// partner or polling is already running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.task != nil && p.task.Active() {
		return
	}
	if p.session.Readiness() != AwaitingPartner {
		return
	}

	p.logger.Info("Polling session status",
		zap.String("sessionKey", p.session.Key()),
		zap.Duration("interval", p.cfg.Interval))
	p.task = schedule.Every(p.cfg.Clock, p.cfg.Interval, p.tick)
}

// Stop cancels polling. An in-flight check is not aborted.
func (p *Poller) Stop() {
	p.mu.Lock()
	task := p.task
	p.mu.Unlock()

	if task != nil {
		task.Stop()
	}
}

// Running reports whether polling is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task != nil && p.task.Active()
}

func (p *Poller) tick() {
	p.mu.Lock()
	task := p.task
	p.mu.Unlock()

	if p.session.Readiness() == Ready {
		task.Stop()
		return
	}

	key := p.session.Key()
	lang := p.session.LocalLanguage()
	go p.check(task, key, lang)
}

func (p *Poller) check(task *schedule.Task, key, lang string) {
	res, err := p.checker.Status(context.Background(), key, lang)
	if !task.Active() || p.session.Key() != key {
		return
	}

	if err != nil {
		p.logger.Warn("Session status check failed",
			zap.String("sessionKey", key),
			zap.Error(err))
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
		return
	}

	if !res.Ready {
		return
	}
	if !p.session.MarkReady(res.PartnerLanguage) {
		if p.session.Readiness() == Ready {
			task.Stop()
		}
		return
	}

	task.Stop()
	p.logger.Info("Session ready",
		zap.String("sessionKey", key),
		zap.String("partnerLang", res.PartnerLanguage))
	if p.cfg.OnReady != nil {
		p.cfg.OnReady(res.PartnerLanguage)
	}
}
