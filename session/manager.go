package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/room4-2/OpenTranslate/config"
	"github.com/room4-2/OpenTranslate/handshake"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// MaxParties is the number of languages a session can bind
	MaxParties = 2

	activeSessionsKey = "active_sessions"
	cleanupInterval   = time.Minute
	keyAttempts       = 5
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session full")
	ErrTooManySessions = errors.New("maximum sessions reached")
	ErrKeyCollision    = errors.New("key collision")
)

// Pairing is a snapshot of one paired session
type Pairing struct {
	Key          string
	Languages    []string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Ready reports whether both parties are bound
func (p *Pairing) Ready() bool {
	return len(p.Languages) >= MaxParties
}

// PartnerLanguage returns the language bound by the party other than
// userLang. When both parties chose the same language the second entry is
// returned. Empty until the session is ready.
func (p *Pairing) PartnerLanguage(userLang string) string {
	if !p.Ready() {
		return ""
	}
	for _, lang := range p.Languages {
		if lang != userLang {
			return lang
		}
	}
	return p.Languages[len(p.Languages)-1]
}

type pairing struct {
	Pairing
	relays map[*Relay]struct{}
}

func (p *pairing) snapshot() *Pairing {
	s := p.Pairing
	s.Languages = append([]string(nil), p.Languages...)
	return &s
}

// ManagerOptions configures a Manager
type ManagerOptions struct {
	MaxSessions    int
	SessionTimeout time.Duration
	Keys           handshake.KeyGenerator
	Redis          *redis.Client // optional mirror
	Clock          clock.Clock
}

// Manager holds all paired sessions in memory, mirrored to redis when
// available, and the relays connected to each of them
type Manager struct {
	opts   ManagerOptions
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*pairing
	frames   map[string]string
}

// ConnectRedis returns a client for cfg, or nil if redis is unreachable
func ConnectRedis(cfg *config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, keeping sessions in memory only", zap.String("addr", cfg.RedisURL), zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("Connected to redis", zap.String("addr", cfg.RedisURL))
	return client
}

// NewManager creates a session manager
func NewManager(opts ManagerOptions, logger *zap.Logger) *Manager {
	if opts.Keys == nil {
		opts.Keys = handshake.OpaqueKey
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*pairing),
		frames:   make(map[string]string),
	}
}

// Create allocates a session with userLang bound as the first party
func (m *Manager) Create(ctx context.Context, userLang string) (*Pairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.MaxSessions > 0 && len(m.sessions) >= m.opts.MaxSessions {
		return nil, ErrTooManySessions
	}

	key, err := m.newKeyLocked()
	if err != nil {
		return nil, err
	}

	now := m.opts.Clock.Now()
	p := &pairing{
		Pairing: Pairing{Key: key, Languages: []string{userLang}, CreatedAt: now, LastActivity: now},
		relays:  make(map[*Relay]struct{}),
	}
	m.sessions[key] = p
	m.storeLocked(ctx, p)

	m.logger.Info("Session created", zap.String("sessionKey", key), zap.String("userLang", userLang))
	return p.snapshot(), nil
}

func (m *Manager) newKeyLocked() (string, error) {
	for i := 0; i < keyAttempts; i++ {
		key, err := m.opts.Keys()
		if err != nil {
			return "", err
		}
		if _, exists := m.sessions[key]; !exists {
			return key, nil
		}
	}
	return "", ErrKeyCollision
}

// Join binds userLang as the second party of key and notifies the relays
// already connected to the session
func (m *Manager) Join(ctx context.Context, key, userLang string) (*Pairing, error) {
	m.mu.Lock()
	p, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if p.Ready() {
		m.mu.Unlock()
		return nil, ErrSessionFull
	}

	p.Languages = append(p.Languages, userLang)
	p.LastActivity = m.opts.Clock.Now()
	m.storeLocked(ctx, p)

	snap := p.snapshot()
	relays := relayList(p)
	m.mu.Unlock()

	m.logger.Info("Session joined", zap.String("sessionKey", key), zap.Strings("languages", snap.Languages))
	for _, r := range relays {
		r.NotifyReady(snap.PartnerLanguage(r.Language()))
	}
	return snap, nil
}

// Status returns the current state of key
func (m *Manager) Status(key string) (*Pairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.sessions[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	p.LastActivity = m.opts.Clock.Now()
	return p.snapshot(), nil
}

// Attach registers a relay for key. An unknown key creates a session with
// the relay's language bound.
func (m *Manager) Attach(ctx context.Context, key string, r *Relay) *Pairing {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.sessions[key]
	if !ok {
		now := m.opts.Clock.Now()
		p = &pairing{
			Pairing: Pairing{Key: key, Languages: []string{r.Language()}, CreatedAt: now, LastActivity: now},
			relays:  make(map[*Relay]struct{}),
		}
		m.sessions[key] = p
		m.storeLocked(ctx, p)
		m.logger.Info("Session created on connect", zap.String("sessionKey", key))
	}
	p.relays[r] = struct{}{}
	p.LastActivity = m.opts.Clock.Now()
	return p.snapshot()
}

// Detach unregisters a relay
func (m *Manager) Detach(key string, r *Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.sessions[key]; ok {
		delete(p.relays, r)
	}
}

// Relays returns the relays connected to key
func (m *Manager) Relays(key string) []*Relay {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.sessions[key]
	if !ok {
		return nil
	}
	return relayList(p)
}

func relayList(p *pairing) []*Relay {
	relays := make([]*Relay, 0, len(p.relays))
	for r := range p.relays {
		relays = append(relays, r)
	}
	return relays
}

// StoreFrame keeps the latest video frame of key, in redis when available
func (m *Manager) StoreFrame(ctx context.Context, key, frame string) error {
	m.mu.Lock()
	m.frames[key] = frame
	if p, ok := m.sessions[key]; ok {
		p.LastActivity = m.opts.Clock.Now()
	}
	m.mu.Unlock()

	if m.opts.Redis != nil {
		if err := m.opts.Redis.Set(ctx, frameKey(key), frame, m.opts.SessionTimeout).Err(); err != nil {
			return fmt.Errorf("store frame: %w", err)
		}
	}
	return nil
}

// LatestFrame returns the last frame stored for key
func (m *Manager) LatestFrame(ctx context.Context, key string) (string, bool) {
	m.mu.RLock()
	frame, ok := m.frames[key]
	m.mu.RUnlock()
	if ok || m.opts.Redis == nil {
		return frame, ok
	}

	frame, err := m.opts.Redis.Get(ctx, frameKey(key)).Result()
	if err != nil {
		return "", false
	}
	return frame, true
}

// Count returns the number of sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Remove deletes a session and closes its relays
func (m *Manager) Remove(ctx context.Context, key string) {
	m.mu.Lock()
	p, ok := m.sessions[key]
	if ok {
		m.removeLocked(ctx, key)
	}
	m.mu.Unlock()

	if ok {
		for _, r := range relayList(p) {
			r.Close()
		}
	}
}

func (m *Manager) removeLocked(ctx context.Context, key string) {
	delete(m.sessions, key)
	delete(m.frames, key)

	if m.opts.Redis != nil {
		m.opts.Redis.Del(ctx, sessionKey(key), frameKey(key))
		m.opts.Redis.SRem(ctx, activeSessionsKey, key)
	}
}

// CleanupInactiveSessions removes sessions without relays that have been
// idle longer than the session timeout
func (m *Manager) CleanupInactiveSessions(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.SessionTimeout <= 0 {
		return 0
	}

	now := m.opts.Clock.Now()
	removed := 0
	for key, p := range m.sessions {
		if len(p.relays) > 0 || now.Sub(p.LastActivity) <= m.opts.SessionTimeout {
			continue
		}
		m.removeLocked(ctx, key)
		removed++
	}
	if removed > 0 {
		m.logger.Info("Removed inactive sessions", zap.Int("count", removed))
	}
	return removed
}

// StartCleanupRoutine runs CleanupInactiveSessions every minute until ctx
// is done
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := m.opts.Clock.Ticker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveSessions(ctx)
		}
	}
}

// Restore loads the sessions mirrored in redis
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.opts.Redis == nil {
		return 0, nil
	}

	keys, err := m.opts.Redis.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, key := range keys {
		fields, err := m.opts.Redis.HGetAll(ctx, sessionKey(key)).Result()
		if err != nil || len(fields) == 0 {
			// expired hash, drop the stale set member
			m.opts.Redis.SRem(ctx, activeSessionsKey, key)
			continue
		}
		if _, exists := m.sessions[key]; exists {
			continue
		}

		p := &pairing{Pairing: Pairing{Key: key}, relays: make(map[*Relay]struct{})}
		if langs := fields["languages"]; langs != "" {
			p.Languages = strings.Split(langs, ",")
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, fields["created_at"])
		p.LastActivity = m.opts.Clock.Now()
		m.sessions[key] = p
		restored++
	}
	return restored, nil
}

// storeLocked mirrors a session to redis
func (m *Manager) storeLocked(ctx context.Context, p *pairing) {
	if m.opts.Redis == nil {
		return
	}

	pipe := m.opts.Redis.TxPipeline()
	pipe.HSet(ctx, sessionKey(p.Key), map[string]interface{}{
		"languages":     strings.Join(p.Languages, ","),
		"created_at":    p.CreatedAt.Format(time.RFC3339),
		"last_activity": p.LastActivity.Format(time.RFC3339),
		"status":        "active",
	})
	pipe.SAdd(ctx, activeSessionsKey, p.Key)
	if m.opts.SessionTimeout > 0 {
		pipe.Expire(ctx, sessionKey(p.Key), m.opts.SessionTimeout)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("Failed to mirror session to redis", zap.String("sessionKey", p.Key), zap.Error(err))
	}
}

// Shutdown closes every relay and the redis client
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var relays []*Relay
	for key, p := range m.sessions {
		relays = append(relays, relayList(p)...)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	for _, r := range relays {
		r.Close()
	}

	if m.opts.Redis != nil {
		m.opts.Redis.Close()
	}
}

func sessionKey(key string) string { return "session:" + key }

func frameKey(key string) string { return key + "_video" }
