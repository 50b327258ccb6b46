// Package token keeps the audio transport credential fresh for the lifetime of a call.
package token

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"linguacall/internal/domain"
	"linguacall/pkg/constants"
	"linguacall/pkg/logger"
	"linguacall/pkg/metrics"
)

// Issuer obtains a fresh credential for a channel participant
type Issuer interface {
	Issue(ctx context.Context, channel string, uid domain.ParticipantID) (domain.Credential, error)
}

// Applier hands a renewed token to the live transport without rejoining
type Applier interface {
	RenewToken(token string) error
}

// Timer is the subset of *time.Timer the manager needs
type Timer interface {
	Stop() bool
}

// Config controls renewal timing
type Config struct {
	Margin         time.Duration
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces time.Now and time.AfterFunc, for tests
func WithClock(now func() time.Time, afterFunc func(time.Duration, func()) Timer) Option {
	return func(m *Manager) {
		m.now = now
		m.afterFunc = afterFunc
	}
}

// Manager schedules a single proactive renewal before the credential expires.
// Every Schedule or Cancel invalidates earlier timers through a generation counter,
// so a stale timer that already fired does nothing.
type Manager struct {
	cfg     Config
	issuer  Issuer
	applier Applier
	metrics *metrics.Metrics
	log     *zap.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	mu         sync.Mutex
	timer      Timer
	generation uint64
	expiresAt  time.Time
	channel    string
	uid        domain.ParticipantID
	onRenewed  func(domain.Credential)
	stopped    bool
}

// NewManager creates an idle manager
func NewManager(cfg Config, issuer Issuer, applier Applier, m *metrics.Metrics, opts ...Option) *Manager {
	if cfg.Margin <= 0 {
		cfg.Margin = constants.TokenRenewalMargin
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = constants.TokenRenewalRetryInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = constants.IssuerRequestTimeout
	}

	mgr := &Manager{
		cfg:     cfg,
		issuer:  issuer,
		applier: applier,
		metrics: m,
		log:     logger.Named("token"),
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// RenewalDelay is how long to wait before renewing a credential expiring at expiresAt.
// A result <= 0 means the renewal is already due and nothing should be scheduled.
func RenewalDelay(expiresAt, now time.Time, margin time.Duration) time.Duration {
	return expiresAt.Sub(now) - margin
}

// Track sets the participant renewals are issued for and the callback invoked with
// every successfully applied credential.
func (m *Manager) Track(channel string, uid domain.ParticipantID, onRenewed func(domain.Credential)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channel = channel
	m.uid = uid
	m.onRenewed = onRenewed
}

// Schedule cancels any pending renewal and arms one for expiresAt. It returns false
// when the renewal is already due.
func (m *Manager) Schedule(expiresAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	if m.stopped {
		return false
	}
	m.expiresAt = expiresAt

	delay := RenewalDelay(expiresAt, m.now(), m.cfg.Margin)
	if delay <= 0 {
		m.log.Warn("Credential renewal already due, not scheduling",
			zap.Time("expires_at", expiresAt),
		)
		return false
	}

	m.armLocked(delay)
	m.log.Debug("Credential renewal scheduled",
		zap.Time("expires_at", expiresAt),
		zap.Duration("in", delay),
	)
	return true
}

// Cancel drops any pending renewal
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

// Stop cancels the pending renewal and refuses future schedules
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.stopped = true
}

// Pending reports whether a renewal timer is armed
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *Manager) cancelLocked() {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) armLocked(delay time.Duration) {
	gen := m.generation
	m.timer = m.afterFunc(delay, func() { m.fire(gen) })
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation && !m.stopped
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.stopped {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	channel, uid := m.channel, m.uid
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	cred, err := m.issuer.Issue(ctx, channel, uid)
	if err == nil && m.current(gen) {
		err = m.applier.RenewToken(cred.Token)
	}
	if !m.current(gen) {
		return
	}
	if err != nil {
		m.metrics.RecordTokenRenewal("failure")
		m.log.Warn("Credential renewal failed",
			zap.String("channel", channel),
			zap.Stringer("participant_id", uid),
			zap.Error(err),
		)
		m.retry(gen)
		return
	}

	m.metrics.RecordTokenRenewal("success")
	m.log.Info("Credential renewed",
		zap.String("channel", channel),
		zap.Time("expires_at", cred.ExpiresAt),
	)

	m.mu.Lock()
	onRenewed := m.onRenewed
	m.mu.Unlock()
	if onRenewed != nil {
		onRenewed(cred)
	}
	m.Schedule(cred.ExpiresAt)
}

// retry re-arms after RetryInterval while the current credential is still valid.
// Once it expires the transport reports the failure itself.
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.stopped {
		return
	}
	if !m.now().Add(m.cfg.RetryInterval).Before(m.expiresAt) {
		m.log.Warn("Credential expires before next retry, giving up",
			zap.Time("expires_at", m.expiresAt),
		)
		return
	}
	m.armLocked(m.cfg.RetryInterval)
}
