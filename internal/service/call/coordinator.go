// Package call owns the state of one audio call with live translation.
//
// A Coordinator serializes every input (audio transport callbacks, signaling events,
// UI commands, timers) onto a single event loop goroutine. Only that goroutine reads
// or writes the CallSession, so handlers are written as plain sequential code.
package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"linguacall/internal/audio"
	"linguacall/internal/domain"
	"linguacall/internal/signaling"
	"linguacall/pkg/constants"
	apperrors "linguacall/pkg/errors"
	"linguacall/pkg/logger"
	"linguacall/pkg/metrics"
)

var errDisposed = errors.New("call coordinator disposed")

// Config holds the coordinator timings
type Config struct {
	SettleDelay               time.Duration
	LeaveTimeout              time.Duration
	JoinTimeout               time.Duration
	TranslationConfirmTimeout time.Duration
	Engine                    audio.EngineConfig
}

func (c *Config) setDefaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = constants.SettleDelay
	}
	if c.SettleDelay > constants.MaxSettleDelay {
		c.SettleDelay = constants.MaxSettleDelay
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = constants.LeaveTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = constants.JoinTimeout
	}
	if c.TranslationConfirmTimeout <= 0 {
		c.TranslationConfirmTimeout = constants.TranslationConfirmTimeout
	}
}

// StartParams identifies the call to join
type StartParams struct {
	ChannelID         string
	Credential        domain.Credential
	LocalParticipant  domain.ParticipantID
	CalledParticipant domain.ParticipantID
}

// DialParams names a call before its credential is known
type DialParams struct {
	ChannelID         string
	LocalParticipant  domain.ParticipantID
	CalledParticipant domain.ParticipantID
}

// SessionHandle is returned by StartSession
type SessionHandle struct {
	ID                string
	ChannelID         string
	LocalParticipant  domain.ParticipantID
	CalledParticipant domain.ParticipantID

	done <-chan struct{}
}

// Done is closed when the session reaches Left or Failed
func (h *SessionHandle) Done() <-chan struct{} {
	return h.done
}

// pendingRequest is a UI request waiting for server confirmation
type pendingRequest struct {
	done chan error
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{done: make(chan error, 1)}
}

func (p *pendingRequest) resolve(err error) {
	select {
	case p.done <- err:
	default:
	}
}

// Coordinator is the single authority over one call session
type Coordinator struct {
	cfg     Config
	deps    Deps
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	queue    *eventQueue
	quit     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	disposeOnce sync.Once

	// Loop-owned state below. Never touched outside the loop goroutine.
	session            *domain.CallSession
	joinResult         chan error
	sessionDone        chan struct{}
	joinTimer          *time.Timer
	leaveTimer         *time.Timer
	leaveDone          chan struct{}
	leftAt             time.Time
	settleTimers       map[uint64]*time.Timer
	settleSeq          uint64
	pendingStart       *pendingRequest
	pendingStop        *pendingRequest
	translationEnabled bool
	signalingAvailable bool
	joinChannelSent    bool
	micMuted           bool
	speakerphoneOn     bool
	lastError          string
	released           bool

	snapshot    atomic.Pointer[domain.Snapshot]
	subMu       sync.Mutex
	subscribers map[uint64]chan domain.Snapshot
	subSeq      uint64
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics attaches a metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a coordinator and starts its event loop
func New(cfg Config, deps Deps, opts ...Option) *Coordinator {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:          cfg,
		deps:         deps,
		log:          logger.Named("call"),
		now:          time.Now,
		queue:        newEventQueue(),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		settleTimers: make(map[uint64]*time.Timer),
		subscribers:  make(map[uint64]chan domain.Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.publish()
	go c.run()
	return c
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.queue.signal:
			for _, fn := range c.queue.drain() {
				fn()
			}
			c.publish()
		case <-c.quit:
			return
		}
	}
}

// post schedules fn on the loop. It returns false once the coordinator is disposed.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	c.queue.push(fn)
	return true
}

// call runs fn on the loop and waits for it to finish
func (c *Coordinator) call(fn func()) error {
	done := make(chan struct{})
	if !c.post(func() {
		fn()
		close(done)
	}) {
		return errDisposed
	}
	select {
	case <-done:
		return nil
	case <-c.loopDone:
		return errDisposed
	}
}

// StartSession validates the credential, opens the audio transport and the signaling
// connection concurrently, and waits until the session is Active or Failed.
// Signaling failures never fail the session.
func (c *Coordinator) StartSession(ctx context.Context, p StartParams) (*SessionHandle, error) {
	p.ChannelID = strings.TrimSpace(p.ChannelID)
	if p.ChannelID == "" {
		return nil, apperrors.InvalidInputError("channel is required")
	}
	if p.Credential.Token == "" {
		return nil, apperrors.InvalidCredentialError("credential token is missing")
	}
	if p.Credential.Expired(c.now()) {
		return nil, apperrors.InvalidCredentialError("credential already expired")
	}

	var (
		handle  *SessionHandle
		result  chan error
		session *domain.CallSession
		callErr error
	)
	err := c.call(func() {
		if c.session != nil {
			callErr = apperrors.InvalidStateError("coordinator already owns a session")
			return
		}
		session = domain.NewCallSession(p.ChannelID, p.LocalParticipant, p.CalledParticipant, p.Credential)
		c.session = session
		c.sessionDone = make(chan struct{})
		c.joinResult = make(chan error, 1)
		result = c.joinResult

		c.transition(domain.SessionStateJoining)
		c.joinTimer = time.AfterFunc(c.cfg.JoinTimeout, func() {
			c.post(c.onJoinTimeout)
		})

		handle = &SessionHandle{
			ID:                session.ID.String(),
			ChannelID:         session.ChannelID,
			LocalParticipant:  session.LocalParticipant,
			CalledParticipant: session.CalledParticipant,
			done:              c.sessionDone,
		}
	})
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, callErr
	}

	log := c.log.With(
		zap.String("session_id", handle.ID),
		zap.String("channel", p.ChannelID),
	)
	log.Info("Starting call session", zap.Stringer("participant_id", p.LocalParticipant))

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		if err := c.deps.Transport.Open(gctx, c.cfg.Engine, c); err != nil {
			c.post(func() { c.fail(err) })
			return err
		}
		if err := c.deps.Transport.Join(p.Credential, p.ChannelID, p.LocalParticipant); err != nil {
			c.post(func() { c.fail(err) })
			return err
		}
		return nil
	})
	g.Go(func() error {
		c.connectSignaling(gctx)
		return nil
	})
	go func() {
		if err := g.Wait(); err != nil {
			log.Warn("Call session failed to start", zap.Error(err))
		}
	}()

	select {
	case err := <-result:
		// the batch that resolved the join publishes before the next one runs
		_ = c.call(func() {})
		if err != nil {
			return nil, err
		}
		return handle, nil
	case <-ctx.Done():
		c.post(func() {
			if c.state() == domain.SessionStateJoining {
				c.fail(apperrors.TransportInitFailureError(ctx.Err()))
			}
		})
		return nil, ctx.Err()
	}
}

func (c *Coordinator) connectSignaling(ctx context.Context) {
	if c.deps.Signaling == nil {
		return
	}
	if err := c.deps.Signaling.Connect(ctx); err != nil {
		c.post(func() { c.onSignalingUnavailable(err) })
		return
	}

	go func() {
		for e := range c.deps.Signaling.Events() {
			event := e
			if !c.post(func() { c.handleSignal(event) }) {
				return
			}
		}
	}()
}

// transition moves the session along a legal edge
func (c *Coordinator) transition(to domain.SessionState) bool {
	from := c.session.State
	if !domain.CanTransition(from, to) {
		c.log.Debug("Ignoring illegal state transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false
	}
	c.session.State = to
	c.metrics.RecordTransition(string(from), string(to))
	c.log.Info("Call session state changed",
		zap.String("session_id", c.session.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return true
}

func (c *Coordinator) state() domain.SessionState {
	if c.session == nil {
		return domain.SessionStateIdle
	}
	return c.session.State
}

// live reports whether the session still carries media
func (c *Coordinator) live() bool {
	s := c.state()
	return s == domain.SessionStateJoining || s == domain.SessionStateActive
}

// TransportJoined implements audio.Listener
func (c *Coordinator) TransportJoined(id domain.ParticipantID) {
	c.post(func() { c.onTransportJoined(id) })
}

// TransportParticipantJoined implements audio.Listener
func (c *Coordinator) TransportParticipantJoined(id domain.ParticipantID) {
	c.post(func() { c.onParticipantJoined(id) })
}

// TransportParticipantLeft implements audio.Listener
func (c *Coordinator) TransportParticipantLeft(id domain.ParticipantID) {
	c.post(func() { c.onParticipantLeft(id) })
}

// TransportLeft implements audio.Listener
func (c *Coordinator) TransportLeft() {
	c.post(c.onTransportLeft)
}

// TransportFailed implements audio.Listener
func (c *Coordinator) TransportFailed(err error) {
	c.post(func() { c.fail(err) })
}

func (c *Coordinator) onTransportJoined(assigned domain.ParticipantID) {
	if c.state() != domain.SessionStateJoining {
		c.log.Debug("Ignoring join confirmation", zap.String("state", string(c.state())))
		return
	}

	s := c.session
	if s.LocalParticipant.IsZero() {
		s.LocalParticipant = assigned
	} else if assigned != s.LocalParticipant {
		c.log.Warn("Transport assigned a different participant id, keeping requested",
			zap.Stringer("requested", s.LocalParticipant),
			zap.Stringer("assigned", assigned),
		)
	}

	c.transition(domain.SessionStateActive)
	s.JoinedAt = c.now()
	c.stopTimer(&c.joinTimer)
	c.metrics.SessionActivated()
	select {
	case c.joinResult <- nil:
	default:
	}

	c.sendJoinChannel()
	if c.deps.Signaling != nil {
		c.deps.Signaling.NotifyChannelJoined(signaling.NewChannelPresence(s.ChannelID, s.LocalParticipant, s.JoinedAt))
	}

	if c.deps.Renewer != nil {
		c.deps.Renewer.Track(s.ChannelID, s.LocalParticipant, func(cred domain.Credential) {
			c.post(func() { c.onCredentialRenewed(cred) })
		})
		if !c.deps.Renewer.Schedule(s.Credential.ExpiresAt) {
			c.log.Warn("Credential renewal not scheduled, expiry is inside the renewal margin",
				zap.Time("expires_at", s.Credential.ExpiresAt),
			)
		}
	}

	if s.Translation != nil {
		c.applyTranslation()
	}
}

func (c *Coordinator) onJoinTimeout() {
	if c.state() != domain.SessionStateJoining {
		return
	}
	c.fail(apperrors.TransportInitFailureError(errors.New("join not confirmed in time")))
}

func (c *Coordinator) onCredentialRenewed(cred domain.Credential) {
	if !c.live() {
		return
	}
	if cred.Channel == "" {
		cred.Channel = c.session.ChannelID
	}
	if cred.UID.IsZero() {
		cred.UID = c.session.LocalParticipant
	}
	c.session.Credential = cred
}

func (c *Coordinator) onParticipantJoined(id domain.ParticipantID) {
	if !c.live() || id.IsZero() {
		return
	}
	c.session.RemoteParticipants[id] = struct{}{}
	if c.session.Translation != nil {
		c.scheduleSettle()
	}
}

func (c *Coordinator) onParticipantLeft(id domain.ParticipantID) {
	if c.session == nil {
		return
	}
	delete(c.session.RemoteParticipants, id)
}

// scheduleSettle re-applies the translation mutes after SettleDelay, giving the
// transport time to register a newly joined stream
func (c *Coordinator) scheduleSettle() {
	c.settleSeq++
	id := c.settleSeq
	c.settleTimers[id] = time.AfterFunc(c.cfg.SettleDelay, func() {
		c.post(func() {
			if _, ok := c.settleTimers[id]; !ok {
				return
			}
			delete(c.settleTimers, id)
			if c.state() == domain.SessionStateActive && c.session.Translation != nil {
				c.applyTranslation()
			}
		})
	})
}

func (c *Coordinator) cancelSettles() {
	for id, t := range c.settleTimers {
		t.Stop()
		delete(c.settleTimers, id)
	}
}

func (c *Coordinator) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// fail moves a live session to Failed and releases its resources
func (c *Coordinator) fail(err error) {
	if !c.live() {
		c.log.Debug("Ignoring failure outside a live session", zap.Error(err))
		return
	}

	wasActive := c.state() == domain.SessionStateActive
	c.transition(domain.SessionStateFailed)
	c.lastError = err.Error()
	c.log.Error("Call session failed",
		zap.String("session_id", c.session.ID.String()),
		zap.Error(err),
	)

	c.stopTimer(&c.joinTimer)
	c.cancelSettles()
	if c.deps.Renewer != nil {
		c.deps.Renewer.Stop()
	}
	c.resolvePending(err)
	c.session.Translation = nil
	c.translationEnabled = false

	c.metrics.RecordSession("failed")
	if wasActive {
		c.metrics.SessionDeactivated(c.now().Sub(c.session.JoinedAt))
		if err := c.deps.Transport.Leave(); err != nil {
			c.log.Debug("Transport leave after failure", zap.Error(err))
		}
	}
	c.leftAt = c.now()

	select {
	case c.joinResult <- err:
	default:
	}
	c.release()
	close(c.sessionDone)
}

// resolvePending fails outstanding UI translation requests
func (c *Coordinator) resolvePending(err error) {
	if c.pendingStart != nil {
		c.pendingStart.resolve(err)
		c.pendingStart = nil
	}
	if c.pendingStop != nil {
		c.pendingStop.resolve(err)
		c.pendingStop = nil
	}
}

// release frees the transport and closes signaling. Runs at most once.
func (c *Coordinator) release() {
	if c.released {
		return
	}
	c.released = true
	c.deps.Transport.Release()
	if c.deps.Signaling != nil {
		if err := c.deps.Signaling.Close(); err != nil {
			c.log.Debug("Signaling close", zap.Error(err))
		}
	}
}

// SetMicMuted mutes or unmutes the local microphone
func (c *Coordinator) SetMicMuted(muted bool) error {
	var opErr error
	err := c.call(func() {
		if !c.live() {
			opErr = apperrors.InvalidStateError("no live session")
			return
		}
		if opErr = c.deps.Transport.SetMicMuted(muted); opErr == nil {
			c.micMuted = muted
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetSpeakerphone toggles loudspeaker playback
func (c *Coordinator) SetSpeakerphone(enabled bool) error {
	var opErr error
	err := c.call(func() {
		if !c.live() {
			opErr = apperrors.InvalidStateError("no live session")
			return
		}
		if opErr = c.deps.Transport.SetSpeakerphone(enabled); opErr == nil {
			c.speakerphoneOn = enabled
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// Dispose releases the transport and the signaling connection and stops the loop.
// A live session is torn down without waiting for confirmation. Safe to call
// more than once.
func (c *Coordinator) Dispose() {
	c.disposeOnce.Do(func() {
		_ = c.call(func() {
			if c.live() {
				c.beginLeave()
				if err := c.deps.Transport.Leave(); err != nil {
					c.log.Debug("Transport leave on dispose", zap.Error(err))
				}
			}
			if c.state() == domain.SessionStateLeaving {
				c.finishLeave(false)
			}
			c.cancelSettles()
			c.stopTimer(&c.joinTimer)
			c.stopTimer(&c.leaveTimer)
			if c.deps.Renewer != nil {
				c.deps.Renewer.Stop()
			}
			c.release()
		})
		close(c.quit)
		<-c.loopDone
		c.cancel()

		c.subMu.Lock()
		for id, ch := range c.subscribers {
			close(ch)
			delete(c.subscribers, id)
		}
		c.subMu.Unlock()
	})
}
