package call

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"linguacall/internal/domain"
	"linguacall/internal/signaling"
	apperrors "linguacall/pkg/errors"
)

// Leave ends the call. It resolves when the transport confirms teardown or
// LeaveTimeout elapses, whichever comes first, and the session is Left in both
// cases. Concurrent and repeated calls share the same teardown.
func (c *Coordinator) Leave(ctx context.Context) error {
	var done chan struct{}
	err := c.call(func() {
		switch c.state() {
		case domain.SessionStateIdle:
			return
		case domain.SessionStateLeft, domain.SessionStateFailed:
			return
		case domain.SessionStateLeaving:
			done = c.leaveDone
			return
		}

		c.beginLeave()
		done = c.leaveDone

		c.leaveTimer = time.AfterFunc(c.cfg.LeaveTimeout, func() {
			c.post(c.onLeaveTimeout)
		})
		if err := c.deps.Transport.Leave(); err != nil {
			c.log.Warn("Transport leave failed, releasing immediately", zap.Error(err))
			c.finishLeave(false)
		}
	})
	if errors.Is(err, errDisposed) || done == nil {
		return nil
	}
	if err != nil {
		return err
	}

	select {
	case <-done:
		_ = c.call(func() {})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginLeave moves a live session to Leaving and cancels everything pending
func (c *Coordinator) beginLeave() {
	s := c.session

	if c.deps.Signaling != nil && c.signalingAvailable {
		if err := c.deps.Signaling.Emit(signaling.CommandStopTranslation, signaling.StopTranslationPayload{
			Channel:  s.ChannelID,
			ClientID: s.LocalParticipant,
		}); err != nil {
			c.log.Debug("stop_translation on leave", zap.Error(err))
		}
		if err := c.deps.Signaling.Emit(signaling.CommandLeaveChannel, signaling.LeaveChannelPayload{
			Channel: s.ChannelID,
			UID:     s.LocalParticipant,
		}); err != nil {
			c.log.Debug("leave_channel on leave", zap.Error(err))
		}
	}

	wasJoining := s.State == domain.SessionStateJoining
	c.transition(domain.SessionStateLeaving)
	c.leaveDone = make(chan struct{})

	c.stopTimer(&c.joinTimer)
	c.cancelSettles()
	if c.deps.Renewer != nil {
		c.deps.Renewer.Stop()
	}
	c.translationEnabled = false
	c.resolvePending(apperrors.InvalidStateError("call is ending"))

	if wasJoining {
		select {
		case c.joinResult <- apperrors.InvalidStateError("call left before it was joined"):
		default:
		}
	}
}

func (c *Coordinator) onTransportLeft() {
	switch c.state() {
	case domain.SessionStateLeaving:
		c.finishLeave(false)
	case domain.SessionStateActive:
		c.log.Warn("Transport left the channel unexpectedly, ending call")
		c.beginLeave()
		c.finishLeave(false)
	case domain.SessionStateJoining:
		c.fail(apperrors.TransportInitFailureError(errors.New("transport left before join completed")))
	}
}

func (c *Coordinator) onLeaveTimeout() {
	if c.state() != domain.SessionStateLeaving {
		return
	}
	c.metrics.RecordLeaveTimeout()
	c.log.Warn("Transport did not confirm leave, releasing anyway",
		zap.String("session_id", c.session.ID.String()),
		zap.Duration("timeout", c.cfg.LeaveTimeout),
		zap.Error(apperrors.LeaveTimeoutError()),
	)
	c.finishLeave(true)
}

// finishLeave moves Leaving to Left and releases every owned resource
func (c *Coordinator) finishLeave(timedOut bool) {
	s := c.session
	if !c.transition(domain.SessionStateLeft) {
		return
	}
	c.stopTimer(&c.leaveTimer)
	c.leftAt = c.now()

	if c.deps.Signaling != nil && c.signalingAvailable {
		presence := signaling.NewChannelPresence(s.ChannelID, s.LocalParticipant, c.leftAt)
		if err := c.deps.Signaling.Emit(signaling.CommandAgoraChannelLeft, presence); err != nil {
			c.log.Debug("agora_channel_left", zap.Error(err))
		}
	}

	s.Translation = nil
	if !s.JoinedAt.IsZero() {
		c.metrics.SessionDeactivated(c.leftAt.Sub(s.JoinedAt))
	}
	c.metrics.RecordSession("left")
	c.log.Info("Call session left",
		zap.String("session_id", s.ID.String()),
		zap.Bool("timed_out", timedOut),
	)

	c.release()
	close(c.leaveDone)
	close(c.sessionDone)
}
