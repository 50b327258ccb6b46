package call

import (
	"context"
	"time"

	"go.uber.org/zap"

	"linguacall/internal/domain"
	"linguacall/internal/service/mute"
	"linguacall/internal/signaling"
	apperrors "linguacall/pkg/errors"
)

// TranslationRequest asks the backend to translate one speaker
type TranslationRequest struct {
	SourceLanguage string
	TargetLanguage string
	// TargetSpeaker defaults to the called participant
	TargetSpeaker domain.ParticipantID
}

// handleSignal dispatches one signaling event on the loop
func (c *Coordinator) handleSignal(e signaling.Event) {
	switch e.Kind {
	case signaling.KindConnected:
		c.signalingAvailable = true
		c.sendJoinChannel()

	case signaling.KindDisconnected:
		c.onSignalingUnavailable(e.Err)

	case signaling.KindTranslationStarted:
		c.onTranslationStarted(*e.Started)

	case signaling.KindTranslationFailed:
		c.onTranslationFailed(*e.Failed)

	case signaling.KindTranslationStopped:
		c.onTranslationStopped(*e.Stopped)

	case signaling.KindParticipantJoined:
		// transport callbacks own the participant set
		if c.state() == domain.SessionStateActive && c.session.Translation != nil {
			c.scheduleSettle()
		}

	case signaling.KindParticipantLeft:
		c.log.Debug("Participant left per signaling", zap.Stringer("participant_id", e.Participant))

	case signaling.KindMalformed:
		c.metrics.RecordMalformedEvent(e.Name)
		c.log.Warn("Dropping malformed signaling event", zap.String("event", e.Name), zap.Error(e.Err))
	}
}

// onSignalingUnavailable degrades to audio-only. The call and any applied mutes
// are left alone.
func (c *Coordinator) onSignalingUnavailable(err error) {
	c.signalingAvailable = false
	c.joinChannelSent = false
	c.translationEnabled = false
	if err == nil {
		err = apperrors.SignalingUnavailableError(nil)
	}
	c.resolvePending(err)
	c.log.Warn("Signaling unavailable, translation disabled", zap.Error(err))
}

// sendJoinChannel announces the local participant once per connection
func (c *Coordinator) sendJoinChannel() {
	if c.deps.Signaling == nil || !c.signalingAvailable || c.joinChannelSent || c.session == nil {
		return
	}
	if c.session.LocalParticipant.IsZero() || !c.live() {
		return
	}
	err := c.deps.Signaling.Emit(signaling.CommandJoinChannel, signaling.JoinChannelPayload{
		Channel: c.session.ChannelID,
		UID:     c.session.LocalParticipant,
	})
	if err != nil {
		c.log.Warn("Failed to emit join_channel", zap.Error(err))
		return
	}
	c.joinChannelSent = true
}

// foreign reports whether an event names another channel
func (c *Coordinator) foreign(channel string) bool {
	return channel != "" && channel != c.session.ChannelID
}

// fromOtherClient reports whether clientID names someone other than the local participant
func (c *Coordinator) fromOtherClient(clientID string) bool {
	if clientID == "" {
		return false
	}
	id, err := domain.ParseParticipantID(clientID)
	if err != nil {
		return true
	}
	return id != c.session.LocalParticipant
}

func (c *Coordinator) onTranslationStarted(e domain.TranslationStarted) {
	if !c.live() {
		c.log.Debug("Ignoring translation_started", zap.String("state", string(c.state())))
		return
	}
	if c.foreign(e.Channel) {
		c.log.Debug("Ignoring translation_started for another channel", zap.String("event_channel", e.Channel))
		return
	}

	if !e.Valid() {
		err := apperrors.MalformedEventError(signaling.EventTranslationStarted, "missing speaker or translator id")
		c.metrics.RecordMalformedEvent(signaling.EventTranslationStarted)
		c.log.Warn("Dropping translation_started without participant ids",
			zap.String("task_id", e.TaskID),
			zap.Stringer("speaker_id", e.Speaker),
			zap.Stringer("translator_id", e.Translator),
		)
		if c.pendingStart != nil {
			c.pendingStart.resolve(err)
			c.pendingStart = nil
		}
		return
	}

	c.session.Translation = &domain.TranslationState{
		TaskID:         e.TaskID,
		Speaker:        e.Speaker,
		Translator:     e.Translator,
		SourceLanguage: e.SourceLanguage,
		TargetLanguage: e.TargetLanguage,
		StartedAt:      c.now(),
	}
	c.translationEnabled = true
	c.metrics.RecordTranslationEvent("started", "applied")
	c.log.Info("Translation started",
		zap.String("session_id", c.session.ID.String()),
		zap.String("task_id", e.TaskID),
		zap.Stringer("speaker_id", e.Speaker),
		zap.Stringer("translator_id", e.Translator),
		zap.String("role", string(mute.RoleFor(c.session.LocalParticipant, e.Speaker))),
	)

	// Joining sessions apply on TransportJoined
	if c.state() == domain.SessionStateActive {
		c.applyTranslation()
	}

	if c.pendingStart != nil {
		c.pendingStart.resolve(nil)
		c.pendingStart = nil
	}
}

func (c *Coordinator) onTranslationFailed(e domain.TranslationFailed) {
	if !c.live() || c.foreign(e.Channel) || c.fromOtherClient(e.ClientID) {
		c.log.Debug("Ignoring translation_failed", zap.String("event_channel", e.Channel))
		return
	}

	c.translationEnabled = c.session.Translation != nil
	c.metrics.RecordTranslationEvent("failed", "applied")
	c.log.Warn("Translation rejected by backend", zap.String("message", e.Message))

	if c.pendingStart != nil {
		c.pendingStart.resolve(apperrors.TranslationRejectedError(e.Message))
		c.pendingStart = nil
	}
}

// onTranslationStopped restores audio using payload ids first, then the cached
// TranslationState. Stops that resolve no speaker change no audio state.
func (c *Coordinator) onTranslationStopped(e domain.TranslationStopped) {
	if !c.live() {
		c.log.Debug("Ignoring translation stop", zap.String("state", string(c.state())))
		return
	}
	if c.foreign(e.Channel) {
		c.metrics.RecordTranslationEvent("stopped", "ignored")
		c.log.Debug("Ignoring translation stop for another channel", zap.String("event_channel", e.Channel))
		return
	}
	if e.Source == domain.StopDirect && c.fromOtherClient(e.ClientID) {
		c.metrics.RecordTranslationEvent("stopped", "ignored")
		c.log.Debug("Ignoring direct stop addressed to another client", zap.String("client_id", e.ClientID))
		return
	}

	cached := c.session.Translation
	if e.Source == domain.StopBroadcast {
		if cached == nil {
			c.metrics.RecordTranslationEvent("stopped", "ignored")
			c.log.Debug("Broadcast stop without a local translation, nothing to restore")
			return
		}
		if !e.Translator.IsZero() && e.Translator != cached.Translator {
			c.metrics.RecordTranslationEvent("stopped", "ignored")
			c.log.Debug("Broadcast stop for another translation task",
				zap.Stringer("translator_id", e.Translator),
				zap.Stringer("cached_translator_id", cached.Translator),
			)
			return
		}
	}

	speaker, translator := e.Speaker, e.Translator
	if cached != nil {
		if speaker.IsZero() {
			speaker = cached.Speaker
		}
		if translator.IsZero() {
			translator = cached.Translator
		}
	}

	// without a speaker there is no translation to undo, so the translator is left alone
	decision := domain.MuteDecision{}
	if !speaker.IsZero() {
		decision = mute.Restore(c.session.LocalParticipant, speaker, translator, e.Source)
	}
	if !decision.IsEmpty() && c.state() == domain.SessionStateActive {
		if err := c.deps.Transport.Apply(decision); err != nil {
			c.log.Warn("Failed to restore audio after translation stop", zap.Error(err))
		}
	}

	c.session.Translation = nil
	c.translationEnabled = false
	c.metrics.RecordTranslationEvent("stopped", string(e.Source))
	c.log.Info("Translation stopped",
		zap.String("session_id", c.session.ID.String()),
		zap.String("source", string(e.Source)),
		zap.Stringer("speaker_id", speaker),
		zap.Stringer("translator_id", translator),
	)

	if c.pendingStop != nil {
		c.pendingStop.resolve(nil)
		c.pendingStop = nil
	}
}

// applyTranslation routes the cached translation onto the transport
func (c *Coordinator) applyTranslation() {
	t := c.session.Translation
	decision := mute.Compute(c.session.LocalParticipant, t.Speaker, t.Translator)
	if err := c.deps.Transport.Apply(decision); err != nil {
		c.log.Warn("Failed to apply translation mutes",
			zap.Stringer("speaker_id", t.Speaker),
			zap.Stringer("translator_id", t.Translator),
			zap.Error(err),
		)
	}
}

// RequestStartTranslation asks the backend to start translating and waits for the
// confirmation. Nothing changes locally until translation_started arrives.
func (c *Coordinator) RequestStartTranslation(ctx context.Context, req TranslationRequest) error {
	var (
		pending *pendingRequest
		opErr   error
	)
	err := c.call(func() {
		if opErr = c.requireTranslationReady(); opErr != nil {
			return
		}
		if c.pendingStart != nil {
			opErr = apperrors.InvalidStateError("translation start already pending")
			return
		}
		if c.session.Translation != nil {
			opErr = apperrors.InvalidStateError("translation already active")
			return
		}

		s := c.session
		target := req.TargetSpeaker
		if target.IsZero() {
			target = s.CalledParticipant
		}
		payload := signaling.StartTranslationPayload{
			Channel:          s.ChannelID,
			SourceLanguage:   req.SourceLanguage,
			TargetLanguage:   req.TargetLanguage,
			TargetSpeakerUID: target,
			ClientID:         s.LocalParticipant,
			ClientAgoraID:    s.LocalParticipant,
			ChannelTokenData: signaling.ChannelTokenData{
				Token:       s.Credential.Token,
				UID:         s.LocalParticipant,
				ExpiresAt:   unixOrZero(s.Credential.ExpiresAt),
				GeneratedAt: unixOrZero(s.Credential.IssuedAt),
				Channel:     s.ChannelID,
			},
		}
		if err := c.deps.Signaling.Emit(signaling.CommandStartTranslation, payload); err != nil {
			opErr = apperrors.SignalingUnavailableError(err)
			return
		}
		c.metrics.RecordTranslationEvent("start_requested", "sent")
		c.log.Info("Translation requested",
			zap.String("source_language", req.SourceLanguage),
			zap.String("target_language", req.TargetLanguage),
			zap.Stringer("speaker_id", target),
		)
		c.pendingStart = newPendingRequest()
		pending = c.pendingStart
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	return c.await(ctx, pending, "start", func() {
		if c.pendingStart == pending {
			c.pendingStart = nil
		}
	})
}

// RequestStopTranslation asks the backend to stop. The enabled flag clears at once;
// the speaker is unmuted only when the stop is confirmed.
func (c *Coordinator) RequestStopTranslation(ctx context.Context) error {
	var (
		pending *pendingRequest
		opErr   error
	)
	err := c.call(func() {
		if opErr = c.requireTranslationReady(); opErr != nil {
			return
		}
		c.translationEnabled = false

		s := c.session
		err := c.deps.Signaling.Emit(signaling.CommandStopTranslation, signaling.StopTranslationPayload{
			Channel:  s.ChannelID,
			ClientID: s.LocalParticipant,
		})
		if err != nil {
			opErr = apperrors.SignalingUnavailableError(err)
			return
		}
		c.metrics.RecordTranslationEvent("stop_requested", "sent")

		if c.pendingStart != nil {
			c.pendingStart.resolve(apperrors.InvalidStateError("translation start cancelled"))
			c.pendingStart = nil
		}
		if s.Translation == nil {
			return
		}
		if c.pendingStop == nil {
			c.pendingStop = newPendingRequest()
		}
		pending = c.pendingStop
	})
	if err != nil {
		return err
	}
	if opErr != nil || pending == nil {
		return opErr
	}
	return c.await(ctx, pending, "stop", func() {
		if c.pendingStop == pending {
			c.pendingStop = nil
		}
	})
}

func (c *Coordinator) requireTranslationReady() error {
	if c.state() != domain.SessionStateActive {
		return apperrors.InvalidStateError("call is not active")
	}
	if c.deps.Signaling == nil || !c.signalingAvailable {
		return apperrors.SignalingUnavailableError(signaling.ErrNotConnected)
	}
	return nil
}

// await blocks until pending resolves. On timeout or cancellation abandon runs on
// the loop and the audio state is left as it is.
func (c *Coordinator) await(ctx context.Context, pending *pendingRequest, op string, abandon func()) error {
	timer := time.NewTimer(c.cfg.TranslationConfirmTimeout)
	defer timer.Stop()

	select {
	case err := <-pending.done:
		_ = c.call(func() {})
		return err
	case <-timer.C:
		c.post(abandon)
		c.metrics.RecordTranslationEvent(op+"_requested", "timeout")
		c.log.Warn("Translation confirmation timed out", zap.String("request", op))
		return apperrors.TranslationTimeoutError("no confirmation for translation " + op)
	case <-ctx.Done():
		c.post(abandon)
		return ctx.Err()
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
