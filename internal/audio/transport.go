package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"linguacall/internal/domain"
	"linguacall/pkg/constants"
	apperrors "linguacall/pkg/errors"
	"linguacall/pkg/logger"
	"linguacall/pkg/metrics"
)

// Listener receives normalized transport events. The coordinator implements it by
// posting each call onto its own event loop.
type Listener interface {
	TransportJoined(id domain.ParticipantID)
	TransportParticipantJoined(id domain.ParticipantID)
	TransportParticipantLeft(id domain.ParticipantID)
	TransportLeft()
	TransportFailed(err error)
}

// PermissionRequester asks the platform for microphone access before the engine starts
type PermissionRequester interface {
	EnsureMicrophone(ctx context.Context) error
}

// Transport wraps an Engine for exactly one call. It owns the engine instance,
// converts callback IDs to domain.ParticipantID and applies mute decisions
// idempotently: a command already applied with the same value is not resent.
type Transport struct {
	engine      Engine
	permissions PermissionRequester
	metrics     *metrics.Metrics
	log         *zap.Logger

	mu           sync.Mutex
	listener     Listener
	remoteMuted  map[domain.ParticipantID]bool
	localMuted   *bool
	volume       *int
	speakerphone *bool

	releaseOnce sync.Once
	released    bool
}

// NewTransport creates a transport around engine. permissions may be nil.
func NewTransport(engine Engine, permissions PermissionRequester, m *metrics.Metrics) *Transport {
	return &Transport{
		engine:      engine,
		permissions: permissions,
		metrics:     m,
		log:         logger.Named("audio"),
		remoteMuted: make(map[domain.ParticipantID]bool),
	}
}

// Open requests permissions, initializes the engine and registers the callback bridge.
// Any failure is a TransportInitFailure.
func (t *Transport) Open(ctx context.Context, cfg EngineConfig, l Listener) error {
	if t.permissions != nil {
		if err := t.permissions.EnsureMicrophone(ctx); err != nil {
			return apperrors.TransportInitFailureError(fmt.Errorf("microphone permission: %w", err))
		}
	}

	if cfg.ChannelProfile == "" {
		cfg.ChannelProfile = ChannelProfileCommunication
	}
	if cfg.ClientRole == "" {
		cfg.ClientRole = ClientRoleBroadcaster
	}

	if err := t.engine.Initialize(cfg); err != nil {
		return apperrors.TransportInitFailureError(err)
	}

	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	t.engine.RegisterEventHandler(&engineBridge{t: t})

	if err := t.engine.EnableAudio(); err != nil {
		return apperrors.TransportInitFailureError(err)
	}
	return nil
}

// Join asks the engine to join channelID. Success is reported asynchronously through
// Listener.TransportJoined.
func (t *Transport) Join(cred domain.Credential, channelID string, local domain.ParticipantID) error {
	if err := t.engine.JoinChannel(cred.Token, channelID, local.Uint32()); err != nil {
		return apperrors.TransportInitFailureError(fmt.Errorf("join channel: %w", err))
	}
	t.log.Info("Join requested",
		zap.String("channel", channelID),
		zap.Stringer("participant_id", local),
	)
	return nil
}

// Leave asks the engine to leave. Confirmation arrives through Listener.TransportLeft.
func (t *Transport) Leave() error {
	if t.isReleased() {
		return nil
	}
	return t.engine.LeaveChannel()
}

// RenewToken hands a fresh token to the live engine without rejoining
func (t *Transport) RenewToken(token string) error {
	if t.isReleased() {
		return errors.New("transport released")
	}
	return t.engine.RenewToken(token)
}

// Apply sends the parts of decision that differ from what was last applied.
// All commands are attempted; failures are joined.
func (t *Transport) Apply(decision domain.MuteDecision) error {
	if t.isReleased() {
		return nil
	}

	var errs []error

	for _, rm := range decision.Remote {
		if rm.Participant.IsZero() {
			continue
		}
		t.mu.Lock()
		prev, known := t.remoteMuted[rm.Participant]
		t.mu.Unlock()
		if known && prev == rm.Muted {
			continue
		}

		if err := t.engine.MuteRemoteAudioStream(rm.Participant.Uint32(), rm.Muted); err != nil {
			errs = append(errs, fmt.Errorf("mute remote %s: %w", rm.Participant, err))
			continue
		}
		t.mu.Lock()
		t.remoteMuted[rm.Participant] = rm.Muted
		t.mu.Unlock()
		t.metrics.RecordMuteCommand("remote")
		t.log.Debug("Remote stream mute applied",
			zap.Stringer("participant_id", rm.Participant),
			zap.Bool("muted", rm.Muted),
		)
	}

	if decision.LocalMicMuted != nil {
		if err := t.SetMicMuted(*decision.LocalMicMuted); err != nil {
			errs = append(errs, err)
		}
	}

	if decision.PlaybackVolume != nil {
		if err := t.setVolume(*decision.PlaybackVolume); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SetMicMuted mutes or unmutes the local microphone
func (t *Transport) SetMicMuted(muted bool) error {
	if t.isReleased() {
		return nil
	}

	t.mu.Lock()
	same := t.localMuted != nil && *t.localMuted == muted
	t.mu.Unlock()
	if same {
		return nil
	}

	if err := t.engine.MuteLocalAudioStream(muted); err != nil {
		return fmt.Errorf("mute local: %w", err)
	}
	t.mu.Lock()
	t.localMuted = &muted
	t.mu.Unlock()
	t.metrics.RecordMuteCommand("local_mic")
	return nil
}

// SetSpeakerphone routes playback to the loudspeaker or the earpiece
func (t *Transport) SetSpeakerphone(enabled bool) error {
	if t.isReleased() {
		return nil
	}

	t.mu.Lock()
	same := t.speakerphone != nil && *t.speakerphone == enabled
	t.mu.Unlock()
	if same {
		return nil
	}

	if err := t.engine.SetEnableSpeakerphone(enabled); err != nil {
		return fmt.Errorf("speakerphone: %w", err)
	}
	t.mu.Lock()
	t.speakerphone = &enabled
	t.mu.Unlock()
	t.metrics.RecordMuteCommand("speakerphone")
	return nil
}

func (t *Transport) setVolume(volume int) error {
	if volume < 0 || volume > constants.MaxPlaybackVolume {
		return fmt.Errorf("playback volume %d out of range", volume)
	}

	t.mu.Lock()
	same := t.volume != nil && *t.volume == volume
	t.mu.Unlock()
	if same {
		return nil
	}

	if err := t.engine.AdjustPlaybackSignalVolume(volume); err != nil {
		return fmt.Errorf("playback volume: %w", err)
	}
	t.mu.Lock()
	t.volume = &volume
	t.mu.Unlock()
	t.metrics.RecordMuteCommand("volume")
	return nil
}

// Forget drops the applied state for id so the next Apply resends its commands.
// A stream that rejoins starts with engine defaults.
func (t *Transport) Forget(id domain.ParticipantID) {
	t.mu.Lock()
	delete(t.remoteMuted, id)
	t.mu.Unlock()
}

// Release frees the engine. Safe to call more than once.
func (t *Transport) Release() {
	t.releaseOnce.Do(func() {
		t.mu.Lock()
		t.released = true
		t.listener = nil
		t.mu.Unlock()

		t.engine.Release()
		t.log.Info("Audio engine released")
	})
}

func (t *Transport) isReleased() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

func (t *Transport) currentListener() Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// engineBridge converts SDK callbacks into Listener calls
type engineBridge struct {
	t *Transport
}

func (b *engineBridge) OnJoinChannelSuccess(channelID string, uid uint32, elapsed time.Duration) {
	b.t.log.Info("Joined audio channel",
		zap.String("channel", channelID),
		zap.Uint32("participant_id", uid),
		zap.Duration("elapsed", elapsed),
	)
	if l := b.t.currentListener(); l != nil {
		l.TransportJoined(domain.ParticipantID(uid))
	}
}

func (b *engineBridge) OnUserJoined(uid uint32, elapsed time.Duration) {
	id := domain.ParticipantID(uid)
	b.t.Forget(id)
	b.t.log.Info("Remote user joined", zap.Uint32("participant_id", uid))
	if l := b.t.currentListener(); l != nil {
		l.TransportParticipantJoined(id)
	}
}

func (b *engineBridge) OnUserOffline(uid uint32, reason OfflineReason) {
	id := domain.ParticipantID(uid)
	b.t.Forget(id)
	b.t.log.Info("Remote user left",
		zap.Uint32("participant_id", uid),
		zap.Int("reason", int(reason)),
	)
	if l := b.t.currentListener(); l != nil {
		l.TransportParticipantLeft(id)
	}
}

func (b *engineBridge) OnLeaveChannel() {
	b.t.log.Info("Left audio channel")
	if l := b.t.currentListener(); l != nil {
		l.TransportLeft()
	}
}

func (b *engineBridge) OnError(code ErrorCode, message string) {
	if !code.Fatal() {
		b.t.log.Warn("Audio engine error",
			zap.Int("code", int(code)),
			zap.String("message", message),
		)
		return
	}
	b.t.log.Error("Fatal audio engine error",
		zap.Int("code", int(code)),
		zap.String("message", message),
	)
	if l := b.t.currentListener(); l != nil {
		l.TransportFailed(apperrors.TransportInitFailureError(&EngineError{Code: code, Message: message}))
	}
}
