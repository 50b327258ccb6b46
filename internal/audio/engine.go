// Package audio adapts a managed real-time audio engine to the call coordinator.
package audio

import (
	"fmt"
	"time"
)

// ChannelProfile selects the engine's channel mode
type ChannelProfile string

const (
	ChannelProfileCommunication ChannelProfile = "communication"
	ChannelProfileBroadcast     ChannelProfile = "live_broadcasting"
)

// ClientRole is the local role inside a broadcast channel
type ClientRole string

const (
	ClientRoleBroadcaster ClientRole = "broadcaster"
	ClientRoleAudience    ClientRole = "audience"
)

// EngineConfig is passed to Engine.Initialize
type EngineConfig struct {
	AppID          string
	ChannelProfile ChannelProfile
	ClientRole     ClientRole
	AudioScenario  string
}

// Engine is the managed audio transport. Implementations wrap a vendor SDK.
//
// Calls may block on the SDK; callbacks are delivered on SDK threads through the
// registered EventHandler.
type Engine interface {
	Initialize(cfg EngineConfig) error
	RegisterEventHandler(h EventHandler)
	EnableAudio() error
	JoinChannel(token, channelID string, uid uint32) error
	LeaveChannel() error
	MuteLocalAudioStream(muted bool) error
	MuteRemoteAudioStream(uid uint32, muted bool) error
	SetEnableSpeakerphone(enabled bool) error
	AdjustPlaybackSignalVolume(volume int) error
	RenewToken(token string) error
	Release()
}

// OfflineReason explains an OnUserOffline callback
type OfflineReason int

const (
	OfflineQuit OfflineReason = iota
	OfflineDropped
	OfflineBecomeAudience
)

// EventHandler receives engine callbacks
type EventHandler interface {
	OnJoinChannelSuccess(channelID string, uid uint32, elapsed time.Duration)
	OnUserJoined(uid uint32, elapsed time.Duration)
	OnUserOffline(uid uint32, reason OfflineReason)
	OnLeaveChannel()
	OnError(code ErrorCode, message string)
}

// ErrorCode is an engine error code
type ErrorCode int

// Engine error codes the adapter treats as session-fatal
const (
	ErrNotInitialized         ErrorCode = 7
	ErrJoinChannelRejected    ErrorCode = 17
	ErrTokenExpired           ErrorCode = 109
	ErrInvalidToken           ErrorCode = 110
	ErrMicrophoneNoPermission ErrorCode = 1027
)

// Fatal reports whether the engine can no longer carry the call
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrNotInitialized, ErrJoinChannelRejected, ErrTokenExpired, ErrInvalidToken, ErrMicrophoneNoPermission:
		return true
	default:
		return false
	}
}

// EngineError is an engine callback error surfaced to the coordinator
type EngineError struct {
	Code    ErrorCode
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("audio engine error %d: %s", e.Code, e.Message)
}
