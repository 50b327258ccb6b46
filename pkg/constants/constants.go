// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Call session timing
const (
	// SettleDelay is how long the coordinator waits after a remote participant joins
	// before re-applying translation mutes, so the transport has registered the stream.
	SettleDelay = 700 * time.Millisecond

	// MaxSettleDelay bounds SettleDelay regardless of configuration
	MaxSettleDelay = 1 * time.Second

	// LeaveTimeout is how long leave waits for the transport to confirm teardown
	LeaveTimeout = 3 * time.Second

	// JoinTimeout is how long a session may stay in Joining before it is failed
	JoinTimeout = 15 * time.Second

	// TranslationConfirmTimeout bounds the wait for translation_started/stopped
	TranslationConfirmTimeout = 10 * time.Second
)

// Token lifecycle
const (
	// TokenRenewalMargin is how long before expiry a renewal is attempted
	TokenRenewalMargin = 30 * time.Second

	// TokenRenewalRetryInterval is the delay before retrying a failed renewal
	TokenRenewalRetryInterval = 10 * time.Second

	// IssuerRequestTimeout bounds a single credential issuer request
	IssuerRequestTimeout = 10 * time.Second
)

// Signaling
const (
	// JoinNotifyInterval is the spacing between agora_channel_joined emission attempts
	JoinNotifyInterval = 500 * time.Millisecond

	// JoinNotifyAttempts is the number of emission attempts before giving up
	JoinNotifyAttempts = 10

	// SignalingHandshakeTimeout bounds a single websocket dial
	SignalingHandshakeTimeout = 5 * time.Second

	// SignalingDialAttempts is the number of dials before signaling is declared unavailable
	SignalingDialAttempts = 3

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketWriteWait bounds a single websocket write
	WebSocketWriteWait = 10 * time.Second
)

// Audio
const (
	// NormalPlaybackVolume is the audible playback level restored by the mute router
	NormalPlaybackVolume = 100

	// MaxPlaybackVolume is the upper bound accepted by the transport
	MaxPlaybackVolume = 100
)
