package call

import (
	"context"
	"time"

	"linguacall/internal/audio"
	"linguacall/internal/domain"
	"linguacall/internal/signaling"
)

// Transport is the audio side of a call. *audio.Transport implements it.
type Transport interface {
	Open(ctx context.Context, cfg audio.EngineConfig, l audio.Listener) error
	Join(cred domain.Credential, channelID string, local domain.ParticipantID) error
	Leave() error
	Apply(decision domain.MuteDecision) error
	SetMicMuted(muted bool) error
	SetSpeakerphone(enabled bool) error
	Release()
}

// Signaling is the translation backend connection. *signaling.Client implements it.
type Signaling interface {
	Connect(ctx context.Context) error
	Events() <-chan signaling.Event
	Emit(event string, payload any) error
	NotifyChannelJoined(p signaling.ChannelPresencePayload)
	Connected() bool
	Close() error
}

// Renewer keeps the credential fresh. *token.Manager implements it.
type Renewer interface {
	Track(channel string, uid domain.ParticipantID, onRenewed func(domain.Credential))
	Schedule(expiresAt time.Time) bool
	Stop()
}

// Deps are the collaborators exclusively owned by one Coordinator
type Deps struct {
	Transport Transport
	Signaling Signaling
	// Renewer may be nil, in which case credentials are never renewed
	Renewer Renewer
}
