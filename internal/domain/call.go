package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SessionState is the call session lifecycle
type SessionState string

const (
	SessionStateIdle    SessionState = "idle"
	SessionStateJoining SessionState = "joining"
	SessionStateActive  SessionState = "active"
	SessionStateLeaving SessionState = "leaving"
	SessionStateLeft    SessionState = "left"
	SessionStateFailed  SessionState = "failed"
)

var transitions = map[SessionState][]SessionState{
	SessionStateIdle:    {SessionStateJoining},
	SessionStateJoining: {SessionStateActive, SessionStateLeaving, SessionStateFailed},
	SessionStateActive:  {SessionStateLeaving, SessionStateFailed},
	SessionStateLeaving: {SessionStateLeft},
}

// CanTransition reports whether from -> to is a legal edge. Left and Failed are terminal.
func CanTransition(from, to SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the state
func (s SessionState) IsTerminal() bool {
	return s == SessionStateLeft || s == SessionStateFailed
}

// Credential is the audio transport join token. It is replaced in place on renewal.
type Credential struct {
	Token     string        `json:"token"`
	Channel   string        `json:"channel,omitempty"`
	UID       ParticipantID `json:"uid,omitempty"`
	IssuedAt  time.Time     `json:"issuedAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// Expired reports whether the credential is unusable at now
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt.IsZero() || !c.ExpiresAt.After(now)
}

// TranslationState exists while a translation_started has been received and no matching
// stop has been processed.
type TranslationState struct {
	TaskID         string        `json:"taskId,omitempty"`
	Speaker        ParticipantID `json:"speakerParticipantId"`
	Translator     ParticipantID `json:"translatorParticipantId"`
	SourceLanguage string        `json:"sourceLanguage,omitempty"`
	TargetLanguage string        `json:"targetLanguage,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
}

// CallSession is the per-call state owned by one coordinator
type CallSession struct {
	ID                 uuid.UUID
	ChannelID          string
	LocalParticipant   ParticipantID
	CalledParticipant  ParticipantID
	Credential         Credential
	State              SessionState
	RemoteParticipants map[ParticipantID]struct{}
	Translation        *TranslationState
	JoinedAt           time.Time
}

// NewCallSession creates an Idle session
func NewCallSession(channelID string, local, called ParticipantID, cred Credential) *CallSession {
	return &CallSession{
		ID:                 uuid.New(),
		ChannelID:          channelID,
		LocalParticipant:   local,
		CalledParticipant:  called,
		Credential:         cred,
		State:              SessionStateIdle,
		RemoteParticipants: make(map[ParticipantID]struct{}),
	}
}

// Remotes returns the remote participant set in ascending order
func (s *CallSession) Remotes() []ParticipantID {
	out := make([]ParticipantID, 0, len(s.RemoteParticipants))
	for id := range s.RemoteParticipants {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoteMute is one remote stream instruction
type RemoteMute struct {
	Participant ParticipantID `json:"participantId"`
	Muted       bool          `json:"muted"`
}

// MuteDecision is the mute router output. It is not persisted and is applied
// idempotently by the audio transport adapter.
type MuteDecision struct {
	Remote         []RemoteMute `json:"remote,omitempty"`
	LocalMicMuted  *bool        `json:"localMicMuted,omitempty"`
	PlaybackVolume *int         `json:"playbackVolume,omitempty"`
}

// IsEmpty reports whether applying the decision would do nothing
func (d MuteDecision) IsEmpty() bool {
	return len(d.Remote) == 0 && d.LocalMicMuted == nil && d.PlaybackVolume == nil
}

// Snapshot is the read-only view handed to the UI layer
type Snapshot struct {
	SessionID          string            `json:"sessionId,omitempty"`
	ChannelID          string            `json:"channelId,omitempty"`
	LocalParticipant   ParticipantID     `json:"localParticipantId"`
	CalledParticipant  ParticipantID     `json:"calledParticipantId,omitempty"`
	State              SessionState      `json:"state"`
	RemoteParticipants []ParticipantID   `json:"remoteParticipants"`
	Translation        *TranslationState `json:"translation,omitempty"`
	TranslationEnabled bool              `json:"isTranslationEnabled"`
	TranslationPending bool              `json:"isTranslationPending"`
	SignalingAvailable bool              `json:"signalingAvailable"`
	LocalMicMuted      bool              `json:"localMicMuted"`
	SpeakerphoneOn     bool              `json:"speakerphoneOn"`
	JoinedAt           time.Time         `json:"joinedAt,omitempty"`
	CallDuration       time.Duration     `json:"callDuration"`
	LastError          string            `json:"lastError,omitempty"`
}
