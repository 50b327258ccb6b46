package mute

import (
	"fmt"

	"linguacall/internal/domain"
	"linguacall/pkg/constants"
)

// Role is the local participant's side of a translation
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// RoleFor classifies the local participant against the active speaker
func RoleFor(local, speaker domain.ParticipantID) Role {
	if local == speaker {
		return RoleSpeaker
	}
	return RoleListener
}

// Compute returns the mute decision for an active translation.
//
// The speaker does not hear the translator stream and keeps the mic open; every other
// participant hears the translator instead of the original speaker, with playback
// restored to a normal level. The speaker's playback volume is left as it is. Other
// remotes are never touched.
func Compute(local, speaker, translator domain.ParticipantID) domain.MuteDecision {
	if RoleFor(local, speaker) == RoleSpeaker {
		micMuted := false
		return domain.MuteDecision{
			Remote: []domain.RemoteMute{
				{Participant: translator, Muted: true},
			},
			LocalMicMuted: &micMuted,
		}
	}

	volume := constants.NormalPlaybackVolume
	return domain.MuteDecision{
		Remote: []domain.RemoteMute{
			{Participant: speaker, Muted: true},
			{Participant: translator, Muted: false},
		},
		PlaybackVolume: &volume,
	}
}

// ComputeFromRaw normalizes raw payload identifiers before computing.
// Zero or unparseable speaker/translator IDs are rejected.
func ComputeFromRaw(local domain.ParticipantID, rawSpeaker, rawTranslator any) (domain.MuteDecision, error) {
	speaker, err := domain.ParseParticipantID(rawSpeaker)
	if err != nil {
		return domain.MuteDecision{}, fmt.Errorf("speaker: %w", err)
	}
	translator, err := domain.ParseParticipantID(rawTranslator)
	if err != nil {
		return domain.MuteDecision{}, fmt.Errorf("translator: %w", err)
	}
	if speaker.IsZero() || translator.IsZero() {
		return domain.MuteDecision{}, fmt.Errorf("speaker and translator are required")
	}
	return Compute(local, speaker, translator), nil
}

// Restore undoes a translation's muting.
//
// The original speaker is unmuted unless it is the local participant. Only a direct
// stop mutes the translator stream; a broadcast stop leaves it to the backend to tear
// down.
func Restore(local, speaker, translator domain.ParticipantID, source domain.StopSource) domain.MuteDecision {
	var decision domain.MuteDecision

	if !speaker.IsZero() && speaker != local {
		decision.Remote = append(decision.Remote, domain.RemoteMute{Participant: speaker, Muted: false})
	}
	if source == domain.StopDirect && !translator.IsZero() {
		decision.Remote = append(decision.Remote, domain.RemoteMute{Participant: translator, Muted: true})
	}
	return decision
}
