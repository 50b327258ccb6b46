package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"linguacall/internal/domain"
	apperrors "linguacall/pkg/errors"
)

// Inbound event names
const (
	EventTranslationStarted        = "translation_started"
	EventTranslationFailed         = "translation_failed"
	EventTranslationStopped        = "translation_stopped"
	EventTranslationSessionStopped = "translation_session_stopped"
	EventParticipantJoined         = "participant_joined"
	EventParticipantLeft           = "participant_left"
)

// Outbound command names
const (
	CommandJoinChannel        = "join_channel"
	CommandStartTranslation   = "start_translation"
	CommandStopTranslation    = "stop_translation"
	CommandLeaveChannel       = "leave_channel"
	CommandAgoraChannelJoined = "agora_channel_joined"
	CommandAgoraChannelLeft   = "agora_channel_left"
)

// Envelope is the wire frame in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventKind classifies what the client delivers on Events()
type EventKind string

const (
	KindConnected          EventKind = "connected"
	KindDisconnected       EventKind = "disconnected"
	KindTranslationStarted EventKind = "translation_started"
	KindTranslationFailed  EventKind = "translation_failed"
	KindTranslationStopped EventKind = "translation_stopped"
	KindParticipantJoined  EventKind = "participant_joined"
	KindParticipantLeft    EventKind = "participant_left"
	KindMalformed          EventKind = "malformed"
)

// Event is one normalized inbound signal. Exactly one of the typed fields is set
// for the translation and participant kinds.
type Event struct {
	Kind        EventKind
	Name        string
	Started     *domain.TranslationStarted
	Failed      *domain.TranslationFailed
	Stopped     *domain.TranslationStopped
	Participant domain.ParticipantID
	Err         error
}

// JoinChannelPayload is sent on every connect
type JoinChannelPayload struct {
	Channel string               `json:"channel"`
	UID     domain.ParticipantID `json:"uid"`
}

// ChannelTokenData is the caller's credential forwarded so the backend can join
// the translator into the channel
type ChannelTokenData struct {
	Token       string               `json:"token"`
	UID         domain.ParticipantID `json:"uid"`
	ExpiresAt   int64                `json:"expiresAt"`
	GeneratedAt int64                `json:"generatedAt"`
	Channel     string               `json:"channel"`
}

// StartTranslationPayload asks the backend to start a translation task
type StartTranslationPayload struct {
	Channel          string               `json:"channel"`
	SourceLanguage   string               `json:"sourceLanguage"`
	TargetLanguage   string               `json:"targetLanguage"`
	TargetSpeakerUID domain.ParticipantID `json:"targetSpeakerUid,omitempty"`
	ClientID         domain.ParticipantID `json:"clientId"`
	ClientAgoraID    domain.ParticipantID `json:"client_Agora_Id"`
	ChannelTokenData ChannelTokenData     `json:"channelTokenData"`
}

// StopTranslationPayload stops the caller's translation task
type StopTranslationPayload struct {
	Channel  string               `json:"channel"`
	ClientID domain.ParticipantID `json:"clientId"`
}

// LeaveChannelPayload is sent when the user leaves, for tracking
type LeaveChannelPayload struct {
	Channel string               `json:"channel"`
	UID     domain.ParticipantID `json:"uid"`
}

// ChannelPresencePayload reports the media-plane join or leave instant
type ChannelPresencePayload struct {
	Channel   string               `json:"channel"`
	UID       domain.ParticipantID `json:"uid"`
	Timestamp int64                `json:"timestamp"`
}

// NewChannelPresence stamps a presence payload with at in milliseconds
func NewChannelPresence(channel string, uid domain.ParticipantID, at time.Time) ChannelPresencePayload {
	return ChannelPresencePayload{Channel: channel, UID: uid, Timestamp: at.UnixMilli()}
}

// taskData is the nested translation backend task description
type taskData struct {
	TaskID       string               `json:"task_id"`
	LocalUID     domain.ParticipantID `json:"local_uid"`
	RemoteUID    domain.ParticipantID `json:"remote_uid"`
	Translations []struct {
		LocalUID  domain.ParticipantID `json:"local_uid"`
		RemoteUID domain.ParticipantID `json:"remote_uid"`
	} `json:"translations"`
}

// translationPayload is the union of every translation event shape the backend sends.
// Every field is optional.
type translationPayload struct {
	Success            *bool                `json:"success"`
	Message            string               `json:"message"`
	TaskID             string               `json:"taskId"`
	SpeakerUID         domain.ParticipantID `json:"speakerUid"`
	TranslatorUID      domain.ParticipantID `json:"translatorUid"`
	SourceLanguage     string               `json:"sourceLanguage"`
	TargetLanguage     string               `json:"targetLanguage"`
	Channel            string               `json:"channel"`
	ClientID           json.RawMessage      `json:"clientId"`
	RemoteUID          domain.ParticipantID `json:"remote_uid"`
	TranslatorUIDSnake domain.ParticipantID `json:"translator_uid"`
	PalabraTask        *struct {
		Data *taskData `json:"data"`
	} `json:"palabraTask"`
}

func (p *translationPayload) task() *taskData {
	if p.PalabraTask == nil {
		return nil
	}
	return p.PalabraTask.Data
}

// speaker prefers the nested task, then the flat fields
func (p *translationPayload) speaker() domain.ParticipantID {
	if t := p.task(); t != nil && !t.RemoteUID.IsZero() {
		return t.RemoteUID
	}
	if !p.SpeakerUID.IsZero() {
		return p.SpeakerUID
	}
	return p.RemoteUID
}

func (p *translationPayload) translator() domain.ParticipantID {
	if t := p.task(); t != nil {
		if len(t.Translations) > 0 && !t.Translations[0].LocalUID.IsZero() {
			return t.Translations[0].LocalUID
		}
		if !t.LocalUID.IsZero() {
			return t.LocalUID
		}
	}
	if !p.TranslatorUID.IsZero() {
		return p.TranslatorUID
	}
	return p.TranslatorUIDSnake
}

func (p *translationPayload) clientID() string {
	raw := bytes.TrimSpace(p.ClientID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id domain.ParticipantID
	if err := json.Unmarshal(raw, &id); err == nil {
		if id.IsZero() {
			return ""
		}
		return id.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type participantPayload struct {
	UID           domain.ParticipantID `json:"uid"`
	ParticipantID domain.ParticipantID `json:"participantId"`
}

// ParseEvent decodes an inbound envelope. Unknown events return ok=false.
// Payloads that cannot be decoded produce a KindMalformed event.
func ParseEvent(env Envelope) (Event, bool) {
	switch env.Event {
	case EventTranslationStarted:
		p, err := decodeTranslation(env)
		if err != nil {
			return malformed(env.Event, err), true
		}
		if p.Success != nil && !*p.Success {
			return Event{
				Kind: KindTranslationFailed,
				Name: env.Event,
				Failed: &domain.TranslationFailed{
					Message:  p.Message,
					Channel:  p.Channel,
					ClientID: p.clientID(),
				},
			}, true
		}

		started := &domain.TranslationStarted{
			TaskID:         p.TaskID,
			Speaker:        p.speaker(),
			Translator:     p.translator(),
			SourceLanguage: p.SourceLanguage,
			TargetLanguage: p.TargetLanguage,
			Channel:        p.Channel,
			ClientID:       p.clientID(),
		}
		if t := p.task(); t != nil && started.TaskID == "" {
			started.TaskID = t.TaskID
		}
		return Event{Kind: KindTranslationStarted, Name: env.Event, Started: started}, true

	case EventTranslationFailed:
		p, err := decodeTranslation(env)
		if err != nil {
			return malformed(env.Event, err), true
		}
		return Event{
			Kind: KindTranslationFailed,
			Name: env.Event,
			Failed: &domain.TranslationFailed{
				Message:  p.Message,
				Channel:  p.Channel,
				ClientID: p.clientID(),
			},
		}, true

	case EventTranslationStopped, EventTranslationSessionStopped:
		p, err := decodeTranslation(env)
		if err != nil {
			return malformed(env.Event, err), true
		}
		source := domain.StopDirect
		if env.Event == EventTranslationSessionStopped {
			source = domain.StopBroadcast
		}
		return Event{
			Kind: KindTranslationStopped,
			Name: env.Event,
			Stopped: &domain.TranslationStopped{
				Source:     source,
				Channel:    p.Channel,
				ClientID:   p.clientID(),
				Speaker:    p.speaker(),
				Translator: p.translator(),
			},
		}, true

	case EventParticipantJoined, EventParticipantLeft:
		var p participantPayload
		if err := decodeData(env, &p); err != nil {
			return malformed(env.Event, err), true
		}
		id := p.UID
		if id.IsZero() {
			id = p.ParticipantID
		}
		if id.IsZero() {
			return malformed(env.Event, fmt.Errorf("missing uid")), true
		}
		kind := KindParticipantJoined
		if env.Event == EventParticipantLeft {
			kind = KindParticipantLeft
		}
		return Event{Kind: kind, Name: env.Event, Participant: id}, true
	}

	return Event{}, false
}

func decodeTranslation(env Envelope) (*translationPayload, error) {
	p := &translationPayload{}
	if err := decodeData(env, p); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeData(env Envelope, v any) error {
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, v)
}

func malformed(event string, err error) Event {
	return Event{
		Kind: KindMalformed,
		Name: event,
		Err:  apperrors.MalformedEventError(event, err.Error()),
	}
}
