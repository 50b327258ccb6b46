package domain

import "time"

// StopSource tells the coordinator which stop path produced a TranslationStopped
type StopSource string

const (
	// StopDirect is a stop addressed to this client (translation_stopped_direct)
	StopDirect StopSource = "direct"
	// StopBroadcast is a channel-wide stop (translation_stopped)
	StopBroadcast StopSource = "broadcast"
)

// TranslationStarted is a normalized translation_started event.
// A zero Speaker or Translator means the payload was malformed.
type TranslationStarted struct {
	TaskID         string
	Speaker        ParticipantID
	Translator     ParticipantID
	SourceLanguage string
	TargetLanguage string
	Channel        string
	ClientID       string
}

// Valid reports whether both participants were present
func (e TranslationStarted) Valid() bool {
	return !e.Speaker.IsZero() && !e.Translator.IsZero()
}

// TranslationFailed is a translation_failed event, or a translation_started
// that carried success:false.
type TranslationFailed struct {
	Message  string
	Channel  string
	ClientID string
}

// TranslationStopped is a normalized stop event. Speaker and Translator are
// zero when the payload omitted them.
type TranslationStopped struct {
	Source     StopSource
	Channel    string
	ClientID   string
	Speaker    ParticipantID
	Translator ParticipantID
}

// ParticipantJoined is reported by either the audio transport or signaling
type ParticipantJoined struct {
	Participant ParticipantID
	At          time.Time
}

// ParticipantLeft is reported by either the audio transport or signaling
type ParticipantLeft struct {
	Participant ParticipantID
	At          time.Time
}

// SignalingDisconnected is emitted once when the signaling connection drops
type SignalingDisconnected struct {
	Err error
}
