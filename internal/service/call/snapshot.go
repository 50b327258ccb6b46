package call

import (
	"linguacall/internal/domain"
)

// publish stores a fresh snapshot and notifies subscribers. Loop only.
func (c *Coordinator) publish() {
	snap := domain.Snapshot{
		State:              c.state(),
		RemoteParticipants: []domain.ParticipantID{},
		TranslationEnabled: c.translationEnabled,
		TranslationPending: c.pendingStart != nil,
		SignalingAvailable: c.signalingAvailable,
		LocalMicMuted:      c.micMuted,
		SpeakerphoneOn:     c.speakerphoneOn,
		LastError:          c.lastError,
	}
	if s := c.session; s != nil {
		snap.SessionID = s.ID.String()
		snap.ChannelID = s.ChannelID
		snap.LocalParticipant = s.LocalParticipant
		snap.CalledParticipant = s.CalledParticipant
		snap.RemoteParticipants = s.Remotes()
		snap.JoinedAt = s.JoinedAt
		if s.Translation != nil {
			t := *s.Translation
			snap.Translation = &t
		}
		if !s.JoinedAt.IsZero() && !c.leftAt.IsZero() {
			snap.CallDuration = c.leftAt.Sub(s.JoinedAt)
		}
	}

	prev := c.snapshot.Swap(&snap)
	if prev != nil && sameSnapshot(*prev, snap) {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		offerLatest(ch, snap)
	}
}

// Snapshot returns the current state. CallDuration runs from the transport join
// instant while the session is Active.
func (c *Coordinator) Snapshot() domain.Snapshot {
	snap := *c.snapshot.Load()
	if snap.State == domain.SessionStateActive && !snap.JoinedAt.IsZero() {
		snap.CallDuration = c.now().Sub(snap.JoinedAt)
	}
	return snap
}

// Subscribe delivers every state change. Slow readers only see the latest
// snapshot. The channel is closed by cancel or Dispose.
func (c *Coordinator) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)

	c.subMu.Lock()
	c.subSeq++
	id := c.subSeq
	c.subscribers[id] = ch
	ch <- c.Snapshot()
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// offerLatest replaces any unread snapshot with snap
func offerLatest(ch chan domain.Snapshot, snap domain.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func sameSnapshot(a, b domain.Snapshot) bool {
	if a.SessionID != b.SessionID || a.State != b.State ||
		a.LocalParticipant != b.LocalParticipant ||
		a.TranslationEnabled != b.TranslationEnabled ||
		a.TranslationPending != b.TranslationPending ||
		a.SignalingAvailable != b.SignalingAvailable ||
		a.LocalMicMuted != b.LocalMicMuted ||
		a.SpeakerphoneOn != b.SpeakerphoneOn ||
		a.LastError != b.LastError ||
		!a.JoinedAt.Equal(b.JoinedAt) ||
		a.CallDuration != b.CallDuration {
		return false
	}
	if (a.Translation == nil) != (b.Translation == nil) {
		return false
	}
	if a.Translation != nil && *a.Translation != *b.Translation {
		return false
	}
	if len(a.RemoteParticipants) != len(b.RemoteParticipants) {
		return false
	}
	for i := range a.RemoteParticipants {
		if a.RemoteParticipants[i] != b.RemoteParticipants[i] {
			return false
		}
	}
	return true
}
