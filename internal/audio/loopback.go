package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrEngineReleased is returned by every LoopbackEngine call after Release
var ErrEngineReleased = errors.New("audio engine released")

// LoopbackEngine is an in-process Engine for development shells and tests. It
// confirms joins and leaves asynchronously after Latency and records every mute
// command it receives. Remote participants are simulated with AddRemote.
type LoopbackEngine struct {
	Latency time.Duration

	mu           sync.Mutex
	handler      EventHandler
	initialized  bool
	joined       bool
	released     bool
	token        string
	channel      string
	uid          uint32
	localMuted   bool
	remoteMuted  map[uint32]bool
	speakerphone bool
	volume       int
}

// NewLoopbackEngine creates an engine that answers after latency
func NewLoopbackEngine(latency time.Duration) *LoopbackEngine {
	return &LoopbackEngine{
		Latency:     latency,
		remoteMuted: make(map[uint32]bool),
		volume:      100,
	}
}

func (e *LoopbackEngine) Initialize(cfg EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrEngineReleased
	}
	e.initialized = true
	return nil
}

func (e *LoopbackEngine) RegisterEventHandler(h EventHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *LoopbackEngine) EnableAudio() error {
	return e.check()
}

// JoinChannel reports success with uid, or with 1000+len(channel) when uid is zero
func (e *LoopbackEngine) JoinChannel(token, channelID string, uid uint32) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return ErrEngineReleased
	}
	if !e.initialized {
		e.mu.Unlock()
		return &EngineError{Code: ErrNotInitialized, Message: "engine not initialized"}
	}
	if uid == 0 {
		uid = 1000 + uint32(len(channelID))
	}
	e.token, e.channel, e.uid, e.joined = token, channelID, uid, true
	e.mu.Unlock()

	e.later(func(h EventHandler) { h.OnJoinChannelSuccess(channelID, uid, e.Latency) })
	return nil
}

func (e *LoopbackEngine) LeaveChannel() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return ErrEngineReleased
	}
	e.joined = false
	e.mu.Unlock()

	e.later(func(h EventHandler) { h.OnLeaveChannel() })
	return nil
}

func (e *LoopbackEngine) MuteLocalAudioStream(muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrEngineReleased
	}
	e.localMuted = muted
	return nil
}

func (e *LoopbackEngine) MuteRemoteAudioStream(uid uint32, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrEngineReleased
	}
	e.remoteMuted[uid] = muted
	return nil
}

func (e *LoopbackEngine) SetEnableSpeakerphone(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrEngineReleased
	}
	e.speakerphone = enabled
	return nil
}

func (e *LoopbackEngine) AdjustPlaybackSignalVolume(volume int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrEngineReleased
	}
	e.volume = volume
	return nil
}

func (e *LoopbackEngine) RenewToken(token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrEngineReleased
	}
	e.token = token
	return nil
}

func (e *LoopbackEngine) Release() {
	e.mu.Lock()
	e.released = true
	e.handler = nil
	e.mu.Unlock()
}

// AddRemote simulates a remote participant joining the channel
func (e *LoopbackEngine) AddRemote(uid uint32) {
	e.later(func(h EventHandler) { h.OnUserJoined(uid, 0) })
}

// DropRemote simulates a remote participant leaving the channel
func (e *LoopbackEngine) DropRemote(uid uint32) {
	e.later(func(h EventHandler) { h.OnUserOffline(uid, OfflineQuit) })
}

// RemoteMuted reports the last mute value sent for uid
func (e *LoopbackEngine) RemoteMuted(uid uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteMuted[uid]
}

// LocalMuted reports whether the local stream is muted
func (e *LoopbackEngine) LocalMuted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localMuted
}

// Token returns the token the engine currently holds
func (e *LoopbackEngine) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// Released reports whether Release ran
func (e *LoopbackEngine) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *LoopbackEngine) check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrEngineReleased
	}
	return nil
}

// later invokes fn on a fresh goroutine, the way SDK callbacks arrive
func (e *LoopbackEngine) later(fn func(h EventHandler)) {
	go func() {
		if e.Latency > 0 {
			time.Sleep(e.Latency)
		}
		e.mu.Lock()
		h := e.handler
		e.mu.Unlock()
		if h != nil {
			fn(h)
		}
	}()
}
