package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linguacall/internal/audio"
	"linguacall/internal/domain"
	"linguacall/internal/service/mute"
	"linguacall/internal/signaling"
	apperrors "linguacall/pkg/errors"
)

const testChannel = "alice_bob"

// fakeTransport records commands and lets tests drive the listener
type fakeTransport struct {
	mu        sync.Mutex
	listener  audio.Listener
	openErr   error
	joinErr   error
	joinAs    domain.ParticipantID
	autoLeave bool
	decisions []domain.MuteDecision
	micMuted  []bool
	leaves    int
	releases  int
}

func (f *fakeTransport) Open(_ context.Context, _ audio.EngineConfig, l audio.Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.listener = l
	return nil
}

func (f *fakeTransport) Join(_ domain.Credential, _ string, local domain.ParticipantID) error {
	f.mu.Lock()
	err, as, l := f.joinErr, f.joinAs, f.listener
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !as.IsZero() {
		l.TransportJoined(as)
	}
	return nil
}

func (f *fakeTransport) Leave() error {
	f.mu.Lock()
	f.leaves++
	auto, l := f.autoLeave, f.listener
	f.mu.Unlock()
	if auto && l != nil {
		l.TransportLeft()
	}
	return nil
}

func (f *fakeTransport) Apply(d domain.MuteDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeTransport) SetMicMuted(muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micMuted = append(f.micMuted, muted)
	return nil
}

func (f *fakeTransport) SetSpeakerphone(bool) error { return nil }

func (f *fakeTransport) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func (f *fakeTransport) applied() []domain.MuteDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MuteDecision(nil), f.decisions...)
}

func (f *fakeTransport) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func (f *fakeTransport) currentListener() audio.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

type emitted struct {
	event   string
	payload any
}

// fakeSignaling is an in-memory signaling connection
type fakeSignaling struct {
	mu         sync.Mutex
	connectErr error
	events     chan signaling.Event
	sent       []emitted
	presence   []signaling.ChannelPresencePayload
	connected  bool
	closed     bool
	closes     int
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{events: make(chan signaling.Event, 16)}
}

func (f *fakeSignaling) Connect(context.Context) error {
	if f.connectErr != nil {
		return apperrors.SignalingUnavailableError(f.connectErr)
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.push(signaling.Event{Kind: signaling.KindConnected})
	return nil
}

func (f *fakeSignaling) Events() <-chan signaling.Event { return f.events }

func (f *fakeSignaling) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return signaling.ErrNotConnected
	}
	f.sent = append(f.sent, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeSignaling) NotifyChannelJoined(p signaling.ChannelPresencePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, p)
}

func (f *fakeSignaling) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSignaling) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.closed {
		f.closed = true
		f.connected = false
		close(f.events)
	}
	return nil
}

func (f *fakeSignaling) push(e signaling.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- e
	}
}

func (f *fakeSignaling) commands(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeSignaling) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, e := range f.sent {
		out = append(out, e.event)
	}
	return out
}

// fakeRenewer records scheduling calls
type fakeRenewer struct {
	mu        sync.Mutex
	onRenewed func(domain.Credential)
	scheduled []time.Time
	stopped   bool
}

func (f *fakeRenewer) Track(_ string, _ domain.ParticipantID, onRenewed func(domain.Credential)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRenewed = onRenewed
}

func (f *fakeRenewer) Schedule(expiresAt time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, expiresAt)
	return true
}

func (f *fakeRenewer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeRenewer) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	c         *Coordinator
	transport *fakeTransport
	signal    *fakeSignaling
	renewer   *fakeRenewer
	clock     *testClock
}

func testCoordinatorConfig() Config {
	return Config{
		SettleDelay:               20 * time.Millisecond,
		LeaveTimeout:              100 * time.Millisecond,
		JoinTimeout:               time.Second,
		TranslationConfirmTimeout: time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{joinAs: 3, autoLeave: true},
		signal:    newFakeSignaling(),
		renewer:   &fakeRenewer{},
		clock:     &testClock{now: time.Now()},
	}
	h.c = New(cfg, Deps{
		Transport: h.transport,
		Signaling: h.signal,
		Renewer:   h.renewer,
	}, WithClock(h.clock.Now))
	t.Cleanup(h.c.Dispose)
	return h
}

func (h *harness) credential() domain.Credential {
	now := h.clock.Now()
	return domain.Credential{
		Token:     "tok-1",
		Channel:   testChannel,
		UID:       3,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func (h *harness) start(t *testing.T) *SessionHandle {
	t.Helper()
	handle, err := h.c.StartSession(context.Background(), StartParams{
		ChannelID:         testChannel,
		Credential:        h.credential(),
		LocalParticipant:  3,
		CalledParticipant: 5,
	})
	require.NoError(t, err)
	h.waitSignaling(t)
	return handle
}

func (h *harness) waitSignaling(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.c.Snapshot().SignalingAvailable
	}, time.Second, 5*time.Millisecond)
}

// deliver runs a signaling event through the loop synchronously
func (h *harness) deliver(t *testing.T, e signaling.Event) {
	t.Helper()
	require.NoError(t, h.c.call(func() { h.c.handleSignal(e) }))
}

// sync waits until everything queued so far has been processed
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.call(func() {}))
}

func (h *harness) startTranslation(t *testing.T, speaker, translator domain.ParticipantID) {
	t.Helper()
	h.deliver(t, signaling.Event{
		Kind: signaling.KindTranslationStarted,
		Started: &domain.TranslationStarted{
			TaskID:     "task-1",
			Speaker:    speaker,
			Translator: translator,
			Channel:    testChannel,
		},
	})
}

func TestStartSession_Activates(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	handle := h.start(t)

	assert.Equal(t, testChannel, handle.ChannelID)
	assert.NotEmpty(t, handle.ID)

	snap := h.c.Snapshot()
	assert.Equal(t, domain.SessionStateActive, snap.State)
	assert.Equal(t, h.clock.Now(), snap.JoinedAt)
	assert.EqualValues(t, 3, snap.LocalParticipant)

	require.Eventually(t, func() bool {
		return len(h.signal.commands(signaling.CommandJoinChannel)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, signaling.JoinChannelPayload{Channel: testChannel, UID: 3},
		h.signal.commands(signaling.CommandJoinChannel)[0])

	h.signal.mu.Lock()
	require.Len(t, h.signal.presence, 1)
	assert.Equal(t, testChannel, h.signal.presence[0].Channel)
	h.signal.mu.Unlock()

	h.renewer.mu.Lock()
	assert.Equal(t, []time.Time{h.credential().ExpiresAt}, h.renewer.scheduled)
	assert.NotNil(t, h.renewer.onRenewed)
	h.renewer.mu.Unlock()
}

func TestStartSession_CallDurationFromJoin(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.clock.advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, h.c.Snapshot().CallDuration)
}

func TestStartSession_Validation(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())

	_, err := h.c.StartSession(context.Background(), StartParams{ChannelID: "  ", Credential: h.credential()})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	expired := h.credential()
	expired.ExpiresAt = h.clock.Now().Add(-time.Second)
	_, err = h.c.StartSession(context.Background(), StartParams{ChannelID: testChannel, Credential: expired})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCredential))

	_, err = h.c.StartSession(context.Background(), StartParams{ChannelID: testChannel})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidCredential))

	assert.Nil(t, h.transport.currentListener())
	assert.Equal(t, domain.SessionStateIdle, h.c.Snapshot().State)
}

func TestStartSession_TransportInitFailure(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.transport.openErr = apperrors.TransportInitFailureError(errors.New("permission denied"))

	handle, err := h.c.StartSession(context.Background(), StartParams{
		ChannelID:        testChannel,
		Credential:       h.credential(),
		LocalParticipant: 3,
	})

	assert.Nil(t, handle)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportInitFailure))

	snap := h.c.Snapshot()
	assert.Equal(t, domain.SessionStateFailed, snap.State)
	assert.Contains(t, snap.LastError, "permission denied")
	assert.Equal(t, 1, h.transport.releaseCount())
}

func TestStartSession_JoinTimeout(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.transport.joinAs = domain.NoParticipant

	_, err := h.c.StartSession(context.Background(), StartParams{
		ChannelID:        testChannel,
		Credential:       h.credential(),
		LocalParticipant: 3,
	})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportInitFailure))
	assert.Equal(t, domain.SessionStateFailed, h.c.Snapshot().State)
}

func TestStartSession_AdoptsAssignedParticipant(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.transport.joinAs = 77

	handle, err := h.c.StartSession(context.Background(), StartParams{
		ChannelID:  testChannel,
		Credential: h.credential(),
	})
	require.NoError(t, err)
	assert.True(t, handle.LocalParticipant.IsZero())
	assert.EqualValues(t, 77, h.c.Snapshot().LocalParticipant)
}

func TestStartSession_OnlyOnce(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	_, err := h.c.StartSession(context.Background(), StartParams{ChannelID: testChannel, Credential: h.credential()})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestStartSession_SignalingUnavailableIsNotFatal(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.signal.connectErr = errors.New("connection refused")

	_, err := h.c.StartSession(context.Background(), StartParams{
		ChannelID:        testChannel,
		Credential:       h.credential(),
		LocalParticipant: 3,
	})
	require.NoError(t, err)
	h.sync(t)

	snap := h.c.Snapshot()
	assert.Equal(t, domain.SessionStateActive, snap.State)
	assert.False(t, snap.SignalingAvailable)

	err = h.c.RequestStartTranslation(context.Background(), TranslationRequest{SourceLanguage: "en", TargetLanguage: "ur"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSignalingUnavailable))
}

func TestRequestStartTranslation_Confirmed(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	done := make(chan error, 1)
	go func() {
		done <- h.c.RequestStartTranslation(context.Background(), TranslationRequest{SourceLanguage: "en", TargetLanguage: "ur"})
	}()

	require.Eventually(t, func() bool {
		return len(h.signal.commands(signaling.CommandStartTranslation)) == 1
	}, time.Second, 5*time.Millisecond)

	payload := h.signal.commands(signaling.CommandStartTranslation)[0].(signaling.StartTranslationPayload)
	assert.EqualValues(t, 5, payload.TargetSpeakerUID)
	assert.EqualValues(t, 3, payload.ClientID)
	assert.EqualValues(t, 3, payload.ClientAgoraID)
	assert.Equal(t, "tok-1", payload.ChannelTokenData.Token)
	assert.Equal(t, testChannel, payload.ChannelTokenData.Channel)

	h.sync(t)
	assert.True(t, h.c.Snapshot().TranslationPending)
	assert.Empty(t, h.transport.applied(), "nothing changes before confirmation")

	h.signal.push(signaling.Event{
		Kind: signaling.KindTranslationStarted,
		Started: &domain.TranslationStarted{
			TaskID:     "task-1",
			Speaker:    5,
			Translator: 99,
			Channel:    testChannel,
		},
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start translation did not resolve")
	}

	h.sync(t)
	snap := h.c.Snapshot()
	assert.True(t, snap.TranslationEnabled)
	assert.False(t, snap.TranslationPending)
	require.NotNil(t, snap.Translation)
	assert.EqualValues(t, 99, snap.Translation.Translator)
	assert.Equal(t, []domain.MuteDecision{mute.Compute(3, 5, 99)}, h.transport.applied())
}

func TestRequestStartTranslation_Rejected(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	done := make(chan error, 1)
	go func() {
		done <- h.c.RequestStartTranslation(context.Background(), TranslationRequest{SourceLanguage: "en", TargetLanguage: "ur"})
	}()
	require.Eventually(t, func() bool {
		return len(h.signal.commands(signaling.CommandStartTranslation)) == 1
	}, time.Second, 5*time.Millisecond)
	h.sync(t)

	h.deliver(t, signaling.Event{
		Kind:   signaling.KindTranslationFailed,
		Failed: &domain.TranslationFailed{Message: "no credits", Channel: testChannel, ClientID: "3"},
	})

	err := <-done
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTranslationRejected))
	assert.Empty(t, h.transport.applied())
	assert.False(t, h.c.Snapshot().TranslationEnabled)
}

func TestRequestStartTranslation_Timeout(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.TranslationConfirmTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.start(t)

	err := h.c.RequestStartTranslation(context.Background(), TranslationRequest{SourceLanguage: "en", TargetLanguage: "ur"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTranslationTimeout))

	h.sync(t)
	snap := h.c.Snapshot()
	assert.False(t, snap.TranslationPending)
	assert.Nil(t, snap.Translation)
	assert.Empty(t, h.transport.applied())
}

func TestTranslationStarted_SpeakerEndToEnd(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.startTranslation(t, 3, 42)

	applied := h.transport.applied()
	require.Len(t, applied, 1)
	assert.Equal(t, []domain.RemoteMute{{Participant: 42, Muted: true}}, applied[0].Remote)
	require.NotNil(t, applied[0].LocalMicMuted)
	assert.False(t, *applied[0].LocalMicMuted)
	assert.Nil(t, applied[0].PlaybackVolume)
}

func TestTranslationStarted_Malformed(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.startTranslation(t, 5, domain.NoParticipant)

	assert.Empty(t, h.transport.applied())
	assert.Nil(t, h.c.Snapshot().Translation)
	assert.Equal(t, domain.SessionStateActive, h.c.Snapshot().State)
}

func TestTranslationStarted_OtherChannelIgnored(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.deliver(t, signaling.Event{
		Kind:    signaling.KindTranslationStarted,
		Started: &domain.TranslationStarted{Speaker: 5, Translator: 99, Channel: "carol_dave"},
	})

	assert.Empty(t, h.transport.applied())
	assert.Nil(t, h.c.Snapshot().Translation)
}

func TestTranslationStopped_DirectFallsBackToCache(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)
	h.startTranslation(t, 5, 99)

	h.deliver(t, signaling.Event{
		Kind:    signaling.KindTranslationStopped,
		Stopped: &domain.TranslationStopped{Source: domain.StopDirect, Channel: testChannel, ClientID: "3"},
	})

	applied := h.transport.applied()
	require.Len(t, applied, 2)
	assert.Equal(t, mute.Restore(3, 5, 99, domain.StopDirect), applied[1])
	assert.Nil(t, h.c.Snapshot().Translation)
	assert.False(t, h.c.Snapshot().TranslationEnabled)
}

func TestTranslationStopped_PayloadWinsOverCache(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)
	h.startTranslation(t, 5, 99)

	h.deliver(t, signaling.Event{
		Kind:    signaling.KindTranslationStopped,
		Stopped: &domain.TranslationStopped{Source: domain.StopDirect, Speaker: 6, Translator: 98},
	})

	applied := h.transport.applied()
	require.Len(t, applied, 2)
	assert.Equal(t, mute.Restore(3, 6, 98, domain.StopDirect), applied[1])
}

func TestTranslationStopped_DirectWithoutCacheOrSpeakerIsNoop(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.deliver(t, signaling.Event{
		Kind:    signaling.KindTranslationStopped,
		Stopped: &domain.TranslationStopped{Source: domain.StopDirect, Channel: testChannel},
	})

	assert.Empty(t, h.transport.applied())
	assert.Nil(t, h.c.Snapshot().Translation)
	assert.Equal(t, domain.SessionStateActive, h.c.Snapshot().State)
}

func TestTranslationStopped_DirectTranslatorOnlyWithoutCacheIsNoop(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.deliver(t, signaling.Event{
		Kind:    signaling.KindTranslationStopped,
		Stopped: &domain.TranslationStopped{Source: domain.StopDirect, Channel: testChannel, Translator: 99},
	})

	assert.Empty(t, h.transport.applied())
	assert.False(t, h.c.Snapshot().TranslationEnabled)
}

func TestTranslationStopped_DirectSpeakerWithoutCache(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.deliver(t, signaling.Event{
		Kind:    signaling.KindTranslationStopped,
		Stopped: &domain.TranslationStopped{Source: domain.StopDirect, Channel: testChannel, Speaker: 5, Translator: 99},
	})

	applied := h.transport.applied()
	require.Len(t, applied, 1)
	assert.Equal(t, mute.Restore(3, 5, 99, domain.StopDirect), applied[0])
}

func TestTranslationStopped_BroadcastWithoutCacheIsNoop(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.deliver(t, signaling.Event{
		Kind:    signaling.KindTranslationStopped,
		Stopped: &domain.TranslationStopped{Source: domain.StopBroadcast, Channel: testChannel, Speaker: 5, Translator: 99},
	})

	assert.Empty(t, h.transport.applied())
	assert.Equal(t, domain.SessionStateActive, h.c.Snapshot().State)
}

func TestTranslationStopped_BroadcastDoesNotRemuteTranslator(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)
	h.startTranslation(t, 5, 99)

	h.deliver(t, signaling.Event{
		Kind:    signaling.KindTranslationStopped,
		Stopped: &domain.TranslationStopped{Source: domain.StopBroadcast, Channel: testChannel},
	})

	applied := h.transport.applied()
	require.Len(t, applied, 2)
	assert.Equal(t, []domain.RemoteMute{{Participant: 5, Muted: false}}, applied[1].Remote)
	assert.Nil(t, h.c.Snapshot().Translation)
}

func TestTranslationStopped_ForeignEventsIgnored(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)
	h.startTranslation(t, 5, 99)

	foreign := []*domain.TranslationStopped{
		{Source: domain.StopDirect, Channel: "carol_dave"},
		{Source: domain.StopDirect, Channel: testChannel, ClientID: "77"},
		{Source: domain.StopBroadcast, Channel: testChannel, Translator: 12},
	}
	for _, stopped := range foreign {
		h.deliver(t, signaling.Event{Kind: signaling.KindTranslationStopped, Stopped: stopped})
	}

	assert.Len(t, h.transport.applied(), 1)
	require.NotNil(t, h.c.Snapshot().Translation)
	assert.True(t, h.c.Snapshot().TranslationEnabled)
}

func TestRequestStopTranslation_WaitsForConfirmation(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)
	h.startTranslation(t, 5, 99)

	done := make(chan error, 1)
	go func() {
		done <- h.c.RequestStopTranslation(context.Background())
	}()

	require.Eventually(t, func() bool {
		return len(h.signal.commands(signaling.CommandStopTranslation)) == 1
	}, time.Second, 5*time.Millisecond)
	h.sync(t)

	snap := h.c.Snapshot()
	assert.False(t, snap.TranslationEnabled)
	assert.NotNil(t, snap.Translation, "audio is restored only on confirmation")
	assert.Len(t, h.transport.applied(), 1)

	h.signal.push(signaling.Event{
		Kind:    signaling.KindTranslationStopped,
		Stopped: &domain.TranslationStopped{Source: domain.StopDirect, Channel: testChannel, ClientID: "3"},
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop translation did not resolve")
	}
	h.sync(t)
	assert.Len(t, h.transport.applied(), 2)
	assert.Nil(t, h.c.Snapshot().Translation)
}

func TestRequestStopTranslation_NothingRunning(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	require.NoError(t, h.c.RequestStopTranslation(context.Background()))
	assert.Len(t, h.signal.commands(signaling.CommandStopTranslation), 1)
}

func TestParticipantJoined_SettleReapplies(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)
	h.startTranslation(t, 5, 99)

	h.transport.currentListener().TransportParticipantJoined(99)
	h.sync(t)
	assert.Equal(t, []domain.ParticipantID{99}, h.c.Snapshot().RemoteParticipants)

	require.Eventually(t, func() bool {
		return len(h.transport.applied()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, h.transport.applied()[0], h.transport.applied()[1])

	h.transport.currentListener().TransportParticipantLeft(99)
	h.sync(t)
	assert.Empty(t, h.c.Snapshot().RemoteParticipants)
}

func TestParticipantJoined_NoTranslationNoReapply(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.transport.currentListener().TransportParticipantJoined(5)
	time.Sleep(60 * time.Millisecond)
	h.sync(t)

	assert.Empty(t, h.transport.applied())
}

func TestLeave_TransportConfirms(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	handle := h.start(t)

	require.NoError(t, h.c.Leave(context.Background()))

	assert.Equal(t, domain.SessionStateLeft, h.c.Snapshot().State)
	assert.Equal(t, 1, h.transport.releaseCount())
	assert.True(t, h.renewer.isStopped())
	assert.Subset(t, h.signal.names(), []string{
		signaling.CommandStopTranslation,
		signaling.CommandLeaveChannel,
		signaling.CommandAgoraChannelLeft,
	})

	select {
	case <-handle.Done():
	default:
		t.Fatal("session handle not done after leave")
	}
}

func TestLeave_TimeoutStillLeaves(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.transport.autoLeave = false
	h.start(t)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.c.Leave(context.Background()))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, domain.SessionStateLeft, h.c.Snapshot().State)
	assert.Equal(t, 1, h.transport.releaseCount())

	h.transport.mu.Lock()
	assert.Equal(t, 1, h.transport.leaves)
	h.transport.mu.Unlock()
}

func TestLeave_Idempotent(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	require.NoError(t, h.c.Leave(context.Background()))
	require.NoError(t, h.c.Leave(context.Background()))
	assert.Equal(t, 1, h.transport.releaseCount())
}

func TestLeave_Concurrent(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.c.Leave(context.Background())
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, h.transport.releaseCount())
	assert.Equal(t, domain.SessionStateLeft, h.c.Snapshot().State)
}

func TestLeave_CancelsSettle(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.SettleDelay = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.start(t)
	h.startTranslation(t, 5, 99)

	h.transport.currentListener().TransportParticipantJoined(99)
	h.sync(t)
	require.NoError(t, h.c.Leave(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.transport.applied(), 1)
}

func TestLeave_BeforeStart(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	assert.NoError(t, h.c.Leave(context.Background()))
}

func TestTransportLeftWhileActive(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.transport.currentListener().TransportLeft()
	h.sync(t)

	assert.Equal(t, domain.SessionStateLeft, h.c.Snapshot().State)
	assert.Equal(t, 1, h.transport.releaseCount())
}

func TestFatalTransportErrorWhileActive(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)

	h.transport.currentListener().TransportFailed(apperrors.TransportInitFailureError(errors.New("token expired")))
	h.sync(t)

	snap := h.c.Snapshot()
	assert.Equal(t, domain.SessionStateFailed, snap.State)
	assert.Contains(t, snap.LastError, "token expired")
	assert.True(t, h.renewer.isStopped())
	assert.Equal(t, 1, h.transport.releaseCount())
}

func TestSignalingDisconnectKeepsCall(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)
	h.startTranslation(t, 5, 99)

	h.deliver(t, signaling.Event{
		Kind: signaling.KindDisconnected,
		Err:  apperrors.SignalingUnavailableError(errors.New("connection lost")),
	})

	snap := h.c.Snapshot()
	assert.Equal(t, domain.SessionStateActive, snap.State)
	assert.False(t, snap.SignalingAvailable)
	assert.False(t, snap.TranslationEnabled)
	assert.NotNil(t, snap.Translation)
	assert.Len(t, h.transport.applied(), 1)
}

func TestCredentialRenewalFlowsIntoTranslationRequest(t *testing.T) {
	cfg := testCoordinatorConfig()
	cfg.TranslationConfirmTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.start(t)

	h.renewer.mu.Lock()
	onRenewed := h.renewer.onRenewed
	h.renewer.mu.Unlock()
	onRenewed(domain.Credential{Token: "tok-2", ExpiresAt: h.clock.Now().Add(2 * time.Hour)})
	h.sync(t)

	_ = h.c.RequestStartTranslation(context.Background(), TranslationRequest{SourceLanguage: "en", TargetLanguage: "ur"})
	payload := h.signal.commands(signaling.CommandStartTranslation)[0].(signaling.StartTranslationPayload)
	assert.Equal(t, "tok-2", payload.ChannelTokenData.Token)
}

func TestMicAndSpeakerphone(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())

	assert.True(t, apperrors.HasCode(h.c.SetMicMuted(true), apperrors.ErrCodeInvalidState))

	h.start(t)
	require.NoError(t, h.c.SetMicMuted(true))
	require.NoError(t, h.c.SetSpeakerphone(true))
	h.sync(t)

	snap := h.c.Snapshot()
	assert.True(t, snap.LocalMicMuted)
	assert.True(t, snap.SpeakerphoneOn)
}

func TestSubscribe_ReceivesLatest(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	updates, cancel := h.c.Subscribe()
	defer cancel()

	first := <-updates
	assert.Equal(t, domain.SessionStateIdle, first.State)

	h.start(t)

	require.Eventually(t, func() bool {
		select {
		case snap := <-updates:
			return snap.State == domain.SessionStateActive
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestDispose_Idempotent(t *testing.T) {
	h := newHarness(t, testCoordinatorConfig())
	h.start(t)
	updates, _ := h.c.Subscribe()

	h.c.Dispose()
	h.c.Dispose()

	assert.Equal(t, 1, h.transport.releaseCount())
	assert.Equal(t, domain.SessionStateLeft, h.c.Snapshot().State)

	h.signal.mu.Lock()
	assert.Equal(t, 1, h.signal.closes)
	h.signal.mu.Unlock()

	for range updates {
	}
	assert.NoError(t, h.c.Leave(context.Background()))
}
