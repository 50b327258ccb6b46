package callkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"linguacall/internal/audio"
	"linguacall/internal/domain"
	callsvc "linguacall/internal/service/call"
	"linguacall/internal/signaling"
	"linguacall/pkg/config"
	apperrors "linguacall/pkg/errors"
)

// MockIssuer is a mock implementation of token.Issuer
type MockIssuer struct {
	mock.Mock
}

func (m *MockIssuer) Issue(ctx context.Context, channel string, uid domain.ParticipantID) (domain.Credential, error) {
	args := m.Called(ctx, channel, uid)
	return args.Get(0).(domain.Credential), args.Error(1)
}

// translationBackend answers start_translation and stop_translation like the
// real backend does
type translationBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []string
}

func newTranslationBackend(t *testing.T) *translationBackend {
	b := &translationBackend{}
	b.server = httptest.NewServer(http.HandlerFunc(b.serveWS))
	t.Cleanup(b.server.Close)
	return b
}

func (b *translationBackend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *translationBackend) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		b.mu.Lock()
		b.received = append(b.received, env.Event)
		b.mu.Unlock()

		var reply signaling.Envelope
		switch env.Event {
		case signaling.CommandStartTranslation:
			reply = signaling.Envelope{
				Event: signaling.EventTranslationStarted,
				Data:  json.RawMessage(`{"success":true,"taskId":"t-1","speakerUid":3,"translatorUid":42,"channel":"alice_bob"}`),
			}
		case signaling.CommandStopTranslation:
			reply = signaling.Envelope{
				Event: signaling.EventTranslationStopped,
				Data:  json.RawMessage(`{"channel":"alice_bob","clientId":7}`),
			}
		default:
			continue
		}
		frame, _ := json.Marshal(reply)
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (b *translationBackend) commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.received...)
}

func testConfig(signalingURL string) *config.Config {
	return &config.Config{
		Call: config.CallConfig{
			SettleDelay:               10 * time.Millisecond,
			LeaveTimeout:              time.Second,
			JoinTimeout:               2 * time.Second,
			TranslationConfirmTimeout: 2 * time.Second,
		},
		Token: config.TokenConfig{
			RenewalMargin: 30 * time.Second,
			RetryInterval: time.Second,
		},
		Issuer: config.IssuerConfig{
			BaseURL:        "http://issuer.invalid",
			TokenPath:      "/api/token",
			RequestTimeout: time.Second,
		},
		Signaling: config.SignalingConfig{
			URL:                signalingURL,
			HandshakeTimeout:   time.Second,
			DialAttempts:       1,
			JoinNotifyInterval: 10 * time.Millisecond,
			JoinNotifyAttempts: 10,
			PingInterval:       time.Minute,
		},
		Audio: config.AudioConfig{AppID: "dev"},
	}
}

func credential(uid domain.ParticipantID) domain.Credential {
	return domain.Credential{
		Token:     "tok-" + uid.String(),
		Channel:   "alice_bob",
		UID:       uid,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

type engineRecorder struct {
	mu      sync.Mutex
	engines []*audio.LoopbackEngine
}

func (r *engineRecorder) factory() (audio.Engine, error) {
	e := audio.NewLoopbackEngine(time.Millisecond)
	r.mu.Lock()
	r.engines = append(r.engines, e)
	r.mu.Unlock()
	return e, nil
}

func (r *engineRecorder) last() *audio.LoopbackEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[len(r.engines)-1]
}

func newTestKit(t *testing.T, signalingURL string, issuer *MockIssuer) (*Kit, *engineRecorder) {
	t.Helper()
	engines := &engineRecorder{}
	kit, err := New(context.Background(), testConfig(signalingURL), Options{
		Engine: engines.factory,
		Issuer: issuer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kit.Close(context.Background()) })
	return kit, engines
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(context.Background(), testConfig(""), Options{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestKit_NoCall(t *testing.T) {
	kit, _ := newTestKit(t, "ws://127.0.0.1:1/ws", new(MockIssuer))

	snap := kit.Snapshot()
	assert.Equal(t, domain.SessionStateIdle, snap.State)
	assert.NotNil(t, snap.RemoteParticipants)

	assert.True(t, apperrors.HasCode(kit.StartTranslation(context.Background(), callsvc.TranslationRequest{}), apperrors.ErrCodeNotFound))
	assert.True(t, apperrors.HasCode(kit.StopTranslation(context.Background()), apperrors.ErrCodeNotFound))
	assert.True(t, apperrors.HasCode(kit.SetMicMuted(true), apperrors.ErrCodeNotFound))
	assert.True(t, apperrors.HasCode(kit.SetSpeakerphone(true), apperrors.ErrCodeNotFound))
	assert.NoError(t, kit.Leave(context.Background()))
}

func TestKit_DialIssueFailure(t *testing.T) {
	issuer := new(MockIssuer)
	issuer.On("Issue", mock.Anything, "alice_bob", domain.ParticipantID(7)).
		Return(domain.Credential{}, apperrors.CredentialIssueError("token endpoint returned 500", nil))
	kit, engines := newTestKit(t, "ws://127.0.0.1:1/ws", issuer)

	_, err := kit.Dial(context.Background(), callsvc.DialParams{ChannelID: "alice_bob", LocalParticipant: 7})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCredentialIssueFailed))
	assert.Empty(t, engines.engines)
	assert.Equal(t, domain.SessionStateIdle, kit.Snapshot().State)
}

func TestKit_DialWithoutSignaling(t *testing.T) {
	issuer := new(MockIssuer)
	issuer.On("Issue", mock.Anything, "alice_bob", domain.ParticipantID(0)).Return(credential(9), nil)
	kit, _ := newTestKit(t, "ws://127.0.0.1:1/ws", issuer)

	snap, err := kit.Dial(context.Background(), callsvc.DialParams{ChannelID: "alice_bob"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateActive, snap.State)
	assert.Equal(t, domain.ParticipantID(9), snap.LocalParticipant)

	_, err = kit.Dial(context.Background(), callsvc.DialParams{ChannelID: "alice_bob"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	require.NoError(t, kit.Leave(context.Background()))
	assert.Equal(t, domain.SessionStateLeft, kit.Snapshot().State)

	// a finished call frees the kit for the next one
	snap, err = kit.Dial(context.Background(), callsvc.DialParams{ChannelID: "alice_bob"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateActive, snap.State)
}

func TestKit_TranslateAndLeave(t *testing.T) {
	backend := newTranslationBackend(t)
	issuer := new(MockIssuer)
	issuer.On("Issue", mock.Anything, "alice_bob", domain.ParticipantID(7)).Return(credential(7), nil)
	kit, engines := newTestKit(t, backend.url(), issuer)

	updates, cancel := kit.Subscribe()
	defer cancel()

	snap, err := kit.Dial(context.Background(), callsvc.DialParams{
		ChannelID:         "alice_bob",
		LocalParticipant:  7,
		CalledParticipant: 3,
	})
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateActive, snap.State)
	engine := engines.last()

	require.Eventually(t, func() bool {
		return kit.Snapshot().SignalingAvailable
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, kit.StartTranslation(context.Background(), callsvc.TranslationRequest{
		SourceLanguage: "en",
		TargetLanguage: "ur",
	}))
	snap = kit.Snapshot()
	assert.True(t, snap.TranslationEnabled)
	require.NotNil(t, snap.Translation)
	assert.Equal(t, domain.ParticipantID(42), snap.Translation.Translator)
	assert.True(t, engine.RemoteMuted(3))
	assert.False(t, engine.RemoteMuted(42))

	require.NoError(t, kit.StopTranslation(context.Background()))
	assert.Nil(t, kit.Snapshot().Translation)
	assert.False(t, engine.RemoteMuted(3))
	assert.True(t, engine.RemoteMuted(42))

	require.NoError(t, kit.Leave(context.Background()))
	assert.Equal(t, domain.SessionStateLeft, kit.Snapshot().State)
	assert.True(t, engine.Released())

	assert.Contains(t, backend.commands(), signaling.CommandJoinChannel)
	assert.Contains(t, backend.commands(), signaling.CommandStartTranslation)

	var last domain.Snapshot
	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-updates:
				last = s
			default:
				return last.State == domain.SessionStateLeft
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestKit_Close(t *testing.T) {
	issuer := new(MockIssuer)
	issuer.On("Issue", mock.Anything, "alice_bob", domain.ParticipantID(7)).Return(credential(7), nil)
	kit, engines := newTestKit(t, "ws://127.0.0.1:1/ws", issuer)

	updates, _ := kit.Subscribe()
	_, err := kit.Dial(context.Background(), callsvc.DialParams{ChannelID: "alice_bob", LocalParticipant: 7})
	require.NoError(t, err)

	require.NoError(t, kit.Close(context.Background()))
	assert.True(t, engines.last().Released())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	_, err = kit.Dial(context.Background(), callsvc.DialParams{ChannelID: "alice_bob", LocalParticipant: 7})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestRouter(t *testing.T) {
	kit, _ := newTestKit(t, "ws://127.0.0.1:1/ws", new(MockIssuer))
	r := kit.Router()

	for _, path := range []string{"/health", "/v1/call", "/metrics"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "bridge_http_requests_total")
}
