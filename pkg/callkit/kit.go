// Package callkit assembles the call stack for a UI shell: it issues the join
// credential, owns one coordinator per call and exposes the local bridge.
package callkit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"linguacall/internal/audio"
	"linguacall/internal/domain"
	callhttp "linguacall/internal/handler/http/call"
	"linguacall/internal/handler/ws"
	"linguacall/internal/middleware"
	redisrepo "linguacall/internal/repository/redis"
	callsvc "linguacall/internal/service/call"
	"linguacall/internal/signaling"
	"linguacall/internal/token"
	"linguacall/pkg/cache"
	"linguacall/pkg/config"
	"linguacall/pkg/database"
	apperrors "linguacall/pkg/errors"
	"linguacall/pkg/logger"
	"linguacall/pkg/metrics"
)

// ServiceName labels metrics and health responses
const ServiceName = "linguacall"

// EngineFactory creates a fresh audio engine for every call
type EngineFactory func() (audio.Engine, error)

// Options wires platform pieces into the kit
type Options struct {
	Engine      EngineFactory
	Permissions audio.PermissionRequester
	// Registerer defaults to a private registry
	Registerer prometheus.Registerer
	HTTPClient *http.Client
	// Issuer replaces the HTTP issuer and its cache when set
	Issuer token.Issuer
	// MaxStateStreams bounds concurrent websocket subscribers
	MaxStateStreams int
}

// Kit runs at most one call at a time
type Kit struct {
	cfg     *config.Config
	opts    Options
	metrics *metrics.Metrics
	issuer  token.Issuer
	redis   *database.RedisDB
	// stopCleanup ends the in-memory cache sweeper, when one runs
	stopCleanup func()
	log         *zap.Logger

	mu          sync.Mutex
	coord       *callsvc.Coordinator
	unsubscribe func()
	dialing     bool
	closed      bool

	subMu  sync.Mutex
	subs   map[uint64]chan domain.Snapshot
	subSeq uint64
}

// New builds a kit from cfg. The Redis credential cache is used when enabled and
// reachable, otherwise credentials are cached in memory.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Kit, error) {
	if opts.Engine == nil {
		return nil, apperrors.InvalidInputError("audio engine factory is required")
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	k := &Kit{
		cfg:     cfg,
		opts:    opts,
		metrics: metrics.NewMetrics(ServiceName, reg),
		log:     logger.Named("callkit"),
		subs:    make(map[uint64]chan domain.Snapshot),
	}

	k.issuer = opts.Issuer
	if k.issuer == nil {
		upstream := token.NewHTTPIssuer(token.HTTPIssuerConfig{
			BaseURL:        cfg.Issuer.BaseURL,
			TokenPath:      cfg.Issuer.TokenPath,
			RequestTimeout: cfg.Issuer.RequestTimeout,
			AccessToken:    cfg.Issuer.AccessToken,
		}, opts.HTTPClient)
		k.issuer = token.NewCachedIssuer(upstream, k.credentialCache(ctx), cfg.Token.RenewalMargin)
	}

	return k, nil
}

func (k *Kit) credentialCache(ctx context.Context) token.Cache {
	if k.cfg.Redis.Enabled {
		db, err := database.NewRedisDB(ctx, &database.RedisConfig{
			Host:     k.cfg.Redis.Host,
			Port:     k.cfg.Redis.Port,
			Password: k.cfg.Redis.Password,
			DB:       k.cfg.Redis.DB,
			PoolSize: k.cfg.Redis.PoolSize,
			Timeout:  k.cfg.Redis.Timeout,
		})
		if err == nil {
			k.redis = db
			k.log.Info("Using Redis credential cache",
				zap.String("host", k.cfg.Redis.Host),
				zap.Int("port", k.cfg.Redis.Port),
			)
			return redisrepo.NewCredentialRepository(db.Client)
		}
		k.log.Warn("Redis credential cache unavailable, caching in memory", zap.Error(err))
	}
	mem := cache.NewCredentialCache(64)
	k.stopCleanup = mem.StartCleanup(time.Minute)
	return mem
}

// Metrics returns the kit's metric sink
func (k *Kit) Metrics() *metrics.Metrics {
	return k.metrics
}

// Dial issues a credential and starts a call. It returns once the call is Active
// or has failed; on failure the returned snapshot carries the error.
func (k *Kit) Dial(ctx context.Context, p callsvc.DialParams) (domain.Snapshot, error) {
	k.mu.Lock()
	switch {
	case k.closed:
		k.mu.Unlock()
		return k.Snapshot(), apperrors.InvalidStateError("call kit is closed")
	case k.dialing || k.liveLocked():
		k.mu.Unlock()
		return k.Snapshot(), apperrors.InvalidStateError("a call is already in progress")
	}
	k.dialing = true
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		k.dialing = false
		k.mu.Unlock()
	}()

	cred, err := k.issuer.Issue(ctx, p.ChannelID, p.LocalParticipant)
	if err != nil {
		return k.Snapshot(), err
	}
	local := p.LocalParticipant
	if local.IsZero() {
		local = cred.UID
	}

	coord, err := k.newCoordinator()
	if err != nil {
		return k.Snapshot(), err
	}

	k.mu.Lock()
	prev, prevUnsub := k.coord, k.unsubscribe
	k.coord = coord
	k.unsubscribe = k.forward(coord)
	k.mu.Unlock()
	if prev != nil {
		prevUnsub()
		prev.Dispose()
	}

	handle, err := coord.StartSession(ctx, callsvc.StartParams{
		ChannelID:         p.ChannelID,
		Credential:        cred,
		LocalParticipant:  local,
		CalledParticipant: p.CalledParticipant,
	})
	if err != nil {
		snap := coord.Snapshot()
		coord.Dispose()
		return snap, err
	}

	k.log.Info("Call dialed",
		zap.String("session_id", handle.ID),
		zap.String("channel", handle.ChannelID),
		zap.Stringer("participant_id", handle.LocalParticipant),
	)
	return coord.Snapshot(), nil
}

func (k *Kit) newCoordinator() (*callsvc.Coordinator, error) {
	engine, err := k.opts.Engine()
	if err != nil {
		return nil, apperrors.TransportInitFailureError(fmt.Errorf("create audio engine: %w", err))
	}
	transport := audio.NewTransport(engine, k.opts.Permissions, k.metrics)

	header := http.Header{}
	if k.cfg.Issuer.AccessToken != "" {
		header.Set("Authorization", "Bearer "+k.cfg.Issuer.AccessToken)
	}
	sig := signaling.NewClient(signaling.Config{
		URL:                k.cfg.Signaling.URL,
		Header:             header,
		HandshakeTimeout:   k.cfg.Signaling.HandshakeTimeout,
		DialAttempts:       k.cfg.Signaling.DialAttempts,
		PingInterval:       k.cfg.Signaling.PingInterval,
		JoinNotifyInterval: k.cfg.Signaling.JoinNotifyInterval,
		JoinNotifyAttempts: k.cfg.Signaling.JoinNotifyAttempts,
	}, k.metrics)

	renewer := token.NewManager(token.Config{
		Margin:         k.cfg.Token.RenewalMargin,
		RetryInterval:  k.cfg.Token.RetryInterval,
		RequestTimeout: k.cfg.Issuer.RequestTimeout,
	}, k.issuer, transport, k.metrics)

	return callsvc.New(callsvc.Config{
		SettleDelay:               k.cfg.Call.SettleDelay,
		LeaveTimeout:              k.cfg.Call.LeaveTimeout,
		JoinTimeout:               k.cfg.Call.JoinTimeout,
		TranslationConfirmTimeout: k.cfg.Call.TranslationConfirmTimeout,
		Engine:                    audio.EngineConfig{AppID: k.cfg.Audio.AppID},
	}, callsvc.Deps{
		Transport: transport,
		Signaling: sig,
		Renewer:   renewer,
	}, callsvc.WithMetrics(k.metrics)), nil
}

func (k *Kit) liveLocked() bool {
	if k.coord == nil {
		return false
	}
	switch k.coord.Snapshot().State {
	case domain.SessionStateJoining, domain.SessionStateActive, domain.SessionStateLeaving:
		return true
	}
	return false
}

func (k *Kit) current() *callsvc.Coordinator {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.coord
}

// Snapshot returns the current call state, or an idle snapshot before the first dial
func (k *Kit) Snapshot() domain.Snapshot {
	if c := k.current(); c != nil {
		return c.Snapshot()
	}
	return domain.Snapshot{
		State:              domain.SessionStateIdle,
		RemoteParticipants: []domain.ParticipantID{},
	}
}

// StartTranslation asks the backend to translate the current call
func (k *Kit) StartTranslation(ctx context.Context, req callsvc.TranslationRequest) error {
	c := k.current()
	if c == nil {
		return apperrors.NotFoundError("call")
	}
	return c.RequestStartTranslation(ctx, req)
}

// StopTranslation stops the running translation
func (k *Kit) StopTranslation(ctx context.Context) error {
	c := k.current()
	if c == nil {
		return apperrors.NotFoundError("call")
	}
	return c.RequestStopTranslation(ctx)
}

func (k *Kit) SetMicMuted(muted bool) error {
	c := k.current()
	if c == nil {
		return apperrors.NotFoundError("call")
	}
	return c.SetMicMuted(muted)
}

func (k *Kit) SetSpeakerphone(enabled bool) error {
	c := k.current()
	if c == nil {
		return apperrors.NotFoundError("call")
	}
	return c.SetSpeakerphone(enabled)
}

// Leave ends the current call and releases its resources. Leaving with no call is a no-op.
func (k *Kit) Leave(ctx context.Context) error {
	c := k.current()
	if c == nil {
		return nil
	}
	if err := c.Leave(ctx); err != nil {
		return err
	}
	c.Dispose()
	return nil
}

// Subscribe delivers the latest snapshot of whichever call is current. The channel
// stays open across calls and is closed by cancel or Close.
func (k *Kit) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)

	k.subMu.Lock()
	k.subSeq++
	id := k.subSeq
	k.subs[id] = ch
	ch <- k.Snapshot()
	k.subMu.Unlock()

	return ch, func() {
		k.subMu.Lock()
		defer k.subMu.Unlock()
		if _, ok := k.subs[id]; ok {
			delete(k.subs, id)
			close(ch)
		}
	}
}

// forward relays coord's snapshots to the kit subscribers until the returned
// function runs or coord is disposed
func (k *Kit) forward(coord *callsvc.Coordinator) func() {
	updates, cancel := coord.Subscribe()
	go func() {
		for snap := range updates {
			k.broadcast(snap)
		}
	}()
	return cancel
}

func (k *Kit) broadcast(snap domain.Snapshot) {
	k.subMu.Lock()
	defer k.subMu.Unlock()
	for _, ch := range k.subs {
		select {
		case ch <- snap:
			continue
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
}

// Router builds the local bridge: call commands, the state stream, health and metrics
func (k *Kit) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.HealthCheck(ServiceName))
	r.Use(middleware.CORS(k.cfg.Bridge.AllowedOrigins))
	r.Use(middleware.NewPrometheusMiddleware(k.metrics).Handler())

	r.GET(middleware.MetricsPath, middleware.MetricsHandler(k.metrics))

	v1 := r.Group("/v1/call")
	callhttp.NewHandler(k).Register(v1)

	state := ws.NewStateHandler(k, middleware.OriginAllowed(k.cfg.Bridge.AllowedOrigins), k.opts.MaxStateStreams)
	v1.GET("/ws", state.ServeWS)

	return r
}

// Close ends any call and closes every subscription and the Redis client
func (k *Kit) Close(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	coord, unsub := k.coord, k.unsubscribe
	k.mu.Unlock()

	var leaveErr error
	if coord != nil {
		leaveErr = coord.Leave(ctx)
		unsub()
		coord.Dispose()
	}

	k.subMu.Lock()
	for id, ch := range k.subs {
		delete(k.subs, id)
		close(ch)
	}
	k.subMu.Unlock()

	if k.stopCleanup != nil {
		k.stopCleanup()
	}
	if k.redis != nil {
		if err := k.redis.Close(); err != nil {
			k.log.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	return leaveErr
}
