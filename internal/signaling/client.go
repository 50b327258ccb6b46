// Package signaling is the websocket client for the translation backend's
// coordination channel.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"linguacall/pkg/constants"
	apperrors "linguacall/pkg/errors"
	"linguacall/pkg/logger"
	"linguacall/pkg/metrics"
	"linguacall/pkg/resilience"
)

// ErrNotConnected is returned by Emit before the handshake completes or after disconnect
var ErrNotConnected = errors.New("signaling not connected")

// Config controls the signaling connection
type Config struct {
	URL                string
	Header             http.Header
	HandshakeTimeout   time.Duration
	DialAttempts       int
	DialRetryInterval  time.Duration
	PingInterval       time.Duration
	JoinNotifyInterval time.Duration
	JoinNotifyAttempts int
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = constants.SignalingHandshakeTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = constants.SignalingDialAttempts
	}
	if c.DialRetryInterval <= 0 {
		c.DialRetryInterval = time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = constants.WebSocketPingInterval
	}
	if c.JoinNotifyInterval <= 0 {
		c.JoinNotifyInterval = constants.JoinNotifyInterval
	}
	if c.JoinNotifyAttempts <= 0 {
		c.JoinNotifyAttempts = constants.JoinNotifyAttempts
	}
}

// Client is a connect-once signaling connection owned by one call session
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	log     *zap.Logger

	events chan Event
	send   chan []byte
	stop   chan struct{}

	// lifetime context for background retries; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	started     bool
	pendingJoin *ChannelPresencePayload
	notifying   bool

	connected atomic.Bool
	closing   atomic.Bool
	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewClient creates an unconnected client
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		metrics: m,
		log:     logger.Named("signaling"),
		events:  make(chan Event, 64),
		send:    make(chan []byte, 32),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events delivers inbound signals. It is closed after Close once the pumps exit.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the handshake completed and the connection is live
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the backend with bounded attempts. Failure is a SignalingUnavailable
// error; the caller continues without translation.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return apperrors.InvalidStateError("signaling client already connected")
	}
	c.started = true
	c.mu.Unlock()

	var conn *websocket.Conn
	policy := resilience.LinearPolicy(c.cfg.DialRetryInterval, 4*c.cfg.DialRetryInterval, c.cfg.DialAttempts)
	err := resilience.Execute(ctx, "signaling dial", policy, func(ctx context.Context) error {
		dialed, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	})
	if err != nil {
		c.log.Warn("Signaling unavailable, continuing audio-only",
			zap.String("url", c.cfg.URL),
			zap.Error(err),
		)
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return apperrors.SignalingUnavailableError(err)
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.wg.Add(2)
	c.mu.Unlock()

	c.connected.Store(true)
	c.metrics.SetSignalingConnected(true)
	c.log.Info("Signaling connected", zap.String("url", c.cfg.URL))

	// events is buffered and has no other sender yet, so Connected is always
	// queued ahead of anything the pumps deliver
	c.events <- Event{Kind: KindConnected}

	go c.readPump(conn)
	go c.writePump(conn)
	go func() {
		c.wg.Wait()
		close(c.events)
	}()
	return nil
}

// Emit queues a command for the write pump
func (c *Client) Emit(event string, payload any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case c.send <- frame:
		c.metrics.RecordSignalingMessage(event, "out")
		c.log.Debug("Signaling command queued", zap.String("event", event))
		return nil
	case <-c.stop:
		return ErrNotConnected
	}
}

// NotifyChannelJoined emits agora_channel_joined, buffering the most recent payload
// until the connection is live. Emission is retried every JoinNotifyInterval for
// JoinNotifyAttempts, then abandoned with a log entry.
func (c *Client) NotifyChannelJoined(p ChannelPresencePayload) {
	c.mu.Lock()
	c.pendingJoin = &p
	if c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	c.mu.Unlock()

	go func() {
		policy := resilience.FixedPolicy(c.cfg.JoinNotifyInterval, c.cfg.JoinNotifyAttempts)
		err := resilience.Poll(c.ctx, CommandAgoraChannelJoined, policy, c.flushPendingJoin)

		c.mu.Lock()
		c.notifying = false
		c.pendingJoin = nil
		c.mu.Unlock()

		if err != nil {
			c.log.Error("Failed to emit agora_channel_joined, call tracking may be incomplete",
				zap.String("channel", p.Channel),
				zap.Stringer("participant_id", p.UID),
				zap.Error(err),
			)
		}
	}()
}

func (c *Client) flushPendingJoin() bool {
	c.mu.Lock()
	p := c.pendingJoin
	c.mu.Unlock()
	if p == nil {
		return true
	}
	if err := c.Emit(CommandAgoraChannelJoined, p); err != nil {
		return false
	}

	c.mu.Lock()
	if c.pendingJoin == p {
		c.pendingJoin = nil
	}
	c.mu.Unlock()
	return true
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.cancel()

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		c.stopPumps()
		if conn == nil {
			close(c.events)
			return
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(constants.WebSocketWriteWait):
			_ = conn.Close()
		}
	})
	return nil
}

func (c *Client) stopPumps() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// deliver hands an event to the consumer unless the client is shutting down
func (c *Client) deliver(e Event) {
	select {
	case c.events <- e:
	case <-c.stop:
	}
}

// readPump reads frames until the connection drops
func (c *Client) readPump(conn *websocket.Conn) {
	defer func() {
		wasConnected := c.connected.Swap(false)
		c.metrics.SetSignalingConnected(false)
		if wasConnected && !c.closing.Load() {
			c.deliver(Event{
				Kind: KindDisconnected,
				Err:  apperrors.SignalingUnavailableError(errors.New("connection lost")),
			})
		}
		c.stopPumps()
		c.wg.Done()
	}()

	pongWait := 2 * c.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closing.Load() {
				c.log.Warn("Signaling connection lost", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn("Invalid message format from signaling", zap.Error(err))
			continue
		}
		c.metrics.RecordSignalingMessage(env.Event, "in")

		event, ok := ParseEvent(env)
		if !ok {
			c.log.Debug("Ignoring signaling event", zap.String("event", env.Event))
			continue
		}
		c.deliver(event)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		c.wg.Done()
	}()

	for {
		select {
		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("Signaling write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.stop:
			c.drain(conn)
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes commands queued before Close, such as leave_channel
func (c *Client) drain(conn *websocket.Conn) {
	for {
		select {
		case message := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
