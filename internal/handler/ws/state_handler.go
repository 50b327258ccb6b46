// Package ws pushes call snapshots to UI shells over websocket.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"linguacall/internal/domain"
	"linguacall/pkg/constants"
	"linguacall/pkg/logger"
	"linguacall/pkg/response"
)

// MessageTypeSnapshot is the only message the bridge pushes
const MessageTypeSnapshot = "snapshot"

// SnapshotSource publishes call state. *callkit.Kit implements it.
type SnapshotSource interface {
	Subscribe() (<-chan domain.Snapshot, func())
}

// StateMessage is one pushed frame
type StateMessage struct {
	Type      string          `json:"type"`
	Data      domain.Snapshot `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateHandler streams snapshots to each connected shell
type StateHandler struct {
	source       SnapshotSource
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	semaphore    chan struct{}
	log          *zap.Logger
}

// NewStateHandler creates a handler. checkOrigin may be nil to allow only
// same-origin upgrades.
func NewStateHandler(source SnapshotSource, checkOrigin func(r *http.Request) bool, maxConnections int) *StateHandler {
	if maxConnections <= 0 {
		maxConnections = 8
	}
	return &StateHandler{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		pingInterval: constants.WebSocketPingInterval,
		semaphore:    make(chan struct{}, maxConnections),
		log:          logger.Named("bridge.ws"),
	}
}

// ServeWS upgrades the request and pushes every snapshot until either side closes
// GET /v1/call/ws
func (h *StateHandler) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		h.log.Warn("State stream rejected: max connections reached", zap.Int("max_connections", cap(h.semaphore)))
		response.Error(c, http.StatusServiceUnavailable, "BRIDGE_AT_CAPACITY", "Too many state subscribers")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("State stream upgrade failed", zap.Error(err))
		return
	}

	updates, cancel := h.source.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go h.readPump(conn, closed)
	h.writePump(conn, updates, closed)
}

// readPump discards inbound frames and notices when the shell goes away
func (h *StateHandler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("State stream closed", zap.Error(err))
			}
			return
		}
	}
}

func (h *StateHandler) writePump(conn *websocket.Conn, updates <-chan domain.Snapshot, closed <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case snap, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call client closed"))
				return
			}
			msg := StateMessage{Type: MessageTypeSnapshot, Data: snap, Timestamp: time.Now().UTC()}
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("State stream write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			return
		}
	}
}
