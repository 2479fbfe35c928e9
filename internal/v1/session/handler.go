// Package session owns the WebSocket lifecycle: handshake, token check,
// admission, the read loop, and teardown. Once a socket is admitted every
// outbound write goes through the registry's per-participant writer; this
// layer only ever reads.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/metrics"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/ratelimit"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/registry"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/router"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

const (
	// readWait bounds the silence tolerated on a socket. The registry's
	// writer pings every 30s, so two missed pongs end the session.
	readWait = 60 * time.Second

	// closeWait bounds the close frame written to a never-admitted socket.
	closeWait = 10 * time.Second

	// maxFrameBytes caps inbound frames. Whiteboard strokes are the largest
	// legitimate payload and stay well under this.
	maxFrameBytes = 512 * 1024
)

// Handler upgrades signaling connections and runs their read loops.
type Handler struct {
	registry       *registry.Registry
	router         *router.Router
	verifier       types.TokenVerifier
	store          types.KVStore
	limiter        *ratelimit.Limiter
	allowedOrigins []string
}

// NewHandler wires the session layer. A nil limiter disables the per-IP
// upgrade cap.
func NewHandler(reg *registry.Registry, rt *router.Router, verifier types.TokenVerifier, store types.KVStore, limiter *ratelimit.Limiter, allowedOrigins []string) *Handler {
	return &Handler{
		registry:       reg,
		router:         rt,
		verifier:       verifier,
		store:          store,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
	}
}

// ServeWs handles GET /rooms/ws/:roomId. The token travels in the `token`
// query parameter. Invalid or missing tokens are answered on the upgraded
// socket with close 1008 so browser clients can read the reason; gorilla
// cannot attach a close code to a refused handshake.
func (h *Handler) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // 429 already written
	}

	roomID := types.RoomIdType(c.Param("roomId"))
	token := c.Query("token")

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered over HTTP (403 on origin rejection).
		logging.Warn(c.Request.Context(), "websocket upgrade failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket token rejected",
			zap.String("room_id", string(roomID)), zap.Error(err))
		closeWith(conn, websocket.ClosePolicyViolation, "Invalid token")
		return
	}

	userID := types.UserIdType(claims.Subject)
	username := types.UsernameType(claims.Username)
	if username == "" {
		username = types.UsernameType(claims.Subject)
	}

	// Capacity comes from the stored room descriptor when one exists, so the
	// KV read stays out of the registry's critical section. Ad-hoc rooms get
	// the registry default.
	capacity := h.roomCapacity(c.Request.Context(), roomID)

	// The socket outlives this handler, so the session context cannot hang
	// off the request context.
	ctx := context.Background()
	if cid := c.GetString(string(logging.CorrelationIDKey)); cid != "" {
		ctx = context.WithValue(ctx, logging.CorrelationIDKey, cid)
	}
	ctx = context.WithValue(ctx, logging.RoomIDKey, string(roomID))
	ctx = context.WithValue(ctx, logging.UserIDKey, string(userID))

	if !h.registry.Admit(ctx, roomID, userID, username, conn, capacity) {
		// Registry closed the socket with 1000 "Room is full".
		return
	}

	metrics.IncConnection()
	logging.Info(ctx, "websocket session started", zap.String("username", string(username)))

	go h.readLoop(ctx, roomID, userID, conn)
}

// readLoop pumps inbound frames into the router until the socket dies. It is
// the connection's only reader. Teardown always funnels through Evict, which
// is idempotent and also reaps the writer goroutine.
func (h *Handler) readLoop(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "panic in websocket read loop", zap.Any("panic", r))
		}
		h.registry.Evict(ctx, userID)
		metrics.DecConnection()
		logging.Info(ctx, "websocket session ended")
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(ctx, "websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		h.router.Dispatch(ctx, roomID, userID, data)
	}
}

// roomCapacity resolves the admission cap from the stored descriptor.
// Missing descriptor, disabled store, or a corrupt record all yield 0, which
// Admit treats as the default cap.
func (h *Handler) roomCapacity(ctx context.Context, roomID types.RoomIdType) int {
	raw, err := h.store.Get(ctx, types.RoomKey(roomID))
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			logging.Warn(ctx, "room descriptor lookup failed",
				zap.String("room_id", string(roomID)), zap.Error(err))
		}
		return 0
	}

	var desc types.RoomDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		logging.Warn(ctx, "room descriptor corrupt",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return 0
	}
	return desc.MaxParticipants
}

// closeWith answers a never-admitted socket with a close frame and closes it.
func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(closeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
