// Package api is the HTTP query surface around the live registry and the
// durable store: login, room descriptors, chat and whiteboard history, ICE
// configuration, and the upload sink. Realtime traffic never passes through
// here; it lives on the socket session.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/auth"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/config"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/crypto"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/middleware"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/ratelimit"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/registry"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// defaultMessageLimit is how many chat records a history read returns when
// the caller does not ask for a specific count.
const defaultMessageLimit = 50

// Handler serves the room query surface.
type Handler struct {
	registry *registry.Registry
	store    types.KVStore
	cipher   *crypto.Cipher
	tokens   *auth.Service
	cfg      *config.Config
}

func NewHandler(reg *registry.Registry, store types.KVStore, cipher *crypto.Cipher, tokens *auth.Service, cfg *config.Config) *Handler {
	return &Handler{
		registry: reg,
		store:    store,
		cipher:   cipher,
		tokens:   tokens,
		cfg:      cfg,
	}
}

// Routes registers the HTTP surface onto r. The ice-servers read escapes the
// auth requirement only when the deployment opts in via ICE_SERVERS_PUBLIC.
// Auth runs before the room-tier limiter so quotas are charged to the
// authenticated subject, not to whatever NAT the request came through. A nil
// limits disables rate limiting, which tests rely on.
func (h *Handler) Routes(r gin.IRouter, requireAuth gin.HandlerFunc, limits *ratelimit.Limiter) {
	tier := func(scope string) gin.HandlerFunc {
		if limits == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return limits.For(scope)
	}

	r.POST("/auth/login", tier("auth"), h.Login)

	rooms := r.Group("/rooms")
	if h.cfg.IceServersPublic {
		rooms.GET("/:roomId/ice-servers", tier("rooms"), h.ICEServers)
	} else {
		rooms.GET("/:roomId/ice-servers", requireAuth, tier("rooms"), h.ICEServers)
	}

	authed := rooms.Group("", requireAuth, tier("rooms"))
	authed.POST("/", h.CreateRoom)
	authed.GET("/:roomId", h.GetRoom)
	authed.GET("/:roomId/messages", h.Messages)
	authed.GET("/:roomId/whiteboard", h.Whiteboard)
	authed.POST("/:roomId/upload", h.Upload)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
}

// Login mints an access token for any non-empty username/password pair.
// External identity is out of scope; each login is a fresh user id.
// POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	userID := uuid.NewString()
	token, err := h.tokens.Mint(userID, req.Username)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to mint access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		UserID:      userID,
		Username:    req.Username,
	})
}

type createRoomRequest struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"max_participants"`
	IsPublic        bool   `json:"is_public"`
	Password        string `json:"password"`
}

// CreateRoom mints a room descriptor and stores it under room:{id}. The
// runtime room is created lazily at first admission; a descriptor whose
// store write failed still works with the default capacity.
// POST /rooms/
func (h *Handler) CreateRoom(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
		return
	}

	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room name is required"})
		return
	}
	if req.MaxParticipants <= 0 {
		req.MaxParticipants = h.cfg.MaxParticipantsDefault
	}

	desc := types.RoomDescriptor{
		ID:              uuid.NewString(),
		Name:            req.Name,
		CreatedBy:       claims.Subject,
		CreatedAt:       time.Now().UTC(),
		MaxParticipants: req.MaxParticipants,
		IsPublic:        req.IsPublic,
		Password:        req.Password,
	}

	buf, err := json.Marshal(desc)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to marshal room descriptor", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}
	if err := h.store.Set(c.Request.Context(), types.RoomKey(types.RoomIdType(desc.ID)), string(buf)); err != nil {
		// Best-effort durability: the room still exists for its lifetime on
		// this node, it just falls back to the default capacity.
		logging.Warn(c.Request.Context(), "room descriptor not persisted",
			zap.String("room_id", desc.ID), zap.Error(err))
	}

	desc.Password = ""
	c.JSON(http.StatusCreated, desc)
}

// roomResponse is a stored descriptor enriched with the live membership.
type roomResponse struct {
	types.RoomDescriptor
	CurrentParticipants []types.ParticipantSnapshot `json:"current_participants"`
	ParticipantCount    int                         `json:"participant_count"`
}

// GetRoom returns the stored descriptor plus who is live in the room right
// now. 404 when no descriptor was ever stored, even if sockets are connected
// to an ad-hoc room of that name.
// GET /rooms/{roomId}
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := types.RoomIdType(c.Param("roomId"))

	raw, err := h.store.Get(c.Request.Context(), types.RoomKey(roomID))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		logging.Error(c.Request.Context(), "room descriptor read failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Room store unavailable"})
		return
	}

	var desc types.RoomDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		logging.Error(c.Request.Context(), "room descriptor corrupt",
			zap.String("room_id", string(roomID)), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	desc.Password = ""

	snaps := h.registry.Snapshot(roomID)
	c.JSON(http.StatusOK, roomResponse{
		RoomDescriptor:      desc,
		CurrentParticipants: snaps,
		ParticipantCount:    len(snaps),
	})
}

// ICEServers hands clients the STUN/TURN configuration for their
// RTCPeerConnection: plain STUN URLs first, then TURN entries with
// credentials.
// GET /rooms/{roomId}/ice-servers
func (h *Handler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.cfg.ICEServers()})
}

// Messages returns up to limit of the newest stored chat records, decrypted,
// oldest first so clients can render top-down. Records that no longer decode
// are skipped; records from a prior process key stay visible as ciphertext.
// GET /rooms/{roomId}/messages?limit=N
func (h *Handler) Messages(c *gin.Context) {
	roomID := types.RoomIdType(c.Param("roomId"))

	limit := int64(defaultMessageLimit)
	if s := c.Query("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > types.ChatHistoryBound {
		limit = types.ChatHistoryBound
	}

	rows, err := h.store.Range(c.Request.Context(), types.ChatKey(roomID), 0, limit-1)
	if err != nil {
		logging.Error(c.Request.Context(), "chat history read failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "History unavailable"})
		return
	}

	// Stored newest-first; serve oldest-first.
	records := make([]types.ChatRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var rec types.ChatRecord
		if err := json.Unmarshal([]byte(rows[i]), &rec); err != nil {
			logging.Warn(c.Request.Context(), "skipping corrupt chat record",
				zap.String("room_id", string(roomID)), zap.Error(err))
			continue
		}
		rec.Content = h.cipher.Decrypt(rec.Content)
		records = append(records, rec)
	}

	c.JSON(http.StatusOK, records)
}

// Whiteboard returns the persisted whiteboard events oldest first, so a
// late joiner can replay the board from the beginning.
// GET /rooms/{roomId}/whiteboard
func (h *Handler) Whiteboard(c *gin.Context) {
	roomID := types.RoomIdType(c.Param("roomId"))

	rows, err := h.store.Range(c.Request.Context(), types.WhiteboardKey(roomID), 0, -1)
	if err != nil {
		logging.Error(c.Request.Context(), "whiteboard history read failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "History unavailable"})
		return
	}

	events := make([]types.WhiteboardRecord, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var rec types.WhiteboardRecord
		if err := json.Unmarshal([]byte(rows[i]), &rec); err != nil {
			logging.Warn(c.Request.Context(), "skipping corrupt whiteboard record",
				zap.String("room_id", string(roomID)), zap.Error(err))
			continue
		}
		events = append(events, rec)
	}

	c.JSON(http.StatusOK, events)
}
