// Package router turns inbound socket frames into room effects: relayed
// WebRTC signals, persisted chat and whiteboard history, media flag updates,
// and the broadcasts the rest of the room observes. One Router instance
// serves every session; all per-room state lives in the registry and the
// durable store.
package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/crypto"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/metrics"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/protocol"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/registry"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// Router dispatches parsed frames to their handlers. Handlers run on the
// session's read goroutine, so every sender's frames are processed in the
// order they arrived.
type Router struct {
	registry *registry.Registry
	store    types.KVStore
	cipher   *crypto.Cipher
}

func New(reg *registry.Registry, store types.KVStore, cipher *crypto.Cipher) *Router {
	return &Router{registry: reg, store: store, cipher: cipher}
}

// Dispatch routes one raw text frame from an authenticated participant.
// Malformed and unknown frames are logged and dropped; they never tear the
// session down. A panicking handler is contained the same way.
func (rt *Router) Dispatch(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("malformed", "dropped").Inc()
		logging.Warn(ctx, "dropping malformed frame",
			zap.String("room_id", string(roomID)),
			zap.String("user_id", string(userID)),
			zap.Error(err))
		return
	}

	event := eventLabel(msg)
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.WebsocketEvents.WithLabelValues(event, "panic").Inc()
			logging.Error(ctx, "recovered from panic in message handler",
				zap.String("event_type", event),
				zap.String("user_id", string(userID)),
				zap.Any("panic", r))
		}
	}()

	switch m := msg.(type) {
	case *protocol.WebRTCSignal:
		rt.handleSignal(ctx, roomID, userID, m)
	case *protocol.ChatMessage:
		rt.handleChat(ctx, roomID, userID, m)
	case *protocol.WhiteboardEvent:
		rt.handleWhiteboard(ctx, roomID, userID, m)
	case *protocol.FileShare:
		rt.handleFileShare(ctx, roomID, userID, m)
	case *protocol.VideoQualityChange:
		rt.handleQualityChange(ctx, roomID, userID, m)
	case *protocol.ScreenShare:
		rt.handleScreenShare(ctx, roomID, userID, m)
	case *protocol.AudioMute:
		rt.handleAudioMute(ctx, roomID, userID, m)
	case *protocol.VideoMute:
		rt.handleVideoMute(ctx, roomID, userID, m)
	case *protocol.Unknown:
		metrics.WebsocketEvents.WithLabelValues("unknown", "dropped").Inc()
		logging.Warn(ctx, "unknown message type received",
			zap.String("message_type", m.Type),
			zap.String("user_id", string(userID)))
		return
	}
	metrics.WebsocketEvents.WithLabelValues(event, "ok").Inc()
}

// handleSignal relays an opaque SDP/ICE payload without inspecting it. A
// targeted signal goes to exactly one peer and is dropped if that peer is
// gone; an untargeted one is announced to everyone except the sender.
func (rt *Router) handleSignal(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, sig *protocol.WebRTCSignal) {
	fwd := protocol.NewSignalForward(string(userID), sig)

	if sig.ToUser != "" {
		if rt.registry.SendToUser(ctx, roomID, types.UserIdType(sig.ToUser), fwd) {
			metrics.SignalsRelayed.WithLabelValues("direct", "delivered").Inc()
		} else {
			metrics.SignalsRelayed.WithLabelValues("direct", "dropped").Inc()
			logging.Warn(ctx, "dropping signal for absent peer",
				zap.String("room_id", string(roomID)),
				zap.String("from_user", string(userID)),
				zap.String("to_user", sig.ToUser),
				zap.String("signal_type", sig.SignalType()))
		}
		return
	}

	rt.registry.Broadcast(ctx, roomID, fwd, userID)
	metrics.SignalsRelayed.WithLabelValues("broadcast", "delivered").Inc()
}

// handleChat stores one chat message and fans the plaintext out to the whole
// room, sender included. History keeps ciphertext only.
func (rt *Router) handleChat(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, msg *protocol.ChatMessage) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	username, ok := rt.registry.Username(roomID, userID)
	if !ok {
		username = "Unknown"
	}

	record := types.ChatRecord{
		ID:        uuid.NewString(),
		UserID:    string(userID),
		Username:  string(username),
		Timestamp: time.Now().UTC(),
	}

	if ciphertext, err := rt.cipher.Encrypt(content); err == nil {
		record.Content = ciphertext
		rt.persist(ctx, types.ChatKey(roomID), record, types.ChatHistoryBound)
	} else {
		logging.Error(ctx, "failed to encrypt chat message, skipping history", zap.Error(err))
	}

	rt.registry.Broadcast(ctx, roomID,
		protocol.NewChatBroadcast(record.ID, record.UserID, record.Username, content, record.Timestamp), "")
}

// handleWhiteboard stores one whiteboard event and mirrors it to everyone
// except the author, who already drew it locally.
func (rt *Router) handleWhiteboard(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, msg *protocol.WhiteboardEvent) {
	eventType := msg.EventType
	if eventType == "" {
		eventType = "draw"
	}

	record := types.WhiteboardRecord{
		EventType: eventType,
		UserID:    string(userID),
		Data:      msg.Data,
		Timestamp: time.Now().UTC(),
	}
	rt.persist(ctx, types.WhiteboardKey(roomID), record, types.WhiteboardHistoryBound)

	rt.registry.Broadcast(ctx, roomID,
		protocol.NewWhiteboardBroadcast(record.EventType, record.UserID, record.Data, record.Timestamp), userID)
}

// handleFileShare echoes a file announcement to the whole room. The payload
// is client-provided metadata; nothing is stored.
func (rt *Router) handleFileShare(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, msg *protocol.FileShare) {
	rt.registry.Broadcast(ctx, roomID, protocol.NewFileShareBroadcast(string(userID), msg.FileInfo), "")
}

// handleQualityChange records the sender's advertised quality and tells the
// room. Unrecognized values are coerced to medium rather than propagated.
func (rt *Router) handleQualityChange(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, msg *protocol.VideoQualityChange) {
	quality := types.NormalizeQuality(msg.Quality)
	if !rt.registry.SetVideoQuality(roomID, userID, quality) {
		return
	}
	rt.registry.Broadcast(ctx, roomID, protocol.NewVideoQualityChanged(string(userID), quality), "")
}

// Flag updates always carry the authenticated sender's id; a client cannot
// announce state changes for anyone else.

func (rt *Router) handleScreenShare(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, msg *protocol.ScreenShare) {
	if !rt.registry.SetScreenSharing(roomID, userID, msg.IsSharing) {
		return
	}
	rt.registry.Broadcast(ctx, roomID, protocol.NewScreenShareStatus(string(userID), msg.IsSharing), "")
}

func (rt *Router) handleAudioMute(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, msg *protocol.AudioMute) {
	if !rt.registry.SetAudioMuted(roomID, userID, msg.IsMuted) {
		return
	}
	rt.registry.Broadcast(ctx, roomID, protocol.NewAudioMuteStatus(string(userID), msg.IsMuted), "")
}

func (rt *Router) handleVideoMute(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, msg *protocol.VideoMute) {
	if !rt.registry.SetVideoMuted(roomID, userID, msg.IsMuted) {
		return
	}
	rt.registry.Broadcast(ctx, roomID, protocol.NewVideoMuteStatus(string(userID), msg.IsMuted), "")
}

// persist marshals one history record onto a bounded newest-first list.
// Store failures are logged and swallowed: history is best-effort and the
// conference never blocks on it.
func (rt *Router) persist(ctx context.Context, key string, record any, bound int64) {
	buf, err := json.Marshal(record)
	if err != nil {
		logging.Error(ctx, "failed to marshal history record", zap.String("key", key), zap.Error(err))
		return
	}
	if err := rt.store.PushTrim(ctx, key, string(buf), bound); err != nil {
		logging.Warn(ctx, "failed to persist history record", zap.String("key", key), zap.Error(err))
	}
}

// eventLabel names the frame family for metrics.
func eventLabel(msg protocol.Inbound) string {
	switch msg.(type) {
	case *protocol.WebRTCSignal:
		return protocol.TypeWebRTCSignal
	case *protocol.ChatMessage:
		return protocol.TypeChatMessage
	case *protocol.WhiteboardEvent:
		return protocol.TypeWhiteboardEvent
	case *protocol.FileShare:
		return protocol.TypeFileShare
	case *protocol.VideoQualityChange:
		return protocol.TypeVideoQualityChange
	case *protocol.ScreenShare:
		return protocol.TypeScreenShare
	case *protocol.AudioMute:
		return protocol.TypeAudioMute
	case *protocol.VideoMute:
		return protocol.TypeVideoMute
	default:
		return "unknown"
	}
}
