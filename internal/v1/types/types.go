package types

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/auth"
)

// --- Core Domain Types ---

// RoomIdType represents a unique identifier for a conference room.
type RoomIdType string

// UserIdType represents a stable, process-wide unique identifier for a user.
type UserIdType string

// UsernameType represents the human-readable name for a user.
type UsernameType string

// VideoQuality is the advertised send quality of a participant's video track.
type VideoQuality string

// Quality levels a participant may advertise.
const (
	VideoQualityLow    VideoQuality = "low"
	VideoQualityMedium VideoQuality = "medium"
	VideoQualityHigh   VideoQuality = "high"
)

// NormalizeQuality coerces client input to a recognized quality level.
// Unrecognized or empty values fall back to medium, the starting quality for
// every participant.
func NormalizeQuality(q string) VideoQuality {
	switch VideoQuality(q) {
	case VideoQualityLow, VideoQualityMedium, VideoQualityHigh:
		return VideoQuality(q)
	default:
		return VideoQualityMedium
	}
}

// DefaultMaxParticipants caps room membership when the descriptor is absent
// or does not set its own limit.
const DefaultMaxParticipants = 10

// Bounds for the persisted newest-first history lists.
const (
	ChatHistoryBound       = 100
	WhiteboardHistoryBound = 1000
)

// ErrNotFound reports a key with no value in the durable store.
var ErrNotFound = errors.New("key not found")

// --- Persisted Records ---

// RoomDescriptor is the durable half of a room, stored under room:{id}.
// Runtime membership lives only in the registry; the descriptor outlives it.
type RoomDescriptor struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	MaxParticipants int       `json:"max_participants"`
	IsPublic        bool      `json:"is_public"`
	Password        string    `json:"password,omitempty"`
}

// ChatRecord is one chat message as stored under chat:{room_id}. Content
// holds ciphertext at rest; readers decrypt before serving it.
type ChatRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// WhiteboardRecord is one whiteboard event as stored under whiteboard:{room_id}.
type WhiteboardRecord struct {
	EventType string          `json:"event_type"`
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Persisted key layout.

func RoomKey(id RoomIdType) string       { return "room:" + string(id) }
func ChatKey(id RoomIdType) string       { return "chat:" + string(id) }
func WhiteboardKey(id RoomIdType) string { return "whiteboard:" + string(id) }

// --- Live Views ---

// ParticipantSnapshot is the read-only view of a live participant, served to
// HTTP clients and, minus JoinedAt, to newcomers in the roster frame.
type ParticipantSnapshot struct {
	UserID          string       `json:"user_id"`
	Username        string       `json:"username"`
	JoinedAt        time.Time    `json:"joined_at"`
	IsScreenSharing bool         `json:"is_screen_sharing"`
	IsAudioMuted    bool         `json:"is_audio_muted"`
	IsVideoMuted    bool         `json:"is_video_muted"`
	VideoQuality    VideoQuality `json:"video_quality"`
}

// --- Shared Interfaces ---

// TokenVerifier validates a bearer token and yields its claims.
type TokenVerifier interface {
	Verify(tokenString string) (*auth.Claims, error)
}

// KVStore is the durable-store surface the core depends on: single opaque
// values plus bounded newest-first lists. Get returns ErrNotFound for a
// missing key. PushTrim prepends a value and trims the list to bound entries.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	PushTrim(ctx context.Context, key string, value string, bound int64) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Conn is the write side of an accepted socket. The registry owns it for
// writes and closes it exactly once, at eviction. *websocket.Conn satisfies
// it; tests substitute their own.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
