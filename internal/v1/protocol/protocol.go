package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// Frame types for client -> server
const (
	TypeWebRTCSignal       = "webrtc_signal"
	TypeChatMessage        = "chat_message"
	TypeWhiteboardEvent    = "whiteboard_event"
	TypeFileShare          = "file_share"
	TypeVideoQualityChange = "video_quality_change"
	TypeScreenShare        = "screen_share"
	TypeAudioMute          = "audio_mute"
	TypeVideoMute          = "video_mute"
)

// Frame types for server -> client. Chat, whiteboard, file share and signal
// broadcasts reuse the inbound type names.
const (
	TypeUserJoined          = "user_joined"
	TypeUserLeft            = "user_left"
	TypeParticipantsList    = "participants_list"
	TypeFileShared          = "file_shared"
	TypeVideoQualityChanged = "video_quality_changed"
	TypeScreenShareStatus   = "screen_share_status"
	TypeAudioMuteStatus     = "audio_mute_status"
	TypeVideoMuteStatus     = "video_mute_status"
)

// ============================================================================
// Client -> Server Frames
// ============================================================================

// Inbound is the tagged variant produced by Parse; the router switches on the
// concrete type. Unknown tags surface as *Unknown so callers can log and drop
// them without tearing the session down.
type Inbound interface {
	inbound()
}

// WebRTCSignal relays an opaque SDP/ICE payload. ToUser targets one peer;
// when empty the signal is announced to every peer except the sender.
type WebRTCSignal struct {
	ToUser string          `json:"to_user,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// SignalType peeks the "type" field inside the opaque signal payload
// (offer, answer, ice-candidate). The payload itself is never rewritten.
func (m *WebRTCSignal) SignalType() string {
	var head struct {
		Type string `json:"type"`
	}
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &head)
	}
	return head.Type
}

// ChatMessage carries one chat body to the sender's room.
type ChatMessage struct {
	Content string `json:"content"`
}

// WhiteboardEvent carries one whiteboard stroke or control event.
type WhiteboardEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// FileShare announces an out-of-band file to the room.
type FileShare struct {
	FileInfo json.RawMessage `json:"file_info"`
}

// VideoQualityChange updates the sender's advertised video quality.
type VideoQualityChange struct {
	Quality string `json:"quality"`
}

// ScreenShare updates the sender's screen sharing flag.
type ScreenShare struct {
	IsSharing bool `json:"is_sharing"`
}

// AudioMute updates the sender's audio mute flag.
type AudioMute struct {
	IsMuted bool `json:"is_muted"`
}

// VideoMute updates the sender's video mute flag.
type VideoMute struct {
	IsMuted bool `json:"is_muted"`
}

// Unknown is any frame whose type no handler claims.
type Unknown struct {
	Type string
}

func (*WebRTCSignal) inbound()       {}
func (*ChatMessage) inbound()        {}
func (*WhiteboardEvent) inbound()    {}
func (*FileShare) inbound()          {}
func (*VideoQualityChange) inbound() {}
func (*ScreenShare) inbound()        {}
func (*AudioMute) inbound()          {}
func (*VideoMute) inbound()          {}
func (*Unknown) inbound()            {}

// Parse decodes one inbound text frame into its typed variant.
func Parse(raw []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var msg Inbound
	switch head.Type {
	case TypeWebRTCSignal:
		msg = &WebRTCSignal{}
	case TypeChatMessage:
		msg = &ChatMessage{}
	case TypeWhiteboardEvent:
		msg = &WhiteboardEvent{}
	case TypeFileShare:
		msg = &FileShare{}
	case TypeVideoQualityChange:
		msg = &VideoQualityChange{}
	case TypeScreenShare:
		msg = &ScreenShare{}
	case TypeAudioMute:
		msg = &AudioMute{}
	case TypeVideoMute:
		msg = &VideoMute{}
	default:
		return &Unknown{Type: head.Type}, nil
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", head.Type, err)
	}
	return msg, nil
}

// ============================================================================
// Server -> Client Frames
// ============================================================================

// UserJoined announces a new participant to the rest of the room.
type UserJoined struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

func NewUserJoined(userID, username string) UserJoined {
	return UserJoined{Type: TypeUserJoined, UserID: userID, Username: username, Timestamp: now()}
}

// UserLeft announces a departed participant to the rest of the room.
type UserLeft struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

func NewUserLeft(userID, username string) UserLeft {
	return UserLeft{Type: TypeUserLeft, UserID: userID, Username: username, Timestamp: now()}
}

// RosterEntry is one participant in a ParticipantsList frame.
type RosterEntry struct {
	UserID          string             `json:"user_id"`
	Username        string             `json:"username"`
	VideoQuality    types.VideoQuality `json:"video_quality"`
	IsScreenSharing bool               `json:"is_screen_sharing"`
	IsAudioMuted    bool               `json:"is_audio_muted"`
	IsVideoMuted    bool               `json:"is_video_muted"`
}

// ParticipantsList is the membership snapshot delivered to a newcomer.
type ParticipantsList struct {
	Type         string        `json:"type"`
	Participants []RosterEntry `json:"participants"`
	Timestamp    time.Time     `json:"timestamp"`
}

func NewParticipantsList(entries []RosterEntry) ParticipantsList {
	if entries == nil {
		entries = []RosterEntry{}
	}
	return ParticipantsList{Type: TypeParticipantsList, Participants: entries, Timestamp: now()}
}

// ChatBroadcast is the plaintext copy of a stored chat record, fanned out to
// the whole room including the sender.
type ChatBroadcast struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChatBroadcast(id, userID, username, content string, ts time.Time) ChatBroadcast {
	return ChatBroadcast{Type: TypeChatMessage, ID: id, UserID: userID, Username: username, Content: content, Timestamp: ts}
}

// WhiteboardBroadcast mirrors the persisted whiteboard record to peers.
type WhiteboardBroadcast struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewWhiteboardBroadcast(eventType, userID string, data json.RawMessage, ts time.Time) WhiteboardBroadcast {
	return WhiteboardBroadcast{Type: TypeWhiteboardEvent, EventType: eventType, UserID: userID, Data: data, Timestamp: ts}
}

// FileShareBroadcast echoes a client file_share announcement to the room.
type FileShareBroadcast struct {
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	FileInfo  json.RawMessage `json:"file_info"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewFileShareBroadcast(userID string, fileInfo json.RawMessage) FileShareBroadcast {
	return FileShareBroadcast{Type: TypeFileShare, UserID: userID, FileInfo: fileInfo, Timestamp: now()}
}

// FileInfo describes a completed upload.
type FileInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// FileShared notifies the room that an upload landed on this node.
type FileShared struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	FileInfo  FileInfo  `json:"file_info"`
	Timestamp time.Time `json:"timestamp"`
}

func NewFileShared(userID, username string, info FileInfo) FileShared {
	return FileShared{Type: TypeFileShared, UserID: userID, Username: username, FileInfo: info, Timestamp: now()}
}

// VideoQualityChanged reports a participant's new advertised quality.
type VideoQualityChanged struct {
	Type      string             `json:"type"`
	UserID    string             `json:"user_id"`
	Quality   types.VideoQuality `json:"quality"`
	Timestamp time.Time          `json:"timestamp"`
}

func NewVideoQualityChanged(userID string, quality types.VideoQuality) VideoQualityChanged {
	return VideoQualityChanged{Type: TypeVideoQualityChanged, UserID: userID, Quality: quality, Timestamp: now()}
}

// ScreenShareStatus reports a participant's screen sharing flag.
type ScreenShareStatus struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	IsSharing bool      `json:"is_sharing"`
	Timestamp time.Time `json:"timestamp"`
}

func NewScreenShareStatus(userID string, isSharing bool) ScreenShareStatus {
	return ScreenShareStatus{Type: TypeScreenShareStatus, UserID: userID, IsSharing: isSharing, Timestamp: now()}
}

// AudioMuteStatus reports a participant's audio mute flag.
type AudioMuteStatus struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	IsMuted   bool      `json:"is_muted"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAudioMuteStatus(userID string, isMuted bool) AudioMuteStatus {
	return AudioMuteStatus{Type: TypeAudioMuteStatus, UserID: userID, IsMuted: isMuted, Timestamp: now()}
}

// VideoMuteStatus reports a participant's video mute flag.
type VideoMuteStatus struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	IsMuted   bool      `json:"is_muted"`
	Timestamp time.Time `json:"timestamp"`
}

func NewVideoMuteStatus(userID string, isMuted bool) VideoMuteStatus {
	return VideoMuteStatus{Type: TypeVideoMuteStatus, UserID: userID, IsMuted: isMuted, Timestamp: now()}
}

// SignalForward is the relayed form of a WebRTC signal. The payload travels
// verbatim; only the envelope identifies the origin peer.
type SignalForward struct {
	Type       string          `json:"type"`
	SignalType string          `json:"signal_type"`
	Data       json.RawMessage `json:"data"`
	FromUser   string          `json:"from_user"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewSignalForward(fromUser string, signal *WebRTCSignal) SignalForward {
	return SignalForward{
		Type:       TypeWebRTCSignal,
		SignalType: signal.SignalType(),
		Data:       signal.Data,
		FromUser:   fromUser,
		Timestamp:  now(),
	}
}

// Server frames carry ISO-8601 UTC timestamps.
func now() time.Time {
	return time.Now().UTC()
}
