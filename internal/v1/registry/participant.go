package registry

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/protocol"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

const (
	// writeWait bounds how long a single socket write may stall.
	writeWait = 10 * time.Second

	// pingPeriod is the heartbeat interval; the session read loop expects a
	// pong within readWait and surfaces expiry as a read error.
	pingPeriod = 30 * time.Second

	// sendQueueSize bounds the per-participant outbound queue. A full queue
	// counts as a send failure and schedules eviction.
	sendQueueSize = 256
)

// Participant is one authenticated user's live session inside a room. It owns
// the write side of the socket: every outbound frame is enqueued onto send
// and drained by a single writer goroutine, so the socket never has two
// concurrent writers. The session loop owns the read side.
//
// Flags are mutated only by the message router acting for this participant;
// peers cannot touch each other's state.
type Participant struct {
	userID   types.UserIdType
	username types.UsernameType
	joinedAt time.Time

	conn types.Conn
	send chan []byte

	// onDead schedules eviction when the writer hits a socket error.
	onDead func(types.UserIdType)

	// close handshake: closeOnce arms done exactly once; the writer drains
	// what it can, writes the close frame, and closes the socket.
	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	mu              sync.RWMutex
	isScreenSharing bool
	isAudioMuted    bool
	isVideoMuted    bool
	videoQuality    types.VideoQuality
}

func newParticipant(userID types.UserIdType, username types.UsernameType, conn types.Conn, onDead func(types.UserIdType)) *Participant {
	return &Participant{
		userID:       userID,
		username:     username,
		joinedAt:     time.Now().UTC(),
		conn:         conn,
		send:         make(chan []byte, sendQueueSize),
		onDead:       onDead,
		done:         make(chan struct{}),
		videoQuality: types.VideoQualityMedium,
	}
}

// UserID returns the participant's stable identifier.
func (p *Participant) UserID() types.UserIdType { return p.userID }

// Username returns the participant's display name.
func (p *Participant) Username() types.UsernameType { return p.username }

// enqueue hands one serialized frame to the writer. It never blocks: a full
// or closing queue reports failure so the caller can schedule eviction.
func (p *Participant) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- frame:
		return true
	case <-p.done:
		return false
	default:
		logging.Warn(context.Background(), "participant send queue full, dropping session",
			zap.String("user_id", string(p.userID)))
		return false
	}
}

// shutdown arms the close handshake. Idempotent; the first caller picks the
// close frame the writer will deliver.
func (p *Participant) shutdown(code int, reason string) {
	p.closeOnce.Do(func() {
		p.closeCode = code
		p.closeReason = reason
		close(p.done)
	})
}

// writePump serializes all writes to the socket: queued frames, heartbeat
// pings, and the final close frame. It exits on the first write error
// (scheduling eviction) or once shutdown is armed. Closing the socket here
// also unblocks the session's read loop.
func (p *Participant) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Warn(context.Background(), "socket write failed",
					zap.String("user_id", string(p.userID)), zap.Error(err))
				p.onDead(p.userID)
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logging.Warn(context.Background(), "heartbeat ping failed",
					zap.String("user_id", string(p.userID)), zap.Error(err))
				p.onDead(p.userID)
				return
			}

		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(p.closeCode, p.closeReason))
			return
		}
	}
}

// snapshot is the full read-only view served to HTTP clients.
func (p *Participant) snapshot() types.ParticipantSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return types.ParticipantSnapshot{
		UserID:          string(p.userID),
		Username:        string(p.username),
		JoinedAt:        p.joinedAt,
		IsScreenSharing: p.isScreenSharing,
		IsAudioMuted:    p.isAudioMuted,
		IsVideoMuted:    p.isVideoMuted,
		VideoQuality:    p.videoQuality,
	}
}

// rosterEntry is the view delivered to newcomers in the participants_list frame.
func (p *Participant) rosterEntry() protocol.RosterEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return protocol.RosterEntry{
		UserID:          string(p.userID),
		Username:        string(p.username),
		VideoQuality:    p.videoQuality,
		IsScreenSharing: p.isScreenSharing,
		IsAudioMuted:    p.isAudioMuted,
		IsVideoMuted:    p.isVideoMuted,
	}
}

func (p *Participant) setVideoQuality(q types.VideoQuality) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoQuality = q
}

func (p *Participant) setScreenSharing(sharing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isScreenSharing = sharing
}

func (p *Participant) setAudioMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isAudioMuted = muted
}

func (p *Participant) setVideoMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isVideoMuted = muted
}
