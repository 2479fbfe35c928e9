// Package registry holds the live half of every room: the participants map,
// the reverse user index, and the fan-out paths that deliver frames to each
// participant's socket. Room descriptors live in the durable store; the
// registry only ever sees sockets that have completed the upgrade handshake.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/metrics"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/protocol"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// room is the runtime shape of a conference: membership plus the capacity it
// was created with. Rooms exist only while they hold at least one participant.
type room struct {
	id       types.RoomIdType
	capacity int

	mu           sync.Mutex
	participants map[types.UserIdType]*Participant
}

// Registry owns every live room on this node. Two indices are kept in
// lockstep: rooms maps a room to its members, userRooms maps a user back to
// the one room they occupy. Admission, eviction, and fan-out all run against
// these maps; the registry is the only code that closes an admitted socket.
//
// Locking: reg.mu guards the two maps, each room guards its own membership.
// reg.mu is always taken before a room lock and a room lock is never held
// while taking reg.mu, so admit/evict/broadcast cannot deadlock.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[types.RoomIdType]*room
	userRooms map[types.UserIdType]types.RoomIdType

	defaultCapacity int
}

// New creates an empty registry. defaultCapacity caps rooms whose descriptor
// is unknown or carries no limit; zero falls back to types.DefaultMaxParticipants.
func New(defaultCapacity int) *Registry {
	if defaultCapacity <= 0 {
		defaultCapacity = types.DefaultMaxParticipants
	}
	return &Registry{
		rooms:           make(map[types.RoomIdType]*room),
		userRooms:       make(map[types.UserIdType]types.RoomIdType),
		defaultCapacity: defaultCapacity,
	}
}

// Admit installs a new participant in roomID and starts its writer.
//
// The capacity check, both index writes, and the replace-prior-session test
// run under one critical section, so concurrent admits cannot overfill a room
// and a user id can never appear in two rooms. capacity comes from the room
// descriptor when the caller resolved one; zero means the registry default.
//
// On refusal the socket is closed with 1000 "Room is full" and false is
// returned. On success the rest of the room sees user_joined and the
// newcomer receives the participants_list snapshot as its first frame.
func (reg *Registry) Admit(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, username types.UsernameType, conn types.Conn, capacity int) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	// A reconnect replaces the old session: evict it before admitting so the
	// user id is in at most one room at any instant.
	if _, ok := reg.userRooms[userID]; ok {
		logging.Info(ctx, "replacing prior session",
			zap.String("user_id", string(userID)), zap.String("room_id", string(roomID)))
		reg.evictLocked(ctx, userID, websocket.CloseNormalClosure, "Session replaced")
	}

	if capacity <= 0 {
		capacity = reg.defaultCapacity
	}

	rm, created := reg.rooms[roomID], false
	if rm == nil {
		rm = &room{
			id:           roomID,
			capacity:     capacity,
			participants: make(map[types.UserIdType]*Participant),
		}
		reg.rooms[roomID] = rm
		created = true
		metrics.ActiveRooms.Inc()
	}

	rm.mu.Lock()
	if len(rm.participants) >= rm.capacity {
		rm.mu.Unlock()
		if created {
			delete(reg.rooms, roomID)
			metrics.ActiveRooms.Dec()
		}
		logging.Warn(ctx, "room is full, refusing admission",
			zap.String("room_id", string(roomID)),
			zap.String("user_id", string(userID)),
			zap.Int("capacity", rm.capacity))
		refuse(conn, websocket.CloseNormalClosure, "Room is full")
		return false
	}

	p := newParticipant(userID, username, conn, reg.scheduleEvict)
	rm.participants[userID] = p
	reg.userRooms[userID] = roomID
	go p.writePump()

	metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(len(rm.participants)))

	// Announce to the rest of the room first, then hand the newcomer its
	// snapshot. Both happen before the room lock drops, so no later
	// broadcast can overtake either frame.
	var failed []types.UserIdType
	if joined, err := json.Marshal(protocol.NewUserJoined(string(userID), string(username))); err == nil {
		for id, peer := range rm.participants {
			if id == userID {
				continue
			}
			if !peer.enqueue(joined) {
				failed = append(failed, id)
			}
		}
	}

	if roster, err := json.Marshal(protocol.NewParticipantsList(rm.rosterLocked(userID))); err == nil {
		p.enqueue(roster)
	}
	rm.mu.Unlock()

	for _, id := range failed {
		reg.evictLocked(ctx, id, websocket.CloseNormalClosure, "")
	}

	logging.Info(ctx, "participant admitted",
		zap.String("room_id", string(roomID)),
		zap.String("user_id", string(userID)),
		zap.String("username", string(username)))
	return true
}

// Evict removes userID from whichever room holds it, closes its socket, and
// tells the remaining members. Safe to call repeatedly; every later call is
// a no-op. The read loop, the writer, and broadcast failure handling all
// funnel through here, making this the single place a live socket dies.
func (reg *Registry) Evict(ctx context.Context, userID types.UserIdType) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.evictLocked(ctx, userID, websocket.CloseNormalClosure, "")
}

// evictLocked evicts userID and then any peers whose user_left delivery
// failed, iteratively so a chain of dead sockets cannot recurse. Caller
// holds reg.mu.
func (reg *Registry) evictLocked(ctx context.Context, userID types.UserIdType, code int, reason string) {
	pending := reg.evictOneLocked(ctx, userID, code, reason)
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		pending = append(pending, reg.evictOneLocked(ctx, next, websocket.CloseNormalClosure, "")...)
	}
}

// evictOneLocked removes a single participant from both indices, shuts its
// writer down, and broadcasts user_left to the survivors. It returns the ids
// whose user_left enqueue failed. Caller holds reg.mu.
func (reg *Registry) evictOneLocked(ctx context.Context, userID types.UserIdType, code int, reason string) []types.UserIdType {
	roomID, ok := reg.userRooms[userID]
	if !ok {
		return nil
	}
	rm := reg.rooms[roomID]
	delete(reg.userRooms, userID)

	rm.mu.Lock()
	p := rm.participants[userID]
	delete(rm.participants, userID)

	var failed []types.UserIdType
	if len(rm.participants) == 0 {
		// Last one out: drop the runtime room. The persisted descriptor
		// under room:{id} is untouched.
		delete(reg.rooms, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(roomID))
	} else {
		metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(len(rm.participants)))
		if p != nil {
			if left, err := json.Marshal(protocol.NewUserLeft(string(userID), string(p.username))); err == nil {
				for id, peer := range rm.participants {
					if !peer.enqueue(left) {
						failed = append(failed, id)
					}
				}
			}
		}
	}
	rm.mu.Unlock()

	if p != nil {
		p.shutdown(code, reason)
		logging.Info(ctx, "participant evicted",
			zap.String("room_id", string(roomID)),
			zap.String("user_id", string(userID)))
	}
	return failed
}

// scheduleEvict is handed to each participant's writer so a failed socket
// write tears the session down without the writer touching registry locks
// it might already be queued behind.
func (reg *Registry) scheduleEvict(userID types.UserIdType) {
	reg.Evict(context.Background(), userID)
}

// Snapshot returns the membership of roomID for HTTP readers, in join order.
// A room with no live participants yields an empty slice.
func (reg *Registry) Snapshot(roomID types.RoomIdType) []types.ParticipantSnapshot {
	rm := reg.lookup(roomID)
	if rm == nil {
		return []types.ParticipantSnapshot{}
	}

	rm.mu.Lock()
	snaps := make([]types.ParticipantSnapshot, 0, len(rm.participants))
	for _, p := range rm.participants {
		snaps = append(snaps, p.snapshot())
	}
	rm.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].JoinedAt.Before(snaps[j].JoinedAt) })
	return snaps
}

// Username resolves the current display name of a live participant.
func (reg *Registry) Username(roomID types.RoomIdType, userID types.UserIdType) (types.UsernameType, bool) {
	p := reg.participant(roomID, userID)
	if p == nil {
		return "", false
	}
	return p.username, true
}

// SetVideoQuality updates a participant's advertised quality. Reports false
// when the participant is not live in roomID.
func (reg *Registry) SetVideoQuality(roomID types.RoomIdType, userID types.UserIdType, q types.VideoQuality) bool {
	p := reg.participant(roomID, userID)
	if p == nil {
		return false
	}
	p.setVideoQuality(q)
	return true
}

// SetScreenSharing updates a participant's screen sharing flag.
func (reg *Registry) SetScreenSharing(roomID types.RoomIdType, userID types.UserIdType, sharing bool) bool {
	p := reg.participant(roomID, userID)
	if p == nil {
		return false
	}
	p.setScreenSharing(sharing)
	return true
}

// SetAudioMuted updates a participant's audio mute flag.
func (reg *Registry) SetAudioMuted(roomID types.RoomIdType, userID types.UserIdType, muted bool) bool {
	p := reg.participant(roomID, userID)
	if p == nil {
		return false
	}
	p.setAudioMuted(muted)
	return true
}

// SetVideoMuted updates a participant's video mute flag.
func (reg *Registry) SetVideoMuted(roomID types.RoomIdType, userID types.UserIdType, muted bool) bool {
	p := reg.participant(roomID, userID)
	if p == nil {
		return false
	}
	p.setVideoMuted(muted)
	return true
}

// Shutdown closes every live session with a going-away frame and empties the
// registry. Used on process exit after the HTTP listener stops accepting.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.Lock()
	var all []*Participant
	for _, rm := range reg.rooms {
		rm.mu.Lock()
		for _, p := range rm.participants {
			all = append(all, p)
		}
		rm.mu.Unlock()
		metrics.RoomParticipants.DeleteLabelValues(string(rm.id))
		metrics.ActiveRooms.Dec()
	}
	reg.rooms = make(map[types.RoomIdType]*room)
	reg.userRooms = make(map[types.UserIdType]types.RoomIdType)
	reg.mu.Unlock()

	for _, p := range all {
		p.shutdown(websocket.CloseGoingAway, "Server shutting down")
	}
	logging.Info(ctx, "registry shut down", zap.Int("sessions_closed", len(all)))
}

// lookup resolves a live room or nil.
func (reg *Registry) lookup(roomID types.RoomIdType) *room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomID]
}

// participant resolves a live participant or nil.
func (reg *Registry) participant(roomID types.RoomIdType, userID types.UserIdType) *Participant {
	rm := reg.lookup(roomID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.participants[userID]
}

// rosterLocked builds the participants_list entries for a newcomer, oldest
// join first, excluding the newcomer itself. Caller holds rm.mu.
func (rm *room) rosterLocked(exclude types.UserIdType) []protocol.RosterEntry {
	peers := make([]*Participant, 0, len(rm.participants))
	for id, p := range rm.participants {
		if id == exclude {
			continue
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].joinedAt.Before(peers[j].joinedAt) })

	entries := make([]protocol.RosterEntry, 0, len(peers))
	for _, p := range peers {
		entries = append(entries, p.rosterEntry())
	}
	return entries
}

// refuse closes a never-admitted socket with a close frame. Sockets that made
// it past Admit are closed by eviction instead.
func refuse(conn types.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
