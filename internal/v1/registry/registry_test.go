package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/protocol"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

func admit(t *testing.T, reg *Registry, roomID, userID, username string, capacity int) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	ok := reg.Admit(context.Background(),
		types.RoomIdType(roomID), types.UserIdType(userID), types.UsernameType(username), conn, capacity)
	require.True(t, ok, "admission of %s to %s was refused", userID, roomID)
	return conn
}

// checkIndices asserts the room membership map and the reverse user index
// mirror each other exactly, no room is empty, and no room is over capacity.
func checkIndices(t *testing.T, reg *Registry) {
	t.Helper()
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	livePairs := 0
	for roomID, rm := range reg.rooms {
		rm.mu.Lock()
		assert.NotEmpty(t, rm.participants, "room %s kept alive with no participants", roomID)
		assert.LessOrEqual(t, len(rm.participants), rm.capacity, "room %s over capacity", roomID)
		for userID := range rm.participants {
			indexed, ok := reg.userRooms[userID]
			assert.True(t, ok, "user %s live in %s but missing from the reverse index", userID, roomID)
			assert.Equal(t, roomID, indexed, "user %s indexed under the wrong room", userID)
			livePairs++
		}
		rm.mu.Unlock()
	}
	assert.Equal(t, len(reg.userRooms), livePairs, "reverse index holds users no room knows about")
}

func frameTypes(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		if s, ok := f["type"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestAdmitDeliversRosterThenAnnouncesJoin(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	alice := admit(t, reg, "room-1", "alice", "Alice", 0)
	alice.waitFrames(t, 1)

	first := alice.typedFrames(t)[0]
	require.Equal(t, protocol.TypeParticipantsList, first["type"])
	assert.Empty(t, first["participants"], "first joiner should see an empty roster")

	bob := admit(t, reg, "room-1", "bob", "Bob", 0)
	bob.waitFrames(t, 1)
	alice.waitFrames(t, 2)

	roster := bob.typedFrames(t)[0]
	require.Equal(t, protocol.TypeParticipantsList, roster["type"])
	entries := roster["participants"].([]any)
	require.Len(t, entries, 1, "roster must list existing members, not the newcomer")
	entry := entries[0].(map[string]any)
	assert.Equal(t, "alice", entry["user_id"])
	assert.Equal(t, "Alice", entry["username"])
	assert.Equal(t, string(types.VideoQualityMedium), entry["video_quality"])

	joined := alice.framesOfType(t, protocol.TypeUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0]["user_id"])
	assert.Equal(t, "Bob", joined[0]["username"])

	assert.Zero(t, bob.countOfType(protocol.TypeUserJoined), "newcomer must not see its own join")
	checkIndices(t, reg)
}

func TestAdmitRefusesWhenRoomFull(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	admit(t, reg, "small", "u1", "One", 2)
	u2 := admit(t, reg, "small", "u2", "Two", 2)
	u2.waitFrames(t, 1)

	late := &fakeConn{}
	ok := reg.Admit(context.Background(), "small", "u3", "Three", late, 2)
	require.False(t, ok)

	code, reason, closed := late.closeFrame()
	require.True(t, closed, "refused socket never saw a close frame")
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "Room is full", reason)
	assert.True(t, late.isClosed())
	assert.Zero(t, late.frameCount(), "refused socket must not receive data frames")

	// A refused join leaves no trace on the room.
	assert.Len(t, reg.Snapshot("small"), 2)
	assert.Zero(t, u2.countOfType(protocol.TypeUserJoined))
	checkIndices(t, reg)
}

func TestRefusalLeavesNoTrace(t *testing.T) {
	reg := New(0)

	admit(t, reg, "one-seat", "solo", "Solo", 1)

	late := &fakeConn{}
	require.False(t, reg.Admit(context.Background(), "one-seat", "late", "Late", late, 1))
	reg.Evict(context.Background(), "solo")

	reg.mu.RLock()
	assert.Empty(t, reg.rooms, "refusal plus eviction must leave no runtime rooms")
	assert.Empty(t, reg.userRooms)
	reg.mu.RUnlock()
	reg.Shutdown(context.Background())
}

func TestPeersSeeJoinThenLeaveExactlyOnce(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	alice := admit(t, reg, "room-1", "alice", "Alice", 0)
	admit(t, reg, "room-1", "bob", "Bob", 0)
	alice.waitFrames(t, 2)

	reg.Evict(context.Background(), "bob")
	alice.waitFrames(t, 3)

	assert.Equal(t,
		[]string{protocol.TypeParticipantsList, protocol.TypeUserJoined, protocol.TypeUserLeft},
		frameTypes(alice.typedFrames(t)))

	left := alice.framesOfType(t, protocol.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0]["user_id"])
	assert.Equal(t, "Bob", left[0]["username"])

	// Eviction is idempotent: no second user_left.
	reg.Evict(context.Background(), "bob")
	assert.Never(t, func() bool { return alice.frameCount() > 3 },
		200*time.Millisecond, 20*time.Millisecond)
	checkIndices(t, reg)
}

func TestLastEvictionRemovesRoom(t *testing.T) {
	reg := New(0)

	admit(t, reg, "room-1", "alice", "Alice", 0)
	reg.Evict(context.Background(), "alice")

	reg.mu.RLock()
	_, roomAlive := reg.rooms["room-1"]
	_, stillIndexed := reg.userRooms["alice"]
	reg.mu.RUnlock()
	assert.False(t, roomAlive, "empty room must be dropped immediately")
	assert.False(t, stillIndexed)
	assert.Empty(t, reg.Snapshot("room-1"))

	// Rejoining rebuilds the room from scratch.
	again := admit(t, reg, "room-1", "alice", "Alice", 0)
	again.waitFrames(t, 1)
	assert.Equal(t, protocol.TypeParticipantsList, again.typedFrames(t)[0]["type"])

	reg.Shutdown(context.Background())
}

func TestReconnectReplacesPriorSession(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	first := admit(t, reg, "room-1", "alice", "Alice", 0)
	second := admit(t, reg, "room-1", "alice", "Alice", 0)

	first.waitClosed(t)
	code, reason, ok := first.closeFrame()
	require.True(t, ok)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "Session replaced", reason)

	require.Len(t, reg.Snapshot("room-1"), 1)
	checkIndices(t, reg)

	// The old session left before the new one was installed, so the
	// replacement sees an empty room.
	second.waitFrames(t, 1)
	roster := second.typedFrames(t)[0]
	require.Equal(t, protocol.TypeParticipantsList, roster["type"])
	assert.Empty(t, roster["participants"])
}

func TestReconnectToAnotherRoomMovesUser(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	bob := admit(t, reg, "room-1", "bob", "Bob", 0)
	admit(t, reg, "room-1", "alice", "Alice", 0)
	bob.waitFrames(t, 2)

	admit(t, reg, "room-2", "alice", "Alice", 0)
	bob.waitFrames(t, 3)

	left := bob.framesOfType(t, protocol.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", left[0]["user_id"])

	reg.mu.RLock()
	assert.Equal(t, types.RoomIdType("room-2"), reg.userRooms["alice"])
	reg.mu.RUnlock()
	assert.Len(t, reg.Snapshot("room-1"), 1)
	assert.Len(t, reg.Snapshot("room-2"), 1)
	checkIndices(t, reg)
}

func TestBroadcastSkipsExcludedUser(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	alice := admit(t, reg, "room-1", "alice", "Alice", 0)
	bob := admit(t, reg, "room-1", "bob", "Bob", 0)
	carol := admit(t, reg, "room-1", "carol", "Carol", 0)
	alice.waitFrames(t, 3)
	bob.waitFrames(t, 2)
	carol.waitFrames(t, 1)

	msg := protocol.NewChatBroadcast("m1", "alice", "Alice", "hello room", time.Now().UTC())
	reg.Broadcast(context.Background(), "room-1", msg, "alice")

	bob.waitFrames(t, 3)
	carol.waitFrames(t, 2)

	for _, c := range []*fakeConn{bob, carol} {
		chats := c.framesOfType(t, protocol.TypeChatMessage)
		require.Len(t, chats, 1)
		assert.Equal(t, "hello room", chats[0]["content"])
		assert.Equal(t, "alice", chats[0]["user_id"])
	}
	assert.Zero(t, alice.countOfType(protocol.TypeChatMessage), "excluded sender must not receive the broadcast")

	// No exclusion delivers to everyone.
	reg.Broadcast(context.Background(), "room-1", msg, "")
	alice.waitFrames(t, 4)
	assert.Equal(t, 1, alice.countOfType(protocol.TypeChatMessage))
}

func TestSendToUserTargetsOneSocket(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	alice := admit(t, reg, "room-1", "alice", "Alice", 0)
	bob := admit(t, reg, "room-1", "bob", "Bob", 0)
	alice.waitFrames(t, 2)
	bob.waitFrames(t, 1)

	msg := protocol.NewAudioMuteStatus("alice", true)
	require.True(t, reg.SendToUser(context.Background(), "room-1", "bob", msg))

	bob.waitFrames(t, 2)
	statuses := bob.framesOfType(t, protocol.TypeAudioMuteStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, "alice", statuses[0]["user_id"])
	assert.Equal(t, true, statuses[0]["is_muted"])
	assert.Zero(t, alice.countOfType(protocol.TypeAudioMuteStatus))

	// Unknown targets are dropped, not rerouted.
	assert.False(t, reg.SendToUser(context.Background(), "room-1", "ghost", msg))
	assert.False(t, reg.SendToUser(context.Background(), "no-room", "bob", msg))
}

func TestBroadcastSurvivesDeadPeer(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	alice := admit(t, reg, "room-1", "alice", "Alice", 0)
	bob := admit(t, reg, "room-1", "bob", "Bob", 0)
	mallory := admit(t, reg, "room-1", "mallory", "Mallory", 0)
	alice.waitFrames(t, 3)
	bob.waitFrames(t, 2)
	mallory.waitFrames(t, 1)

	mallory.setFailWrites(true)
	msg := protocol.NewChatBroadcast("m1", "alice", "Alice", "anyone there?", time.Now().UTC())
	reg.Broadcast(context.Background(), "room-1", msg, "")

	// Live peers got the frame; the dead socket's writer error evicts it
	// and the survivors each see exactly one user_left.
	require.Eventually(t, func() bool { return len(reg.Snapshot("room-1")) == 2 },
		2*time.Second, 5*time.Millisecond, "dead peer was never evicted")
	require.Eventually(t, func() bool { return alice.countOfType(protocol.TypeUserLeft) == 1 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, alice.countOfType(protocol.TypeChatMessage))
	assert.Equal(t, 1, bob.countOfType(protocol.TypeChatMessage))

	left := alice.framesOfType(t, protocol.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "mallory", left[0]["user_id"])
	checkIndices(t, reg)
}

func TestSendQueueOverflowEvictsSlowPeer(t *testing.T) {
	reg := New(0)

	release := make(chan struct{})
	stuck := &fakeConn{block: release}
	require.True(t, reg.Admit(context.Background(), "room-1", "slow", "Slow", stuck, 0))
	witness := admit(t, reg, "room-1", "witness", "Witness", 0)

	// The slow writer is parked on its first frame, so broadcasts pile up in
	// its queue until the bound trips and the registry drops the session.
	msg := protocol.NewAudioMuteStatus("witness", true)
	for i := 0; i <= sendQueueSize+1; i++ {
		reg.Broadcast(context.Background(), "room-1", msg, "")
	}

	require.Eventually(t, func() bool { return len(reg.Snapshot("room-1")) == 1 },
		2*time.Second, 5*time.Millisecond, "overflowed peer was never evicted")
	require.Eventually(t, func() bool { return witness.countOfType(protocol.TypeUserLeft) == 1 },
		2*time.Second, 5*time.Millisecond)
	checkIndices(t, reg)

	close(release)
	reg.Shutdown(context.Background())
}

func TestSnapshotTracksMediaFlags(t *testing.T) {
	reg := New(0)
	defer reg.Shutdown(context.Background())

	admit(t, reg, "room-1", "alice", "Alice", 0)
	admit(t, reg, "room-1", "bob", "Bob", 0)

	require.True(t, reg.SetScreenSharing("room-1", "alice", true))
	require.True(t, reg.SetAudioMuted("room-1", "alice", true))
	require.True(t, reg.SetVideoMuted("room-1", "bob", true))
	require.True(t, reg.SetVideoQuality("room-1", "bob", types.VideoQualityLow))

	snaps := reg.Snapshot("room-1")
	require.Len(t, snaps, 2)

	// Snapshots come back in join order.
	assert.Equal(t, "alice", snaps[0].UserID)
	assert.True(t, snaps[0].IsScreenSharing)
	assert.True(t, snaps[0].IsAudioMuted)
	assert.False(t, snaps[0].IsVideoMuted)
	assert.Equal(t, types.VideoQualityMedium, snaps[0].VideoQuality)

	assert.Equal(t, "bob", snaps[1].UserID)
	assert.True(t, snaps[1].IsVideoMuted)
	assert.Equal(t, types.VideoQualityLow, snaps[1].VideoQuality)

	// Setters report false for sessions that are not live.
	assert.False(t, reg.SetScreenSharing("room-1", "ghost", true))
	assert.False(t, reg.SetVideoQuality("no-room", "alice", types.VideoQualityHigh))

	name, ok := reg.Username("room-1", "alice")
	require.True(t, ok)
	assert.Equal(t, types.UsernameType("Alice"), name)
	_, ok = reg.Username("room-1", "ghost")
	assert.False(t, ok)
}

func TestShutdownClosesEverySession(t *testing.T) {
	reg := New(0)

	conns := make([]*fakeConn, 0, 4)
	for i := 0; i < 4; i++ {
		roomID := fmt.Sprintf("room-%d", i%2)
		userID := fmt.Sprintf("user-%d", i)
		conns = append(conns, admit(t, reg, roomID, userID, userID, 0))
	}

	reg.Shutdown(context.Background())

	for _, c := range conns {
		c.waitClosed(t)
		code, reason, ok := c.closeFrame()
		require.True(t, ok)
		assert.Equal(t, websocket.CloseGoingAway, code)
		assert.Equal(t, "Server shutting down", reason)
	}

	reg.mu.RLock()
	assert.Empty(t, reg.rooms)
	assert.Empty(t, reg.userRooms)
	reg.mu.RUnlock()

	// The registry stays usable after shutdown.
	admit(t, reg, "room-9", "late", "Late", 0)
	reg.Shutdown(context.Background())
}

func TestConcurrentAdmissionsRespectCapacity(t *testing.T) {
	reg := New(0)

	const capacity = 5
	const contenders = 20

	var admitted atomic.Int32
	var wg sync.WaitGroup
	conns := make([]*fakeConn, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i] = &fakeConn{}
			ok := reg.Admit(context.Background(), "crowded",
				types.UserIdType(fmt.Sprintf("user-%d", i)), "User", conns[i], capacity)
			if ok {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), admitted.Load())
	assert.Len(t, reg.Snapshot("crowded"), capacity)
	checkIndices(t, reg)

	refused := 0
	for _, c := range conns {
		if _, reason, ok := c.closeFrame(); ok && reason == "Room is full" {
			refused++
		}
	}
	assert.Equal(t, contenders-capacity, refused)

	reg.Shutdown(context.Background())
}

func TestConcurrentChurnKeepsIndicesConsistent(t *testing.T) {
	reg := New(0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			userID := types.UserIdType(fmt.Sprintf("user-%d", w))
			for i := 0; i < 25; i++ {
				roomID := types.RoomIdType(fmt.Sprintf("room-%d", i%3))
				reg.Admit(context.Background(), roomID, userID, "Churner", &fakeConn{}, 0)
				if i%2 == 0 {
					reg.Evict(context.Background(), userID)
				}
			}
		}(w)
	}
	wg.Wait()

	checkIndices(t, reg)
	reg.Shutdown(context.Background())
}
