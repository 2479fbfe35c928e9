package registry

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// SendToUser delivers one frame to a single participant. It reports false
// when the target is not live in roomID (the frame is dropped, not rerouted)
// or when the enqueue fails, in which case the target is evicted.
func (reg *Registry) SendToUser(ctx context.Context, roomID types.RoomIdType, userID types.UserIdType, msg any) bool {
	rm := reg.lookup(roomID)
	if rm == nil {
		return false
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		logging.Error(ctx, "failed to marshal unicast frame", zap.Error(err))
		return false
	}

	rm.mu.Lock()
	p := rm.participants[userID]
	delivered := p != nil && p.enqueue(frame)
	rm.mu.Unlock()

	if p != nil && !delivered {
		reg.Evict(ctx, userID)
	}
	return delivered
}

// Broadcast delivers one frame to every participant of roomID except
// exclude (empty means no exclusion). The frame is serialized once and
// enqueued under the room lock, which gives all recipients the same
// inter-broadcast order. Peers whose enqueue fails are collected and
// evicted only after the iteration, so one dead socket cannot starve the
// rest of the room.
func (reg *Registry) Broadcast(ctx context.Context, roomID types.RoomIdType, msg any, exclude types.UserIdType) {
	rm := reg.lookup(roomID)
	if rm == nil {
		return
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		logging.Error(ctx, "failed to marshal broadcast frame", zap.Error(err))
		return
	}

	failed := set.New[types.UserIdType]()
	rm.mu.Lock()
	for id, p := range rm.participants {
		if exclude != "" && id == exclude {
			continue
		}
		if !p.enqueue(frame) {
			failed.Insert(id)
		}
	}
	rm.mu.Unlock()

	for _, id := range failed.UnsortedList() {
		logging.Warn(ctx, "broadcast delivery failed, evicting peer",
			zap.String("room_id", string(roomID)),
			zap.String("user_id", string(id)))
		reg.Evict(ctx, id)
	}
}
