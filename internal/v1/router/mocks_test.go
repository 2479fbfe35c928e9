package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/crypto"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/registry"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/store"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// stubConn records the frames the registry's writer delivers to one session.
type stubConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *stubConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *stubConn) SetWriteDeadline(time.Time) error { return nil }
func (c *stubConn) Close() error                     { return nil }

func (c *stubConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *stubConn) countOfType(frameType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, raw := range c.frames {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &head) == nil && head.Type == frameType {
			n++
		}
	}
	return n
}

func (c *stubConn) framesOfType(t *testing.T, frameType string) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []map[string]any
	for _, raw := range c.frames {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		if decoded["type"] == frameType {
			out = append(out, decoded)
		}
	}
	return out
}

// waitCount blocks until the conn has seen n frames of the given type.
func (c *stubConn) waitCount(t *testing.T, frameType string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.countOfType(frameType) >= n },
		2*time.Second, 5*time.Millisecond,
		"expected %d %s frames, have %d", n, frameType, c.countOfType(frameType))
}

// newTestRouter wires a Router against a real registry, a miniredis-backed
// store, and a freshly keyed cipher.
func newTestRouter(t *testing.T) (*Router, *registry.Registry, *store.Service, *crypto.Cipher) {
	t.Helper()

	mr := miniredis.RunT(t)
	kv, err := store.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cipher, err := crypto.NewCipher()
	require.NoError(t, err)

	reg := registry.New(0)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	return New(reg, kv, cipher), reg, kv, cipher
}

func join(t *testing.T, reg *registry.Registry, roomID, userID, username string) *stubConn {
	t.Helper()
	conn := &stubConn{}
	ok := reg.Admit(context.Background(),
		types.RoomIdType(roomID), types.UserIdType(userID), types.UsernameType(username), conn, 0)
	require.True(t, ok, "admission of %s was refused", userID)
	return conn
}
