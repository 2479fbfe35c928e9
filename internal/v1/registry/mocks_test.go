package registry

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeConn records everything the writer pump pushes at it. Tests poll the
// recorded frames because delivery runs on the participant's writer goroutine.
type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	pings      int
	closeCode  int
	closeText  string
	gotClose   bool
	closed     bool
	failWrites bool
	block      chan struct{} // non-nil: WriteMessage parks here first
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.block != nil {
		<-c.block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("broken pipe")
	}

	switch messageType {
	case websocket.TextMessage:
		buf := make([]byte, len(data))
		copy(buf, data)
		c.frames = append(c.frames, buf)
	case websocket.PingMessage:
		c.pings++
	case websocket.CloseMessage:
		c.gotClose = true
		if len(data) >= 2 {
			c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
			c.closeText = string(data[2:])
		}
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = fail
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// typedFrames decodes every recorded text frame into a loose map, in arrival
// order.
func (c *fakeConn) typedFrames(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.frames))
	for _, raw := range c.frames {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		out = append(out, decoded)
	}
	return out
}

// framesOfType filters decoded frames by their "type" field.
func (c *fakeConn) framesOfType(t *testing.T, frameType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, f := range c.typedFrames(t) {
		if f["type"] == frameType {
			out = append(out, f)
		}
	}
	return out
}

// countOfType tallies recorded frames by type without failing the test, so
// it is safe inside Eventually conditions.
func (c *fakeConn) countOfType(frameType string) int {
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

func (c *fakeConn) closeFrame() (int, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeText, c.gotClose
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitFrames blocks until the conn has seen at least n text frames.
func (c *fakeConn) waitFrames(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.frameCount() >= n },
		2*time.Second, 5*time.Millisecond, "expected at least %d frames, have %d", n, c.frameCount())
}

// waitClosed blocks until the registry closed the socket.
func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return c.isClosed() },
		2*time.Second, 5*time.Millisecond, "socket was never closed")
}
