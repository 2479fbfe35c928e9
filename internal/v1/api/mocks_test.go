package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/auth"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/config"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/crypto"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/middleware"
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

// fixture wires the full query surface against a real registry, a
// miniredis-backed store, a fresh cipher, and an in-memory upload root.
type fixture struct {
	handler  *Handler
	engine   *gin.Engine
	registry *registry.Registry
	store    *store.Service
	cipher   *crypto.Cipher
	tokens   *auth.Service
	cfg      *config.Config
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	kv, err := store.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	cipher, err := crypto.NewCipher()
	require.NoError(t, err)

	tokens, err := auth.NewService(strings.Repeat("k", 32), "HS256", time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		MaxFileSize:            1 << 20,
		UploadDirectory:        t.TempDir(),
		StunServers:            []string{"stun:stun.example.com:3478"},
		TurnServers:            []config.TurnServer{{URLs: "turn:turn.example.com:3478", Username: "u", Credential: "c"}},
		MaxParticipantsDefault: 10,
	}
	for _, m := range mutate {
		m(cfg)
	}

	reg := registry.New(0)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	h := NewHandler(reg, kv, cipher, tokens, cfg)

	engine := gin.New()
	h.Routes(engine, middleware.RequireAuth(tokens), nil)

	return &fixture{handler: h, engine: engine, registry: reg, store: kv, cipher: cipher, tokens: tokens, cfg: cfg, mr: mr}
}

// bearer mints a real token for userID and returns it as an Authorization value.
func (f *fixture) bearer(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := f.tokens.Mint(userID, username)
	require.NoError(t, err)
	return "Bearer " + token
}

// do runs one request through the fixture's engine. A nil body sends no
// payload; anything else is marshaled as JSON.
func (f *fixture) do(t *testing.T, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, f.engine, method, path, authz, body)
}

func doRequest(t *testing.T, engine *gin.Engine, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) join(t *testing.T, roomID, userID, username string) *stubConn {
	t.Helper()
	conn := &stubConn{}
	ok := f.registry.Admit(context.Background(),
		types.RoomIdType(roomID), types.UserIdType(userID), types.UsernameType(username), conn, 0)
	require.True(t, ok, "admission of %s was refused", userID)
	return conn
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// multipartBody builds a single-file multipart payload and returns it with
// its content type.
func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return &buf, w.FormDataContentType()
}

// upload posts a multipart file to a room through the engine.
func (f *fixture) upload(t *testing.T, roomID, authz, field, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, contentType := multipartBody(t, field, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/rooms/"+roomID+"/upload", body)
	req.Header.Set("Content-Type", contentType)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}
