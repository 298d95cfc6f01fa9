package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allov/coedit/internal/app"
	"github.com/allov/coedit/internal/config"
	"github.com/allov/coedit/internal/core"
	"github.com/allov/coedit/internal/domain"
	"github.com/allov/coedit/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (f *fakeConn) TrySend(frame core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) typed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, frame := range f.frames {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frame, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func gotType(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "coedit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{ProjectTimeout: time.Second, DemoRoomTTL: time.Minute}
	registry := app.NewClientRegistry()
	rooms := app.NewRoomManager(st, cfg.DemoRoomTTL)
	return NewHandlers(registry, rooms, st, cfg)
}

func seatClient(t *testing.T, h *Handlers, username string, room *core.Room, role domain.RoleName) (*core.Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	client := core.NewClient(conn)
	_, err := client.Authenticate(username)
	require.NoError(t, err)
	require.NoError(t, h.Registry.Register(client))
	require.NoError(t, h.Rooms.Join(client, room, role))
	return client, conn
}

func postJSON(t *testing.T, handler gin.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	b, err := json.Marshal(body)
	require.NoError(t, err)
	c.Request = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(b))
	c.Request.Header.Set("Content-Type", "application/json")
	handler(c)
	return w
}

func TestMoveToRoleNotifiesDisplacedOccupant(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(t)
	room, err := h.Rooms.Create("alice", "proj1", "r1", "r2")
	require.NoError(t, err)
	mover, _ := seatClient(t, h, "alice", room, "r1")
	victim, victimConn := seatClient(t, h, "bob", room, "r2")

	w := postJSON(t, h.MoveToRole, gin.H{"clientId": string(mover.ID), "role": "r2"})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, domain.RoleName("r2"), mover.Role())
	assert.False(t, victim.Seated())
	// The displaced occupant hears about the lost seat directly; the
	// room-roles broadcast no longer reaches them.
	assert.True(t, gotType(victimConn.typed(), "evicted"))
}

func TestMoveToRoleVacantDestination(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(t)
	room, err := h.Rooms.Create("alice", "proj1", "r1", "r2")
	require.NoError(t, err)
	mover, moverConn := seatClient(t, h, "alice", room, "r1")

	w := postJSON(t, h.MoveToRole, gin.H{"clientId": string(mover.ID), "role": "r2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.RoleName("r2"), mover.Role())
	assert.False(t, gotType(moverConn.typed(), "evicted"))
}
