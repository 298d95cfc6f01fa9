package signal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

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

func (f *fakeConn) last(t *testing.T, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.frames)
	require.NoError(t, json.Unmarshal(f.frames[len(f.frames)-1], v))
}

func hasType(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "coedit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Mode:           "release",
		ReadLimit:      1 << 20,
		PingPeriod:     54 * time.Second,
		WriteTimeout:   5 * time.Second,
		ProjectTimeout: time.Second,
		DemoRoomTTL:    time.Minute,
	}
	registry := app.NewClientRegistry()
	rooms := app.NewRoomManager(st, cfg.DemoRoomTTL)
	return NewController(registry, rooms, cfg)
}

func connect(t *testing.T, ctl *Controller, username string) (*core.Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	client := core.NewClient(conn)
	require.NoError(t, ctl.Registry.Register(client))
	if username != "" {
		ctl.dispatch(context.Background(), client, []byte(`{"type":"login","username":"`+username+`"}`))
	}
	return client, conn
}

func TestDispatchPing(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	client, conn := connect(t, ctl, "")
	ctl.dispatch(context.Background(), client, []byte(`{"type":"ping"}`))
	assert.Equal(t, []string{"pong"}, conn.typed())
}

func TestDispatchUnknownType(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	client, conn := connect(t, ctl, "")
	ctl.dispatch(context.Background(), client, []byte(`{"type":"teleport"}`))
	ctl.dispatch(context.Background(), client, []byte(`not json`))
	assert.Empty(t, conn.typed())
}

func TestLoginAuthenticates(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	client, _ := connect(t, ctl, "alice")
	assert.Equal(t, "alice", client.Username())
	assert.Len(t, ctl.Registry.FindByUsername("alice"), 1)
}

func TestCreateAndJoinFlow(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	ctx := context.Background()

	owner, ownerConn := connect(t, ctl, "alice")
	ctl.dispatch(ctx, owner, []byte(`{"type":"create-room","room":"proj1","role":"r1"}`))
	require.True(t, owner.Seated())
	assert.Equal(t, domain.RoleName("r1"), owner.Role())
	assert.True(t, hasType(ownerConn.typed(), "room-roles"))

	ctl.dispatch(ctx, owner, []byte(`{"type":"add-role","name":"r2"}`))

	guest, guestConn := connect(t, ctl, "bob")
	ctl.dispatch(ctx, guest, []byte(`{"type":"join-room","owner":"alice","room":"proj1","role":"r2"}`))
	require.True(t, guest.Seated())
	assert.Same(t, owner.Room(), guest.Room())
	assert.True(t, hasType(guestConn.typed(), "room-roles"))
}

func TestJoinOccupiedRoleExplicitRejection(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	ctx := context.Background()

	owner, _ := connect(t, ctl, "alice")
	ctl.dispatch(ctx, owner, []byte(`{"type":"create-room","room":"proj1","role":"r1"}`))

	guest, guestConn := connect(t, ctl, "bob")
	ctl.dispatch(ctx, guest, []byte(`{"type":"join-room","owner":"alice","room":"proj1","role":"r1"}`))

	assert.False(t, guest.Seated())
	var msg struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	guestConn.last(t, &msg)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "occupied")
}

func TestRenameRoomOwnerOnly(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	ctx := context.Background()

	owner, _ := connect(t, ctl, "alice")
	ctl.dispatch(ctx, owner, []byte(`{"type":"create-room","room":"proj1","role":"r1"}`))
	ctl.dispatch(ctx, owner, []byte(`{"type":"add-role","name":"r2"}`))

	guest, guestConn := connect(t, ctl, "bob")
	ctl.dispatch(ctx, guest, []byte(`{"type":"join-room","owner":"alice","room":"proj1","role":"r2"}`))
	require.True(t, guest.Seated())

	ctl.dispatch(ctx, guest, []byte(`{"type":"rename-room","name":"stolen"}`))
	assert.True(t, hasType(guestConn.typed(), "error"))
	assert.Equal(t, domain.RoomID("alice/proj1"), owner.Room().ID())

	ctl.dispatch(ctx, owner, []byte(`{"type":"rename-room","name":"proj2"}`))
	assert.Equal(t, domain.RoomID("alice/proj2"), owner.Room().ID())
	_, active := ctl.Rooms.Active("alice/proj2")
	assert.True(t, active)
}

func TestRenameOwnRole(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	ctx := context.Background()

	owner, _ := connect(t, ctl, "alice")
	ctl.dispatch(ctx, owner, []byte(`{"type":"create-room","room":"proj1","role":"r1"}`))
	ctl.dispatch(ctx, owner, []byte(`{"type":"rename-role","roleId":"r1","name":"lead"}`))
	assert.Equal(t, domain.RoleName("lead"), owner.Role())
}

func TestRemoveRoleOwnerOnly(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	ctx := context.Background()

	owner, _ := connect(t, ctl, "alice")
	ctl.dispatch(ctx, owner, []byte(`{"type":"create-room","room":"proj1","role":"r1"}`))
	ctl.dispatch(ctx, owner, []byte(`{"type":"add-role","name":"r2"}`))

	guest, guestConn := connect(t, ctl, "bob")
	ctl.dispatch(ctx, guest, []byte(`{"type":"join-room","owner":"alice","room":"proj1","role":"r2"}`))

	ctl.dispatch(ctx, guest, []byte(`{"type":"remove-role","name":"r2"}`))
	assert.True(t, hasType(guestConn.typed(), "error"))

	ctl.dispatch(ctx, owner, []byte(`{"type":"remove-role","name":"r2"}`))
	assert.False(t, guest.Seated())
	assert.Equal(t, []domain.RoleName{"r1"}, owner.Room().Roles())
}

func TestRequestRoomState(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	ctx := context.Background()

	loner, lonerConn := connect(t, ctl, "bob")
	ctl.dispatch(ctx, loner, []byte(`{"type":"request-room-state"}`))
	assert.True(t, hasType(lonerConn.typed(), "error"))

	owner, ownerConn := connect(t, ctl, "alice")
	ctl.dispatch(ctx, owner, []byte(`{"type":"create-room","room":"proj1","role":"r1"}`))
	ctl.dispatch(ctx, owner, []byte(`{"type":"request-room-state"}`))

	var msg struct {
		Type      string `json:"type"`
		Owner     string `json:"owner"`
		Occupants []struct {
			Name     string `json:"name"`
			Username string `json:"username"`
		} `json:"occupants"`
	}
	ownerConn.last(t, &msg)
	assert.Equal(t, "room-roles", msg.Type)
	assert.Equal(t, "alice", msg.Owner)
	require.Len(t, msg.Occupants, 1)
	assert.Equal(t, "alice", msg.Occupants[0].Username)
}

func TestProjectResponseCompletesRoundTrip(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	client, conn := connect(t, ctl, "alice")

	type result struct {
		snap domain.ProjectSnapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := client.RequestProject(ctx)
		done <- result{snap, err}
	}()

	var req struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	require.Eventually(t, func() bool { return hasType(conn.typed(), "project-request") }, time.Second, 5*time.Millisecond)
	conn.last(t, &req)
	require.Equal(t, "project-request", req.Type)

	ctl.dispatch(context.Background(), client,
		[]byte(`{"type":"project-response","id":"`+req.ID+`","project":{"blocks":[7]}}`))

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"blocks":[7]}`, string(res.snap.Content))
}

func TestMessageRelayExcludesSender(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	ctx := context.Background()

	owner, ownerConn := connect(t, ctl, "alice")
	ctl.dispatch(ctx, owner, []byte(`{"type":"create-room","room":"proj1","role":"r1"}`))
	ctl.dispatch(ctx, owner, []byte(`{"type":"add-role","name":"r2"}`))

	guest, guestConn := connect(t, ctl, "bob")
	ctl.dispatch(ctx, guest, []byte(`{"type":"join-room","owner":"alice","room":"proj1","role":"r2"}`))

	before := len(ownerConn.typed())
	ctl.dispatch(ctx, guest, []byte(`{"type":"message","body":{"x":1}}`))

	types := ownerConn.typed()
	require.Greater(t, len(types), before)
	assert.Equal(t, "message", types[len(types)-1])
	assert.NotEqual(t, "message", guestConn.typed()[len(guestConn.typed())-1])
}

func TestLeaveRoomMessage(t *testing.T) {
	t.Parallel()

	ctl := newTestController(t)
	ctx := context.Background()

	owner, ownerConn := connect(t, ctl, "alice")
	ctl.dispatch(ctx, owner, []byte(`{"type":"create-room","room":"proj1","role":"r1"}`))
	ctl.dispatch(ctx, owner, []byte(`{"type":"leave-room"}`))

	assert.False(t, owner.Seated())
	assert.True(t, hasType(ownerConn.typed(), "left"))
	_, active := ctl.Rooms.Active("alice/proj1")
	assert.False(t, active)
}
