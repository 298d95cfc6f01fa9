package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allov/coedit/internal/core"
	"github.com/allov/coedit/internal/domain"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "coedit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func storedRoom(owner string, name domain.RoomName) domain.StoredRoom {
	return domain.StoredRoom{
		Owner: owner,
		Name:  name,
		Roles: []domain.RoleName{"r1", "r2"},
		Documents: map[domain.RoleName]domain.ProjectSnapshot{
			"r1": {Content: json.RawMessage(`{"blocks":[]}`), SavedAt: time.Now()},
		},
		SavedAt: time.Now(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, storedRoom("alice", "proj1")))

	got, err := s.Load(ctx, "alice", "proj1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, domain.RoomName("proj1"), got.Name)
	assert.Equal(t, []domain.RoleName{"r1", "r2"}, got.Roles)
	assert.JSONEq(t, `{"blocks":[]}`, string(got.Documents["r1"].Content))
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.Load(context.Background(), "alice", "ghost")
	assert.ErrorIs(t, err, core.ErrRoomNotFound)
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, storedRoom("alice", "proj1")))

	updated := storedRoom("alice", "proj1")
	updated.Roles = []domain.RoleName{"solo"}
	require.NoError(t, s.Save(ctx, updated))

	got, err := s.Load(ctx, "alice", "proj1")
	require.NoError(t, err)
	assert.Equal(t, []domain.RoleName{"solo"}, got.Roles)
}

func TestListByOwnerPrefix(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, storedRoom("alice", "proj1")))
	require.NoError(t, s.Save(ctx, storedRoom("alice", "proj2")))
	require.NoError(t, s.Save(ctx, storedRoom("alicia", "proj3")))
	require.NoError(t, s.Save(ctx, storedRoom("bob", "proj4")))

	got, err := s.List(ctx, "alice")
	require.NoError(t, err)
	names := []domain.RoomName{}
	for _, r := range got {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []domain.RoomName{"proj1", "proj2"}, names)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, storedRoom("alice", "proj1")))
	require.NoError(t, s.Delete(ctx, "alice", "proj1"))

	_, err := s.Load(ctx, "alice", "proj1")
	assert.ErrorIs(t, err, core.ErrRoomNotFound)

	// Deleting again is fine.
	require.NoError(t, s.Delete(ctx, "alice", "proj1"))
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.Save(ctx, storedRoom("alice", "proj1")))
	_, err := s.Load(ctx, "alice", "proj1")
	assert.Error(t, err)
}
