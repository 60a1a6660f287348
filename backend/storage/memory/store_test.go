package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_CreateRoom(t *testing.T) {
	ms := NewMemStore()

	room, err := ms.CreateRoom("  Demo  ")
	require.NoError(t, err)
	assert.NotEmpty(t, room.ID)
	assert.Equal(t, "Demo", room.Name)

	unnamed, err := ms.CreateRoom("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRoomName, unnamed.Name)
	assert.NotEqual(t, room.ID, unnamed.ID)

	got, err := ms.GetRoom(room.ID)
	require.NoError(t, err)
	assert.Equal(t, room, got)
}

func TestMemStore_EnsureRoom(t *testing.T) {
	ms := NewMemStore()

	room, created, err := ms.EnsureRoom("R1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "R1", room.ID)
	assert.Equal(t, DefaultRoomName, room.Name)

	again, created, err := ms.EnsureRoom("R1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, room, again)

	_, _, err = ms.EnsureRoom("")
	assert.ErrorIs(t, err, ErrEmptyRoomID)
}

func TestMemStore_ListAndDelete(t *testing.T) {
	ms := NewMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	ms.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, _, err := ms.EnsureRoom("b")
	require.NoError(t, err)
	_, _, err = ms.EnsureRoom("a")
	require.NoError(t, err)

	rooms := ms.ListRooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "b", rooms[0].ID)
	assert.Equal(t, "a", rooms[1].ID)

	require.NoError(t, ms.DeleteRoom("b"))
	assert.ErrorIs(t, ms.DeleteRoom("b"), ErrRoomNotFound)
	_, err = ms.GetRoom("b")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Len(t, ms.ListRooms(), 1)
}
