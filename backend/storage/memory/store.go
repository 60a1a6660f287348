package memory

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/google/uuid"
)

const (
	DefaultRoomName = "Unnamed Room"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
	ErrEmptyRoomID  = errors.New("empty room id")
)

// MemStore is the room catalog. It knows nothing about who is in a room.
type MemStore struct {
	mx  *sync.Mutex
	db  map[string]*model.Room
	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:  &sync.Mutex{},
		db:  make(map[string]*model.Room),
		now: time.Now,
	}
}

// CreateRoom registers a room under a fresh id.
func (ms *MemStore) CreateRoom(name string) (model.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultRoomName
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return model.Room{}, err
	}

	ms.mx.Lock()
	defer ms.mx.Unlock()

	room := &model.Room{
		ID:        id.String(),
		Name:      name,
		CreatedAt: ms.now(),
	}
	ms.db[room.ID] = room
	return *room, nil
}

// EnsureRoom returns the room with roomID, registering it under the default
// name if it does not exist yet. The bool reports whether it was created.
func (ms *MemStore) EnsureRoom(roomID string) (model.Room, bool, error) {
	if roomID == "" {
		return model.Room{}, false, ErrEmptyRoomID
	}

	ms.mx.Lock()
	defer ms.mx.Unlock()

	if room, ok := ms.db[roomID]; ok {
		return *room, false, nil
	}
	room := &model.Room{
		ID:        roomID,
		Name:      DefaultRoomName,
		CreatedAt: ms.now(),
	}
	ms.db[roomID] = room
	return *room, true, nil
}

func (ms *MemStore) GetRoom(roomID string) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return model.Room{}, ErrRoomNotFound
	}
	return *room, nil
}

// ListRooms returns all rooms ordered by creation time.
func (ms *MemStore) ListRooms() []model.Room {
	ms.mx.Lock()
	rooms := make([]model.Room, 0, len(ms.db))
	for _, room := range ms.db {
		rooms = append(rooms, *room)
	}
	ms.mx.Unlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

func (ms *MemStore) DeleteRoom(roomID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.db[roomID]; !ok {
		return ErrRoomNotFound
	}
	delete(ms.db, roomID)
	return nil
}
