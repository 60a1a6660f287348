package rooms

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/adwski/screencast/backend/events"
	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/backend/router"
	apiserver "github.com/adwski/screencast/backend/server/http"
	"github.com/adwski/screencast/backend/service"
	"github.com/adwski/screencast/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger := zerolog.Nop()
	broker := events.NewBroker(events.Config{Logger: &logger})
	svc := service.NewService(service.Config{
		Router: router.NewRouter(router.Config{
			Logger:          &logger,
			Store:           memory.NewMemStore(),
			Observers:       []router.Observer{broker},
			AutoCreateRooms: true,
		}),
		Logger:          &logger,
		RoomGracePeriod: time.Minute,
		RoomGCInterval:  time.Minute,
	})
	srv := apiserver.NewServer(apiserver.Config{
		Logger:      &logger,
		RoomService: svc,
		RoomEvents:  broker,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		broker.Close()
		ts.Close()
	})
	return NewClient(Config{Logger: &logger, BaseURL: ts.URL + "/"})
}

func TestClient_CreateListGet(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	rooms, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)

	created, err := c.Create(ctx, "standup")
	require.NoError(t, err)
	assert.NotEmpty(t, created.RoomID)
	assert.Equal(t, "standup", created.Name)

	unnamed, err := c.Create(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Unnamed Room", unnamed.Name)

	rooms, err = c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	room, err := c.Get(ctx, created.RoomID)
	require.NoError(t, err)
	assert.Equal(t, model.RoomSummary{ID: created.RoomID, Name: "standup"}, room)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrRoomNotFound)
}

func TestClient_Unreachable(t *testing.T) {
	logger := zerolog.Nop()
	ts := httptest.NewServer(nil)
	ts.Close()

	_, err := NewClient(Config{Logger: &logger, BaseURL: ts.URL}).List(context.Background())
	assert.Error(t, err)
}

func TestClient_Watch(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mx  sync.Mutex
		got []model.RoomEvent
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(ev model.RoomEvent) {
			mx.Lock()
			got = append(got, ev)
			mx.Unlock()
		})
	}()

	// the stream subscribes asynchronously, so keep creating rooms until
	// one is seen
	require.Eventually(t, func() bool {
		if _, err := c.Create(ctx, "watched"); err != nil {
			return false
		}
		mx.Lock()
		defer mx.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	mx.Lock()
	assert.Equal(t, model.RoomEventCreated, got[0].Type)
	assert.NotEmpty(t, got[0].RoomID)
	mx.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
