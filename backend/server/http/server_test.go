package http

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/screencast/backend/events"
	"github.com/adwski/screencast/backend/metrics"
	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/backend/router"
	"github.com/adwski/screencast/backend/service"
	"github.com/adwski/screencast/backend/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEndpoint struct{}

func (testEndpoint) Deliver(model.Message) bool { return true }
func (testEndpoint) Closed() bool               { return false }

type testEnv struct {
	url    string
	router *router.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	broker := events.NewBroker(events.Config{Logger: &logger})
	r := router.NewRouter(router.Config{
		Logger:          &logger,
		Store:           memory.NewMemStore(),
		Observers:       []router.Observer{m, broker},
		AutoCreateRooms: true,
	})
	svc := service.NewService(service.Config{
		Router:          r,
		Metrics:         m,
		Logger:          &logger,
		RoomGracePeriod: time.Minute,
		RoomGCInterval:  time.Minute,
	})
	srv := NewServer(Config{
		Logger:         &logger,
		RoomService:    svc,
		RoomEvents:     broker,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		broker.Close()
		ts.Close()
	})
	return &testEnv{url: ts.URL, router: r}
}

func TestServer_CreateAndListRooms(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/rooms", "/api/rooms/create"} {
		resp, err := http.Post(env.url+path, "application/json", strings.NewReader(`{"name":"Demo"}`))
		require.NoError(t, err)
		var created CreateRoomResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotEmpty(t, created.RoomID)
		assert.Equal(t, "Demo", created.Name)
	}

	resp, err := http.Post(env.url+"/api/rooms", "application/json", nil)
	require.NoError(t, err)
	var created CreateRoomResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	assert.Equal(t, memory.DefaultRoomName, created.Name)

	require.NoError(t, env.router.Join("c1", created.RoomID, model.RolePublisher, testEndpoint{}))

	resp, err = http.Get(env.url + "/api/rooms")
	require.NoError(t, err)
	var rooms []model.RoomSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	_ = resp.Body.Close()
	require.Len(t, rooms, 3)

	var found bool
	for _, room := range rooms {
		if room.ID == created.RoomID {
			found = true
			assert.True(t, room.HasPublisher)
		}
	}
	assert.True(t, found)

	resp, err = http.Get(env.url + "/api/rooms/" + created.RoomID)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.url + "/api/rooms/nope")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BadRequest(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.url+"/api/rooms", "application/json", strings.NewReader(`{"name":`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, env.router.Join("c1", "R1", model.RoleSubscriber, testEndpoint{}))
	resp, err = http.Get(env.url + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body strings.Builder
	_, err = bufio.NewReader(resp.Body).WriteTo(&body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `screencast_participants{role="subscriber"} 1`)
}

func TestServer_RoomEvents(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/api/rooms/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	require.Equal(t, ": connected", <-lines)

	require.NoError(t, env.router.Join("c1", "R1", model.RolePublisher, testEndpoint{}))

	var got []model.RoomEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case line, ok := <-lines:
			require.True(t, ok)
			if data, found := strings.CutPrefix(line, "data: "); found {
				var ev model.RoomEvent
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
				got = append(got, ev)
			}
		case <-timeout:
			t.Fatal("no room events received")
		}
	}
	assert.Equal(t, model.RoomEventCreated, got[0].Type)
	assert.Equal(t, model.RoomEventPublisherJoined, got[1].Type)
	assert.True(t, got[1].HasPublisher)
	assert.Equal(t, "R1", got[1].RoomID)
}
