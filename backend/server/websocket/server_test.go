package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/screencast/backend/metrics"
	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/backend/router"
	"github.com/adwski/screencast/backend/service"
	"github.com/adwski/screencast/backend/storage/memory"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	svc := service.NewService(service.Config{
		Router: router.NewRouter(router.Config{
			Logger:          &logger,
			Store:           memory.NewMemStore(),
			Observers:       []router.Observer{m},
			AutoCreateRooms: true,
		}),
		Metrics:         m,
		Logger:          &logger,
		RoomGracePeriod: time.Minute,
		RoomGCInterval:  time.Minute,
	})
	srv := NewServer(Config{
		Logger:           &logger,
		SignalingService: svc,
		Metrics:          m,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg model.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(&msg))
}

func recv(t *testing.T, conn *websocket.Conn) model.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg model.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// recvType skips router notifications that may interleave with the
// message under test.
func recvType(t *testing.T, conn *websocket.Conn, want model.MessageType) model.Message {
	t.Helper()
	for i := 0; i < 5; i++ {
		msg := recv(t, conn)
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %s message received", want)
	return model.Message{}
}

func TestServer_Scenario(t *testing.T) {
	_, url := newTestServer(t)
	pub, sub, intruder := dial(t, url), dial(t, url), dial(t, url)

	send(t, pub, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher})
	assert.Equal(t, model.MessageTypeJoined, recv(t, pub).Type)

	offer := json.RawMessage(`{"type":"offer","sdp":"O1"}`)
	send(t, pub, model.Message{Type: model.MessageTypeOffer, RoomID: "R1", SDP: offer})

	send(t, sub, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RoleSubscriber})
	assert.Equal(t, model.MessageTypeJoined, recv(t, sub).Type)
	got := recv(t, sub)
	assert.Equal(t, model.MessageTypeOffer, got.Type)
	assert.JSONEq(t, string(offer), string(got.SDP))

	answer := json.RawMessage(`{"type":"answer","sdp":"A1"}`)
	send(t, sub, model.Message{Type: model.MessageTypeAnswer, SDP: answer})
	got = recvType(t, pub, model.MessageTypeAnswer)
	assert.Equal(t, model.MessageTypeAnswer, got.Type)
	assert.JSONEq(t, string(answer), string(got.SDP))
	assert.NotEmpty(t, got.PeerID)

	send(t, intruder, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher})
	assert.Equal(t, model.Message{Type: model.MessageTypeError, Error: "publisher-occupied"}, recv(t, intruder))
}

func TestServer_MalformedMessageIsDropped(t *testing.T) {
	_, url := newTestServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))

	// connection survives and keeps working
	send(t, conn, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RoleSubscriber})
	assert.Equal(t, model.MessageTypeJoined, recv(t, conn).Type)
}

func TestServer_DisconnectLeavesRoom(t *testing.T) {
	_, url := newTestServer(t)
	pub, sub := dial(t, url), dial(t, url)

	send(t, pub, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher})
	require.Equal(t, model.MessageTypeJoined, recv(t, pub).Type)
	send(t, sub, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RoleSubscriber})
	require.Equal(t, model.MessageTypeJoined, recv(t, sub).Type)
	require.Equal(t, model.MessageTypePeerJoined, recv(t, pub).Type)

	require.NoError(t, pub.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, model.MessageTypePeerLeft, recv(t, sub).Type)

	// the slot is free again
	next := dial(t, url)
	send(t, next, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher})
	assert.Equal(t, model.MessageTypeJoined, recv(t, next).Type)
}

func TestSession_DeliverNeverBlocks(t *testing.T) {
	var canceled bool
	sess := newSession("c", 1, func() { canceled = true })

	assert.True(t, sess.Deliver(model.Message{Type: model.MessageTypeJoined}))
	assert.False(t, sess.Deliver(model.Message{Type: model.MessageTypeOffer}))
	assert.True(t, canceled)
	assert.True(t, sess.Closed())
	assert.False(t, sess.Deliver(model.Message{Type: model.MessageTypeOffer}))
}
