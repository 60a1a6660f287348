package signaling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer upgrades every request and exposes the server side socket.
type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) model.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg model.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func newTestChannel() *Channel {
	logger := zerolog.Nop()
	return NewChannel(Config{Logger: &logger})
}

func TestChannel_SendAndReceive(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel()
	defer func() { _ = ch.Close() }()

	got := make(chan model.Message, 4)
	ch.OnMessage(model.MessageTypeJoined, func(msg model.Message) { got <- msg })

	require.NoError(t, ch.Connect(context.Background(), ts.url()))
	assert.Equal(t, StateOpen, ch.State())
	srv := ts.accept(t)

	require.NoError(t, ch.Send(model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher}))
	assert.Equal(t, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher}, readMsg(t, srv))

	require.NoError(t, srv.WriteJSON(&model.Message{Type: model.MessageTypeJoined}))
	select {
	case msg := <-got:
		assert.Equal(t, model.MessageTypeJoined, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestChannel_LastHandlerWins(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel()
	defer func() { _ = ch.Close() }()

	var (
		mx    sync.Mutex
		calls []string
	)
	record := func(name string) Handler {
		return func(model.Message) {
			mx.Lock()
			calls = append(calls, name)
			mx.Unlock()
		}
	}
	ch.OnMessage(model.MessageTypeOffer, record("first"))
	ch.OnMessage(model.MessageTypeOffer, record("second"))

	require.NoError(t, ch.Connect(context.Background(), ts.url()))
	srv := ts.accept(t)
	require.NoError(t, srv.WriteJSON(&model.Message{Type: model.MessageTypeOffer, SDP: []byte(`{"type":"offer","sdp":"v=0"}`)}))

	assert.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return len(calls) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mx.Lock()
	assert.Equal(t, []string{"second"}, calls)
	mx.Unlock()
}

func TestChannel_MalformedMessagesAreDropped(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel()
	defer func() { _ = ch.Close() }()

	got := make(chan model.Message, 4)
	ch.OnMessage(model.MessageTypeError, func(msg model.Message) { got <- msg })
	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })

	require.NoError(t, ch.Connect(context.Background(), ts.url()))
	srv := ts.accept(t)
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`{"type":"surprise"}`)))
	require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer"}`)))
	require.NoError(t, srv.WriteJSON(&model.Message{Type: model.MessageTypeError, Error: "publisher-occupied"}))

	select {
	case msg := <-got:
		assert.Equal(t, "publisher-occupied", msg.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after malformed ones was not delivered")
	}
	assert.Equal(t, StateOpen, ch.State())
	assert.Empty(t, closed)
}

func TestChannel_SendBeforeConnect(t *testing.T) {
	ch := newTestChannel()
	err := ch.Send(model.Message{Type: model.MessageTypeJoin})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestChannel_BuffersWhileConnecting(t *testing.T) {
	ts := newTestServer(t)
	release := make(chan struct{})
	logger := zerolog.Nop()
	ch := NewChannel(Config{
		Logger: &logger,
		Dialer: &websocket.Dialer{
			NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				<-release
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	})
	defer func() { _ = ch.Close() }()

	errc := make(chan error, 1)
	go func() { errc <- ch.Connect(context.Background(), ts.url()) }()
	require.Eventually(t, func() bool { return ch.State() == StateConnecting }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Send(model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RoleSubscriber}))
	require.NoError(t, ch.Send(model.Message{Type: model.MessageTypeLeave}))
	close(release)
	require.NoError(t, <-errc)

	srv := ts.accept(t)
	assert.Equal(t, model.MessageTypeJoin, readMsg(t, srv).Type)
	assert.Equal(t, model.MessageTypeLeave, readMsg(t, srv).Type)
}

func TestChannel_ConnectFailure(t *testing.T) {
	ch := newTestChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := ch.Connect(ctx, "ws://127.0.0.1:1/ws")
	require.ErrorIs(t, err, model.ErrSignalingUnreachable)
	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorIs(t, ch.Send(model.Message{Type: model.MessageTypeJoin}), ErrNotOpen)
	assert.NoError(t, ch.Close())
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	ch := newTestChannel()
	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorIs(t, ch.Connect(context.Background(), "ws://127.0.0.1:1"), model.ErrSignalingUnreachable)

	ts := newTestServer(t)
	ch = newTestChannel()
	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })
	require.NoError(t, ch.Connect(context.Background(), ts.url()))
	srv := ts.accept(t)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	// server sees a normal close and the callback is not fired
	require.NoError(t, srv.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := srv.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.ErrorIs(t, ch.Send(model.Message{Type: model.MessageTypeLeave}), ErrNotOpen)
	select {
	case <-closed:
		t.Fatal("close callback fired on explicit close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannel_UnexpectedDisconnect(t *testing.T) {
	ts := newTestServer(t)
	ch := newTestChannel()
	defer func() { _ = ch.Close() }()

	closed := make(chan error, 1)
	ch.OnClose(func(err error) { closed <- err })
	require.NoError(t, ch.Connect(context.Background(), ts.url()))
	srv := ts.accept(t)
	require.NoError(t, srv.Close())

	select {
	case err := <-closed:
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotOpen))
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not fired")
	}
	assert.Equal(t, StateClosed, ch.State())
}
