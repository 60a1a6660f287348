package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/adwski/screencast/backend/metrics"
	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/backend/router"
	"github.com/adwski/screencast/backend/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEndpoint struct {
	mx   sync.Mutex
	msgs []model.Message
}

func (te *testEndpoint) Deliver(msg model.Message) bool {
	te.mx.Lock()
	defer te.mx.Unlock()
	te.msgs = append(te.msgs, msg)
	return true
}

func (te *testEndpoint) Closed() bool { return false }

func (te *testEndpoint) last() model.Message {
	te.mx.Lock()
	defer te.mx.Unlock()
	if len(te.msgs) == 0 {
		return model.Message{}
	}
	return te.msgs[len(te.msgs)-1]
}

func (te *testEndpoint) count() int {
	te.mx.Lock()
	defer te.mx.Unlock()
	return len(te.msgs)
}

func newTestService(t *testing.T, autoCreate bool) *Service {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	r := router.NewRouter(router.Config{
		Logger:          &logger,
		Store:           memory.NewMemStore(),
		Observers:       []router.Observer{m},
		AutoCreateRooms: autoCreate,
	})
	return NewService(Config{
		Router:          r,
		Metrics:         m,
		Logger:          &logger,
		RoomGracePeriod: 0,
		RoomGCInterval:  10 * time.Millisecond,
	})
}

var testSDP = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

func TestService_SignalingFlow(t *testing.T) {
	svc := newTestService(t, true)
	pub, sub, intruder := &testEndpoint{}, &testEndpoint{}, &testEndpoint{}

	svc.OpenSession("pub")
	svc.HandleMessage("pub", pub, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher})
	assert.Equal(t, model.MessageTypeJoined, pub.last().Type)

	svc.HandleMessage("sub", sub, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RoleSubscriber})
	assert.Equal(t, model.MessageTypePeerJoined, pub.last().Type)

	svc.HandleMessage("pub", pub, model.Message{Type: model.MessageTypeOffer, RoomID: "R1", SDP: testSDP})
	assert.Equal(t, model.MessageTypeOffer, sub.last().Type)

	svc.HandleMessage("intruder", intruder, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher})
	assert.Equal(t, model.Message{Type: model.MessageTypeError, Error: "publisher-occupied"}, intruder.last())

	// out-of-role message is answered with an error and not relayed
	n := pub.count()
	svc.HandleMessage("pub", pub, model.Message{Type: model.MessageTypeAnswer, SDP: testSDP})
	assert.Equal(t, "protocol-violation", pub.last().Error)
	assert.Equal(t, n+1, pub.count())

	// clients may not send router-only messages
	svc.HandleMessage("sub", sub, model.Message{Type: model.MessageTypePeerLeft, PeerID: "x"})
	assert.Equal(t, "protocol-violation", sub.last().Error)

	svc.CloseSession("sub")
	assert.Equal(t, model.MessageTypePeerLeft, pub.last().Type)
	assert.Equal(t, model.RoomSummary{ID: "R1", Name: memory.DefaultRoomName, HasPublisher: true}, svc.ListRooms()[0])

	svc.HandleMessage("pub", pub, model.Message{Type: model.MessageTypeLeave})
	summary, err := svc.GetRoom("R1")
	require.NoError(t, err)
	assert.False(t, summary.HasPublisher)

	// leaving twice is harmless
	svc.HandleMessage("pub", pub, model.Message{Type: model.MessageTypeLeave})
	svc.CloseSession("pub")
}

func TestService_RelayToNobodyIsNotAnError(t *testing.T) {
	svc := newTestService(t, true)
	pub := &testEndpoint{}
	svc.HandleMessage("pub", pub, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher})
	svc.HandleMessage("pub", pub, model.Message{Type: model.MessageTypeOffer, SDP: testSDP})
	assert.Equal(t, model.MessageTypeJoined, pub.last().Type)
}

func TestService_Rooms(t *testing.T) {
	svc := newTestService(t, false)
	sub := &testEndpoint{}

	svc.HandleMessage("sub", sub, model.Message{Type: model.MessageTypeJoin, RoomID: "nope", Role: model.RoleSubscriber})
	assert.Equal(t, "room-not-found", sub.last().Error)

	room, err := svc.CreateRoom("")
	require.NoError(t, err)
	assert.Equal(t, memory.DefaultRoomName, room.Name)

	_, err = svc.GetRoom("nope")
	assert.ErrorIs(t, err, ErrGetRoom)
	assert.ErrorIs(t, err, model.ErrRoomNotFound)

	svc.HandleMessage("sub", sub, model.Message{Type: model.MessageTypeJoin, RoomID: room.ID, Role: model.RoleSubscriber})
	assert.Equal(t, model.MessageTypeJoined, sub.last().Type)
}

func TestService_RoomGC(t *testing.T) {
	svc := newTestService(t, true)
	_, err := svc.CreateRoom("temp")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go svc.RunRoomGC(ctx, wg)

	assert.Eventually(t, func() bool {
		return len(svc.ListRooms()) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestService_WithoutMetrics(t *testing.T) {
	logger := zerolog.Nop()
	svc := NewService(Config{
		Router: router.NewRouter(router.Config{
			Logger:          &logger,
			Store:           memory.NewMemStore(),
			AutoCreateRooms: true,
		}),
		Logger: &logger,
	})

	ep := &testEndpoint{}
	svc.OpenSession("c1")
	svc.HandleMessage("c1", ep, model.Message{Type: model.MessageTypeJoin, RoomID: "R1", Role: model.RolePublisher})
	assert.Equal(t, model.MessageTypeJoined, ep.last().Type)
	svc.CloseSession("c1")
}
