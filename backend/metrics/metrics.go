package metrics

import (
	"github.com/adwski/screencast/backend/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "screencast"

// Metrics holds the signaling server collectors. It also observes router
// membership events to keep room and participant gauges current.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Messages          *prometheus.CounterVec
	RelaysDropped     *prometheus.CounterVec
	JoinsRejected     *prometheus.CounterVec
	Rooms             prometheus.Gauge
	Participants      *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_connections",
			Help:      "Number of active signaling connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_connections_total",
			Help:      "Total number of signaling connections",
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Total signaling messages",
		}, []string{"type", "direction"}), // direction: "in" | "out"
		RelaysDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_dropped_total",
			Help:      "Relayed messages that reached nobody",
		}, []string{"type"}),
		JoinsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_rejected_total",
			Help:      "Rejected join requests",
		}, []string{"reason"}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms",
		}),
		Participants: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Number of room participants",
		}, []string{"role"}), // "publisher" | "subscriber"
	}
}

func (m *Metrics) RoomEvent(ev model.RoomEvent) {
	switch ev.Type {
	case model.RoomEventCreated:
		m.Rooms.Inc()
	case model.RoomEventDeleted:
		m.Rooms.Dec()
	case model.RoomEventPublisherJoined:
		m.Participants.WithLabelValues(string(model.RolePublisher)).Inc()
	case model.RoomEventPublisherLeft:
		m.Participants.WithLabelValues(string(model.RolePublisher)).Dec()
	case model.RoomEventSubscriberJoined:
		m.Participants.WithLabelValues(string(model.RoleSubscriber)).Inc()
	case model.RoomEventSubscriberLeft:
		m.Participants.WithLabelValues(string(model.RoleSubscriber)).Dec()
	}
}

func (m *Metrics) MessageIn(typ model.MessageType) {
	m.Messages.WithLabelValues(string(typ), "in").Inc()
}

func (m *Metrics) MessageOut(typ model.MessageType) {
	m.Messages.WithLabelValues(string(typ), "out").Inc()
}

func (m *Metrics) RelayDropped(typ model.MessageType) {
	m.RelaysDropped.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) JoinRejected(reason string) {
	m.JoinsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Connected() {
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

func (m *Metrics) Disconnected() {
	m.ActiveConnections.Dec()
}
