package events

import (
	"sync"

	"github.com/adwski/screencast/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultSubscriberBuffer = 64
)

type (
	Config struct {
		Logger *zerolog.Logger
		// SubscriberBuffer is how many events a subscriber may lag behind
		// before it is dropped.
		SubscriberBuffer int
	}

	// Broker fans room events out to stream subscribers. Publishing never
	// blocks: a subscriber whose buffer is full is disconnected.
	Broker struct {
		logger  zerolog.Logger
		mx      *sync.Mutex
		subs    map[uint64]chan model.RoomEvent
		nextID  uint64
		bufSize int
		closed  bool
	}
)

func NewBroker(cfg Config) *Broker {
	bufSize := cfg.SubscriberBuffer
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	return &Broker{
		logger:  cfg.Logger.With().Str("component", "events").Logger(),
		mx:      &sync.Mutex{},
		subs:    make(map[uint64]chan model.RoomEvent),
		bufSize: bufSize,
	}
}

// RoomEvent publishes ev to all subscribers.
func (b *Broker) RoomEvent(ev model.RoomEvent) {
	b.mx.Lock()
	defer b.mx.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn().Uint64("subscriber", id).Msg("subscriber is too slow, dropping")
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Subscribe returns a channel of future events and a func that cancels the
// subscription. The channel is closed on cancel, on Close, or when the
// subscriber falls behind.
func (b *Broker) Subscribe() (<-chan model.RoomEvent, func()) {
	b.mx.Lock()
	defer b.mx.Unlock()

	ch := make(chan model.RoomEvent, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mx.Lock()
			defer b.mx.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close disconnects all subscribers.
func (b *Broker) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
