package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 15 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultSendQueue    = 64
	defaultInboundQueue = 64
	defaultDialTimeout  = 10 * time.Second
)

var (
	ErrNotOpen          = errors.New("signaling channel is not open")
	ErrAlreadyConnected = errors.New("signaling channel was already connected")
	ErrSendQueueFull    = errors.New("signaling send queue is full")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handler handles one inbound message. Handlers run one at a time on the
// channel's dispatch goroutine.
type Handler func(msg model.Message)

type Config struct {
	Logger *zerolog.Logger
	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer    *websocket.Dialer
	SendQueue int
}

// Channel is a client side signaling connection. Messages sent while the
// connection is being established are buffered and flushed once it opens.
type Channel struct {
	logger zerolog.Logger
	dialer *websocket.Dialer

	mx        *sync.Mutex
	state     State
	conn      *websocket.Conn
	pending   []model.Message
	out       chan model.Message
	handlers  map[model.MessageType]Handler
	onClose   func(error)
	queueSize int

	done      chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
}

func NewChannel(cfg Config) *Channel {
	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = defaultDialTimeout
		dialer = &d
	}
	queueSize := cfg.SendQueue
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	return &Channel{
		logger:    cfg.Logger.With().Str("component", "signaling").Logger(),
		dialer:    dialer,
		mx:        &sync.Mutex{},
		handlers:  make(map[model.MessageType]Handler),
		queueSize: queueSize,
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

func (c *Channel) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// OnMessage sets the handler for typ. A later call for the same type
// replaces the earlier handler.
func (c *Channel) OnMessage(typ model.MessageType, h Handler) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.handlers[typ] = h
}

// OnClose sets a callback invoked once if the connection drops without
// Close being called. It runs after all received messages were dispatched.
func (c *Channel) OnClose(fn func(err error)) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.onClose = fn
}

// Connect dials endpoint and blocks until the connection is open or failed.
func (c *Channel) Connect(ctx context.Context, endpoint string) error {
	c.mx.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mx.Unlock()
		if state == StateClosed {
			return errors.Join(model.ErrSignalingUnreachable, ErrNotOpen)
		}
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mx.Unlock()

	logger := c.logger.With().Str("endpoint", endpoint).Logger()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mx.Lock()
	if err != nil {
		if c.state != StateClosed {
			c.state = StateClosed
			c.pending = nil
		}
		c.mx.Unlock()
		logger.Error().Err(err).Msg("failed to connect")
		return errors.Join(model.ErrSignalingUnreachable, err)
	}
	if c.state == StateClosed {
		// closed while dialing
		c.mx.Unlock()
		_ = conn.Close()
		return errors.Join(model.ErrSignalingUnreachable, ErrNotOpen)
	}

	c.conn = conn
	c.out = make(chan model.Message, max(c.queueSize, len(c.pending)))
	for _, msg := range c.pending {
		c.out <- msg
	}
	c.pending = nil
	c.state = StateOpen

	inbound := make(chan model.Message, defaultInboundQueue)
	errc := make(chan error, 1)
	go c.readPump(conn, inbound, errc, &logger)
	go c.writePump(conn, c.out, &logger)
	go c.dispatch(inbound, errc, &logger)
	c.mx.Unlock()

	logger.Debug().Msg("signaling channel open")
	return nil
}

// Send queues msg for delivery. It never blocks. Messages are buffered while
// connecting; in any other non-open state ErrNotOpen is returned.
func (c *Channel) Send(msg model.Message) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	switch c.state {
	case StateConnecting:
		c.pending = append(c.pending, msg)
		return nil
	case StateOpen:
		select {
		case c.out <- msg:
			return nil
		default:
			c.logger.Warn().Str("type", string(msg.Type)).Msg("send queue is full, message dropped")
			return ErrSendQueueFull
		}
	}
	c.logger.Debug().
		Str("type", string(msg.Type)).
		Str("state", c.state.String()).
		Msg("channel is not open, message dropped")
	return ErrNotOpen
}

// Close shuts the channel down. It is safe to call in any state and more
// than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mx.Lock()
		c.state = StateClosed
		c.pending = nil
		conn := c.conn
		c.mx.Unlock()

		close(c.done)
		if conn == nil {
			return
		}
		// let the writer send the close frame before the socket goes away
		select {
		case <-c.writeDone:
		case <-time.After(writeWait):
		}
		if err := conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("failed to close connection")
		}
		c.logger.Debug().Msg("signaling channel closed")
	})
	return nil
}

func (c *Channel) readPump(conn *websocket.Conn, inbound chan<- model.Message, errc chan<- error, logger *zerolog.Logger) {
	defer close(inbound)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := model.Decode(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed message dropped")
			if e := logger.Trace(); e.Enabled() {
				e.Msg(spew.Sdump(raw))
			}
			continue
		}
		select {
		case inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) writePump(conn *websocket.Conn, out <-chan model.Message, logger *zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
	}()

	for {
		select {
		case msg := <-out:
			b, err := json.Marshal(&msg)
			if err != nil {
				logger.Error().Err(err).Msg("failed to marshal outgoing message")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Warn().Err(err).Msg("failed to write message")
				_ = conn.Close()
				return
			}
			logger.Trace().Str("type", string(msg.Type)).Msg("message sent")

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("failed to send ping")
				_ = conn.Close()
				return
			}

		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dispatch runs handlers in arrival order. When the reader stops it reports
// an unexpected disconnect to the close callback.
func (c *Channel) dispatch(inbound <-chan model.Message, errc <-chan error, logger *zerolog.Logger) {
	for msg := range inbound {
		c.mx.Lock()
		h := c.handlers[msg.Type]
		closed := c.state == StateClosed
		c.mx.Unlock()

		if closed {
			continue
		}
		if h == nil {
			logger.Debug().Str("type", string(msg.Type)).Msg("no handler for message")
			continue
		}
		h(msg)
	}

	var err error
	select {
	case err = <-errc:
	default:
	}

	c.mx.Lock()
	if c.state == StateClosed {
		c.mx.Unlock()
		return
	}
	c.state = StateClosed
	onClose := c.onClose
	c.mx.Unlock()

	logger.Warn().Err(err).Msg("signaling connection lost")
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	if onClose != nil {
		onClose(err)
	}
}
