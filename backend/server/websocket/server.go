package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultOutboundQueueSize = 64

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		OpenSession(connID string)
		HandleMessage(connID string, ep model.Endpoint, msg model.Message)
		CloseSession(connID string)
	}

	MessageCounter interface {
		MessageOut(typ model.MessageType)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		Metrics          MessageCounter
		ListenAddr       string
		OutboundQueue    int
	}

	Server struct {
		svc     SignalingService
		metrics MessageCounter
		ws      *websocket.Upgrader
		*http.Server

		logger   zerolog.Logger
		queueLen int
	}
)

func NewServer(cfg Config) *Server {
	queueLen := cfg.OutboundQueue
	if queueLen <= 0 {
		queueLen = defaultOutboundQueueSize
	}
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:      cfg.SignalingService,
		metrics:  cfg.Metrics,
		queueLen: queueLen,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background()) // long-living connection context
	sess := newSession(connID, srv.queueLen, cancel)

	srv.svc.OpenSession(connID)
	go srv.handleWSConn(ctx, sess, conn)
}

// session is the router-facing side of one connection.
type session struct {
	tx     chan model.Message
	cancel context.CancelFunc
	mx     *sync.Mutex
	id     string
	closed bool
}

func newSession(connID string, queueLen int, cancel context.CancelFunc) *session {
	return &session{
		id:     connID,
		tx:     make(chan model.Message, queueLen),
		cancel: cancel,
		mx:     &sync.Mutex{},
	}
}

// Deliver never blocks. A full queue means the peer is not reading, so the
// connection is torn down.
func (s *session) Deliver(msg model.Message) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.tx <- msg:
		return true
	default:
		s.closed = true
		s.cancel()
		return false
	}
}

func (s *session) Closed() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.closed
}

func (s *session) close() {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	s.cancel()
}

func (srv *Server) handleWSConn(ctx context.Context, sess *session, conn *websocket.Conn) {
	var (
		sendDone = make(chan struct{})
		recvDone = make(chan struct{})
	)

	logger := srv.logger.With().
		Str("connID", sess.id).
		Str("remote", conn.RemoteAddr().String()).
		Logger()
	logger.Debug().Msg("signaling connection established")

	go func() {
		srv.webSocketReceiver(ctx, conn, sess, &logger)
		sess.close()
		close(recvDone)
	}()
	go func() {
		srv.webSocketSender(ctx, conn, sess.tx, &logger)
		sess.close()
		close(sendDone)
	}()

	// the sender must be gone before the closer writes to the socket,
	// closing the socket then unblocks the receiver
	<-sendDone
	webSocketCloser(conn, &logger)
	<-recvDone

	srv.svc.CloseSession(sess.id)
	logger.Debug().Msg("signaling connection ended")
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg := <-tx:
			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			if _, wsErr = wsW.Write(b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			if wsErr = wsW.Close(); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
			if srv.metrics != nil {
				srv.metrics.MessageOut(msg.Type)
			}
			logger.Trace().Str("type", string(msg.Type)).Msg("message sent")
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	sess *session,
	logger *zerolog.Logger,
) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, raw, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Debug().Err(wsErr).Msg("connection closed")
			} else {
				logger.Warn().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		msg, err := model.Decode(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed message dropped")
			if e := logger.Trace(); e.Enabled() {
				e.Msg(spew.Sdump(raw))
			}
			continue
		}
		srv.svc.HandleMessage(sess.id, sess, msg)
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
