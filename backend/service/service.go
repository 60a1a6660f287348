package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/backend/router"
	"github.com/rs/zerolog"
)

var (
	ErrCreateRoom = errors.New("unable to create room")
	ErrGetRoom    = errors.New("unable to get room")
)

type (
	Router interface {
		Join(connID, roomID string, role model.Role, ep model.Endpoint) error
		Relay(connID string, msg model.Message) error
		Leave(connID string) error
		CreateRoom(name string) (model.Room, error)
		ListRooms() []model.RoomSummary
		GetRoom(roomID string) (model.RoomSummary, error)
		CollectGarbage(grace time.Duration) int
	}

	Metrics interface {
		Connected()
		Disconnected()
		MessageIn(typ model.MessageType)
		RelayDropped(typ model.MessageType)
		JoinRejected(reason string)
	}

	// Service connects signaling sessions to the router and serves the
	// room catalog.
	Service struct {
		router  Router
		metrics Metrics
		logger  zerolog.Logger

		gcGrace    time.Duration
		gcInterval time.Duration
	}

	Config struct {
		Router          Router
		Metrics         Metrics
		Logger          *zerolog.Logger
		RoomGracePeriod time.Duration
		RoomGCInterval  time.Duration
	}
)

// noMetrics is used when no collector is configured.
type noMetrics struct{}

func (noMetrics) Connected()                     {}
func (noMetrics) Disconnected()                  {}
func (noMetrics) MessageIn(model.MessageType)    {}
func (noMetrics) RelayDropped(model.MessageType) {}
func (noMetrics) JoinRejected(string)            {}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = noMetrics{}
	}
	return &Service{
		router:     cfg.Router,
		metrics:    m,
		logger:     cfg.Logger.With().Str("component", "service").Logger(),
		gcGrace:    cfg.RoomGracePeriod,
		gcInterval: cfg.RoomGCInterval,
	}
}

// OpenSession registers a new signaling connection.
func (svc *Service) OpenSession(connID string) {
	svc.metrics.Connected()
	svc.logger.Debug().Str("connID", connID).Msg("signaling session opened")
}

// CloseSession removes the connection from whatever room it was in.
func (svc *Service) CloseSession(connID string) {
	svc.metrics.Disconnected()
	if err := svc.router.Leave(connID); err != nil && !errors.Is(err, router.ErrNotAMember) {
		svc.logger.Error().Err(err).Str("connID", connID).Msg("failed to leave room")
	}
	svc.logger.Debug().Str("connID", connID).Msg("signaling session closed")
}

// HandleMessage processes one inbound message of connID. Rejections are
// reported back to the sender through ep as error messages.
func (svc *Service) HandleMessage(connID string, ep model.Endpoint, msg model.Message) {
	svc.metrics.MessageIn(msg.Type)
	logger := svc.logger.With().
		Str("connID", connID).
		Str("type", string(msg.Type)).Logger()

	switch msg.Type {
	case model.MessageTypeJoin:
		if err := svc.router.Join(connID, msg.RoomID, msg.Role, ep); err != nil {
			reason := model.Reason(err)
			svc.metrics.JoinRejected(reason)
			logger.Debug().Err(err).Str("roomID", msg.RoomID).Msg("join rejected")
			svc.reject(ep, err, &logger)
		}

	case model.MessageTypeLeave:
		if err := svc.router.Leave(connID); err != nil {
			logger.Debug().Err(err).Msg("leave ignored")
		}

	case model.MessageTypeOffer, model.MessageTypeAnswer, model.MessageTypeICE:
		err := svc.router.Relay(connID, msg)
		switch {
		case err == nil:
		case errors.Is(err, router.ErrNoRecipient):
			svc.metrics.RelayDropped(msg.Type)
			logger.Debug().Msg("relay reached nobody")
		default:
			svc.reject(ep, err, &logger)
		}

	default:
		logger.Debug().Msg("message is not accepted from clients")
		svc.reject(ep, model.ErrProtocolViolation, &logger)
	}
}

func (svc *Service) reject(ep model.Endpoint, err error, logger *zerolog.Logger) {
	if !ep.Deliver(model.NewErrorMessage(err)) {
		logger.Warn().Msg("cannot deliver error message")
	}
}

func (svc *Service) CreateRoom(name string) (model.Room, error) {
	room, err := svc.router.CreateRoom(name)
	if err != nil {
		return model.Room{}, errors.Join(ErrCreateRoom, err)
	}
	svc.logger.Debug().
		Str("roomID", room.ID).
		Str("name", room.Name).
		Msg("room created")
	return room, nil
}

func (svc *Service) ListRooms() []model.RoomSummary {
	return svc.router.ListRooms()
}

func (svc *Service) GetRoom(roomID string) (model.RoomSummary, error) {
	room, err := svc.router.GetRoom(roomID)
	if err != nil {
		return model.RoomSummary{}, errors.Join(ErrGetRoom, err)
	}
	return room, nil
}

// RunRoomGC periodically deletes rooms that stayed empty for the grace period.
func (svc *Service) RunRoomGC(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		svc.logger.Debug().Msg("room gc stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(svc.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.router.CollectGarbage(svc.gcGrace); n > 0 {
				svc.logger.Debug().Int("rooms", n).Msg("empty rooms collected")
			}
		}
	}
}
