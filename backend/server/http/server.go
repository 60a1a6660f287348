package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 4096
	defaultStreamKeepalive  = 15 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RoomService interface {
		CreateRoom(name string) (model.Room, error)
		ListRooms() []model.RoomSummary
		GetRoom(roomID string) (model.RoomSummary, error)
	}

	RoomEvents interface {
		Subscribe() (<-chan model.RoomEvent, func())
	}

	CreateRoomRequest struct {
		Name string `json:"name"`
	}

	CreateRoomResponse struct {
		RoomID string `json:"roomId"`
		Name   string `json:"name"`
	}

	GenericResponse struct {
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	Server struct {
		logger zerolog.Logger
		svc    RoomService
		events RoomEvents
		done   chan struct{}
		*http.Server
	}

	Config struct {
		Logger         *zerolog.Logger
		RoomService    RoomService
		RoomEvents     RoomEvents
		MetricsHandler http.Handler
		ListenAddr     string
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
		events: cfg.RoomEvents,
		done:   make(chan struct{}),
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("POST /api/rooms", srv.createRoom)
	r.HandleFunc("POST /api/rooms/create", srv.createRoom)
	r.HandleFunc("GET /api/rooms/events", srv.roomEvents)
	r.HandleFunc("GET /api/rooms/{roomID}", srv.getRoom)
	r.HandleFunc("GET /health", srv.health)
	if cfg.MetricsHandler != nil {
		r.Handle("GET /metrics", cfg.MetricsHandler)
	}
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	var once sync.Once
	srv.RegisterOnShutdown(func() {
		once.Do(func() { close(srv.done) })
	})
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.svc.ListRooms())
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := srv.svc.GetRoom(r.PathValue("roomID"))
	if err != nil {
		if errors.Is(err, model.ErrRoomNotFound) {
			srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: model.ErrRoomNotFound.Error()})
			return
		}
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &room)
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "cannot read request"})
		return
	}
	// empty body means default name
	if len(body) > 0 {
		if err = json.Unmarshal(body, &req); err != nil {
			srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invalid request"})
			return
		}
	}

	srv.logger.Trace().Any("request", req).Msg("got create room request")

	room, err := srv.svc.CreateRoom(req.Name)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to create room")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "failed to create room"})
		return
	}
	srv.writeJSON(w, http.StatusCreated, &CreateRoomResponse{RoomID: room.ID, Name: room.Name})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

// roomEvents streams room membership changes as server-sent events.
func (srv *Server) roomEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || srv.events == nil {
		srv.writeJSON(w, http.StatusNotImplemented, &GenericResponse{Error: "streaming unsupported"})
		return
	}

	events, cancel := srv.events.Subscribe()
	defer cancel()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(defaultStreamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-srv.done:
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(&ev)
			if err != nil {
				srv.logger.Error().Err(err).Msg("failed to marshal room event")
				continue
			}
			if _, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
