package router

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyJoined = errors.New("connection already joined a room")
	ErrNotAMember    = errors.New("connection is not a member of any room")
	ErrNoRecipient   = errors.New("no recipient for message")
)

type (
	// Store is the room catalog backing the router.
	Store interface {
		CreateRoom(name string) (model.Room, error)
		EnsureRoom(roomID string) (model.Room, bool, error)
		DeleteRoom(roomID string) error
	}

	// Observer receives membership events. It is called with the room
	// locked, so it must not block or call back into the router.
	Observer interface {
		RoomEvent(ev model.RoomEvent)
	}

	Config struct {
		Logger          *zerolog.Logger
		Store           Store
		Observers       []Observer
		AutoCreateRooms bool
	}

	// Router owns room membership and relays signaling between the
	// publisher and subscribers of a room. The registry lock only guards
	// lookups; membership and relay are serialized per room.
	Router struct {
		logger     zerolog.Logger
		store      Store
		observers  []Observer
		autoCreate bool
		now        func() time.Time

		mx      *sync.Mutex
		rooms   map[string]*room
		members map[string]string
	}

	participant struct {
		ep     model.Endpoint
		connID string
		role   model.Role
		live   bool
	}

	room struct {
		mx          sync.Mutex
		info        model.Room
		publisher   *participant
		subscribers map[string]*participant
		cachedOffer *model.Message
		emptySince  time.Time
		seq         uint64
		deleted     bool
	}
)

func NewRouter(cfg Config) *Router {
	return &Router{
		logger:     cfg.Logger.With().Str("component", "router").Logger(),
		store:      cfg.Store,
		observers:  cfg.Observers,
		autoCreate: cfg.AutoCreateRooms,
		now:        time.Now,
		mx:         &sync.Mutex{},
		rooms:      make(map[string]*room),
		members:    make(map[string]string),
	}
}

// CreateRoom registers a new empty room under a generated id.
func (r *Router) CreateRoom(name string) (model.Room, error) {
	info, err := r.store.CreateRoom(name)
	if err != nil {
		return model.Room{}, err
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	r.addRoom(info)
	return info, nil
}

// Join admits connID into roomID with the given role. On success the joiner
// receives a joined message before anything else is delivered to it.
func (r *Router) Join(connID, roomID string, role model.Role, ep model.Endpoint) error {
	if connID == "" || roomID == "" || !role.Valid() || ep == nil {
		return model.ErrProtocolViolation
	}
	r.mx.Lock()
	_, joined := r.members[connID]
	r.mx.Unlock()
	if joined {
		return errors.Join(model.ErrProtocolViolation, ErrAlreadyJoined)
	}

	for {
		rm, err := r.lookupRoom(roomID)
		if err != nil {
			return err
		}
		rm.mx.Lock()
		if rm.deleted {
			// collected between lookup and lock
			rm.mx.Unlock()
			continue
		}
		err = r.admit(rm, connID, role, ep)
		rm.mx.Unlock()
		return err
	}
}

func (r *Router) lookupRoom(roomID string) (*room, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if rm, ok := r.rooms[roomID]; ok {
		return rm, nil
	}
	if !r.autoCreate {
		return nil, model.ErrRoomNotFound
	}
	info, _, err := r.store.EnsureRoom(roomID)
	if err != nil {
		return nil, err
	}
	return r.addRoom(info), nil
}

// addRoom must be called with the registry locked.
func (r *Router) addRoom(info model.Room) *room {
	rm := &room{
		info:        info,
		subscribers: make(map[string]*participant),
		emptySince:  r.now(),
	}
	r.rooms[info.ID] = rm
	r.emit(rm, model.RoomEventCreated, "")
	r.logger.Debug().Str("roomID", info.ID).Str("name", info.Name).Msg("room created")
	return rm
}

// admit must be called with rm locked.
func (r *Router) admit(rm *room, connID string, role model.Role, ep model.Endpoint) error {
	logger := r.logger.With().
		Str("connID", connID).
		Str("roomID", rm.info.ID).
		Str("role", string(role)).Logger()

	p := &participant{connID: connID, role: role, ep: ep, live: true}

	switch role {
	case model.RolePublisher:
		if incumbent := rm.publisher; incumbent != nil {
			if incumbent.alive() {
				logger.Debug().Str("incumbent", incumbent.connID).Msg("publisher slot is occupied")
				return model.ErrPublisherOccupied
			}
			logger.Debug().Str("stale", incumbent.connID).Msg("evicting stale publisher")
			r.removePublisher(rm)
		}
		rm.publisher = p
	case model.RoleSubscriber:
		rm.subscribers[connID] = p
	}

	r.mx.Lock()
	r.members[connID] = rm.info.ID
	r.mx.Unlock()
	rm.emptySince = time.Time{}

	r.deliver(rm, p, model.Message{Type: model.MessageTypeJoined, RoomID: rm.info.ID, Role: role})

	if role == model.RolePublisher {
		r.emit(rm, model.RoomEventPublisherJoined, connID)
	} else {
		r.emit(rm, model.RoomEventSubscriberJoined, connID)
		switch {
		case rm.cachedOffer != nil:
			r.deliver(rm, p, *rm.cachedOffer)
		case rm.publisher != nil:
			r.deliver(rm, rm.publisher, model.Message{Type: model.MessageTypePeerJoined, PeerID: connID})
		}
	}
	logger.Debug().Msg("joined room")
	return nil
}

// Relay forwards msg from connID to its counterparts in the same room.
// SDP and candidate payloads are passed through unmodified.
func (r *Router) Relay(connID string, msg model.Message) error {
	r.mx.Lock()
	roomID, ok := r.members[connID]
	rm := r.rooms[roomID]
	r.mx.Unlock()
	if !ok || rm == nil {
		return r.violation(connID, msg, ErrNotAMember)
	}

	rm.mx.Lock()
	defer rm.mx.Unlock()

	from := rm.member(connID)
	if from == nil {
		return r.violation(connID, msg, ErrNotAMember)
	}
	if msg.RoomID != "" && msg.RoomID != rm.info.ID {
		return r.violation(connID, msg, errors.New("cross-room message"))
	}

	switch msg.Type {
	case model.MessageTypeOffer:
		if from.role != model.RolePublisher {
			return r.violation(connID, msg, errors.New("offer from subscriber"))
		}
		out := model.Message{Type: model.MessageTypeOffer, RoomID: rm.info.ID, SDP: msg.SDP}
		if msg.PeerID == "" {
			rm.cachedOffer = &out
			return r.broadcast(rm, out)
		}
		return r.deliverTo(rm, rm.subscribers[msg.PeerID], out)

	case model.MessageTypeAnswer:
		if from.role != model.RoleSubscriber {
			return r.violation(connID, msg, errors.New("answer from publisher"))
		}
		rm.cachedOffer = nil
		return r.deliverTo(rm, rm.publisher, model.Message{
			Type:   model.MessageTypeAnswer,
			SDP:    msg.SDP,
			PeerID: connID,
		})

	case model.MessageTypeICE:
		if from.role == model.RoleSubscriber {
			return r.deliverTo(rm, rm.publisher, model.Message{
				Type:      model.MessageTypeICE,
				Candidate: msg.Candidate,
				PeerID:    connID,
			})
		}
		out := model.Message{Type: model.MessageTypeICE, Candidate: msg.Candidate}
		if msg.PeerID == "" {
			return r.broadcast(rm, out)
		}
		return r.deliverTo(rm, rm.subscribers[msg.PeerID], out)
	}
	return r.violation(connID, msg, errors.New("message type is not relayable"))
}

// Leave removes connID from its room. Once Leave returns nothing more is
// delivered to connID.
func (r *Router) Leave(connID string) error {
	r.mx.Lock()
	roomID, ok := r.members[connID]
	rm := r.rooms[roomID]
	r.mx.Unlock()
	if !ok || rm == nil {
		return ErrNotAMember
	}

	rm.mx.Lock()
	defer rm.mx.Unlock()

	p := rm.member(connID)
	if p == nil {
		return ErrNotAMember
	}
	if p.role == model.RolePublisher {
		r.removePublisher(rm)
	} else {
		r.removeSubscriber(rm, connID)
	}
	r.logger.Debug().
		Str("connID", connID).
		Str("roomID", rm.info.ID).
		Str("role", string(p.role)).
		Msg("left room")
	return nil
}

// removePublisher must be called with rm locked.
func (r *Router) removePublisher(rm *room) {
	pub := rm.publisher
	rm.publisher = nil
	rm.cachedOffer = nil
	r.forget(pub.connID)
	r.emit(rm, model.RoomEventPublisherLeft, pub.connID)
	_ = r.broadcast(rm, model.Message{Type: model.MessageTypePeerLeft, PeerID: pub.connID})
	r.markIfEmpty(rm)
}

// removeSubscriber must be called with rm locked.
func (r *Router) removeSubscriber(rm *room, connID string) {
	delete(rm.subscribers, connID)
	r.forget(connID)
	r.emit(rm, model.RoomEventSubscriberLeft, connID)
	if rm.publisher != nil {
		r.deliver(rm, rm.publisher, model.Message{Type: model.MessageTypePeerLeft, PeerID: connID})
	}
	r.markIfEmpty(rm)
}

func (r *Router) forget(connID string) {
	r.mx.Lock()
	delete(r.members, connID)
	r.mx.Unlock()
}

func (r *Router) markIfEmpty(rm *room) {
	if rm.publisher == nil && len(rm.subscribers) == 0 {
		rm.emptySince = r.now()
	}
}

// CollectGarbage deletes rooms that have been empty for at least grace
// and returns how many were deleted.
func (r *Router) CollectGarbage(grace time.Duration) int {
	now := r.now()
	var deleted int
	for _, rm := range r.snapshot() {
		rm.mx.Lock()
		if rm.publisher == nil && len(rm.subscribers) == 0 &&
			!rm.emptySince.IsZero() && now.Sub(rm.emptySince) >= grace {
			rm.deleted = true
			r.mx.Lock()
			delete(r.rooms, rm.info.ID)
			r.mx.Unlock()
			if err := r.store.DeleteRoom(rm.info.ID); err != nil {
				r.logger.Warn().Err(err).Str("roomID", rm.info.ID).Msg("cannot delete room from store")
			}
			r.emit(rm, model.RoomEventDeleted, "")
			r.logger.Debug().Str("roomID", rm.info.ID).Msg("empty room collected")
			deleted++
		}
		rm.mx.Unlock()
	}
	return deleted
}

// ListRooms returns room summaries ordered by creation time.
func (r *Router) ListRooms() []model.RoomSummary {
	rooms := r.snapshot()
	sort.Slice(rooms, func(i, j int) bool {
		a, b := rooms[i].info, rooms[j].info
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	summaries := make([]model.RoomSummary, 0, len(rooms))
	for _, rm := range rooms {
		rm.mx.Lock()
		summaries = append(summaries, rm.summary())
		rm.mx.Unlock()
	}
	return summaries
}

// GetRoom returns the summary of one room.
func (r *Router) GetRoom(roomID string) (model.RoomSummary, error) {
	r.mx.Lock()
	rm, ok := r.rooms[roomID]
	r.mx.Unlock()
	if !ok {
		return model.RoomSummary{}, model.ErrRoomNotFound
	}
	rm.mx.Lock()
	defer rm.mx.Unlock()
	return rm.summary(), nil
}

func (r *Router) snapshot() []*room {
	r.mx.Lock()
	defer r.mx.Unlock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	return rooms
}

// broadcast delivers msg to every subscriber of rm.
func (r *Router) broadcast(rm *room, msg model.Message) error {
	var sent bool
	for _, sub := range rm.subscribers {
		if r.deliver(rm, sub, msg) {
			sent = true
		}
	}
	if !sent {
		return ErrNoRecipient
	}
	return nil
}

func (r *Router) deliverTo(rm *room, p *participant, msg model.Message) error {
	if p == nil || !r.deliver(rm, p, msg) {
		return ErrNoRecipient
	}
	return nil
}

func (r *Router) deliver(rm *room, p *participant, msg model.Message) bool {
	if p.ep.Deliver(msg) {
		return true
	}
	p.live = false
	r.logger.Warn().
		Str("roomID", rm.info.ID).
		Str("dst", p.connID).
		Str("type", string(msg.Type)).
		Msg("cannot deliver, endpoint is dead or saturated")
	return false
}

func (r *Router) emit(rm *room, typ, peerID string) {
	rm.seq++
	ev := model.RoomEvent{
		Seq:             rm.seq,
		Type:            typ,
		RoomID:          rm.info.ID,
		PeerID:          peerID,
		HasPublisher:    rm.publisher != nil,
		SubscriberCount: len(rm.subscribers),
	}
	for _, o := range r.observers {
		o.RoomEvent(ev)
	}
}

func (r *Router) violation(connID string, msg model.Message, cause error) error {
	r.logger.Debug().
		Err(cause).
		Str("connID", connID).
		Str("type", string(msg.Type)).
		Msg("protocol violation, message dropped")
	if e := r.logger.Trace(); e.Enabled() {
		e.Str("connID", connID).Msg(spew.Sdump(msg))
	}
	return errors.Join(model.ErrProtocolViolation, cause)
}

func (rm *room) member(connID string) *participant {
	if rm.publisher != nil && rm.publisher.connID == connID {
		return rm.publisher
	}
	return rm.subscribers[connID]
}

func (rm *room) summary() model.RoomSummary {
	return model.RoomSummary{
		ID:              rm.info.ID,
		Name:            rm.info.Name,
		HasPublisher:    rm.publisher != nil,
		SubscriberCount: len(rm.subscribers),
	}
}

// alive reports whether the participant can still receive messages.
func (p *participant) alive() bool {
	return p.live && !p.ep.Closed()
}
