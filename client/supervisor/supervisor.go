package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/client/negotiator"
	"github.com/adwski/screencast/client/signaling"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyStarted = errors.New("session was already started")
	ErrStopped        = errors.New("session was stopped")
	ErrNoCapture      = errors.New("publisher requires a capture source")
)

type State string

const (
	StateIdle        State = "idle"
	StateJoining     State = "joining"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

// SessionError is a terminal session failure. Err matches one of the
// model error sentinels.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

type (
	// MediaConfig is passed through to the capture source as is.
	MediaConfig struct {
		Source string
		Audio  bool
	}

	// Capture provides local media for publishing.
	Capture interface {
		Acquire(ctx context.Context, cfg MediaConfig) ([]negotiator.Track, error)
		Release() error
	}

	// EngineFactory creates a media engine for one peer connection.
	EngineFactory func(ctx context.Context, role model.Role) (negotiator.Engine, error)

	Config struct {
		Logger    *zerolog.Logger
		Endpoint  string
		Capture   Capture
		NewEngine EngineFactory
		Timing    negotiator.Timing
		// Channel overrides the signaling channel settings.
		Channel signaling.Config

		OnStateChange func(s State)
		OnStats       func(peerID string, s negotiator.Stats)
	}

	// Supervisor runs one client session: capture, signaling, and one
	// negotiator per remote peer.
	Supervisor struct {
		logger zerolog.Logger
		cfg    Config

		mx       *sync.Mutex
		state    State
		err      error
		role     model.Role
		roomID   string
		captured bool
		tracks   []negotiator.Track
		channel  *signaling.Channel
		runCtx   context.Context
		cancel   context.CancelFunc

		// subscriber side
		session *peerSession
		// publisher side: pending holds the untargeted offer until some
		// subscriber answers it
		pending *peerSession
		peers   map[string]*peerSession

		done     chan struct{}
		doneOnce sync.Once
		stopOnce sync.Once
		stopErr  error
	}

	peerSession struct {
		neg    *negotiator.Negotiator
		peerID string
		// local candidates are held until the description they belong
		// to reached the right peer
		ready  bool
		queued []model.ICECandidate
		// keeps candidates in gathering order
		sendMx sync.Mutex
	}
)

func New(cfg Config) *Supervisor {
	if cfg.Channel.Logger == nil {
		cfg.Channel.Logger = cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger: cfg.Logger.With().Str("component", "supervisor").Logger(),
		cfg:    cfg,
		mx:     &sync.Mutex{},
		state:  StateIdle,
		peers:  make(map[string]*peerSession),
		runCtx: ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *Supervisor) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Err returns the terminal error, if any.
func (s *Supervisor) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

// Done is closed when the session fails or is stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session fails or is stopped and returns the
// terminal error.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// Start acquires media (publisher only), connects signaling and joins
// roomID. It returns once the join request is sent; the rest of the session
// runs on signaling callbacks.
func (s *Supervisor) Start(ctx context.Context, roomID string, role model.Role, media MediaConfig) error {
	if !role.Valid() || roomID == "" {
		return errors.Join(model.ErrProtocolViolation, fmt.Errorf("invalid join request %q/%q", roomID, role))
	}
	if role == model.RolePublisher && s.cfg.Capture == nil {
		return ErrNoCapture
	}

	s.mx.Lock()
	if s.state != StateIdle {
		s.mx.Unlock()
		return ErrAlreadyStarted
	}
	s.role = role
	s.roomID = roomID
	s.logger = s.logger.With().Str("roomID", roomID).Str("role", string(role)).Logger()
	s.mx.Unlock()
	s.setState(StateJoining)

	if role == model.RolePublisher {
		tracks, err := s.cfg.Capture.Acquire(ctx, media)
		if err != nil {
			return s.fail(&SessionError{Op: "capture", Err: errors.Join(model.ErrCaptureFailed, err)})
		}
		s.mx.Lock()
		if s.state == StateClosed {
			s.mx.Unlock()
			_ = s.cfg.Capture.Release()
			return ErrStopped
		}
		s.captured = true
		s.tracks = tracks
		s.mx.Unlock()
		s.logger.Debug().Int("tracks", len(tracks)).Msg("capture acquired")
	}

	ch := signaling.NewChannel(s.cfg.Channel)
	s.mx.Lock()
	if s.state == StateClosed {
		s.mx.Unlock()
		return ErrStopped
	}
	s.channel = ch
	s.mx.Unlock()

	// handlers go in before any traffic so nothing relayed early is missed
	ch.OnMessage(model.MessageTypeJoined, s.handleJoined)
	ch.OnMessage(model.MessageTypeOffer, s.handleOffer)
	ch.OnMessage(model.MessageTypeAnswer, s.handleAnswer)
	ch.OnMessage(model.MessageTypeICE, s.handleICE)
	ch.OnMessage(model.MessageTypePeerJoined, s.handlePeerJoined)
	ch.OnMessage(model.MessageTypePeerLeft, s.handlePeerLeft)
	ch.OnMessage(model.MessageTypeError, s.handleError)
	ch.OnClose(s.handleChannelLost)

	if err := ch.Connect(ctx, s.cfg.Endpoint); err != nil {
		_ = s.releaseCapture()
		if s.State() == StateClosed {
			return ErrStopped
		}
		return s.fail(&SessionError{Op: "connect", Err: err})
	}

	s.send(model.Message{Type: model.MessageTypeJoin, RoomID: roomID, Role: role})
	s.logger.Debug().Msg("join sent")
	return nil
}

// Stop tears the session down from any state: capture is released first,
// then signaling is closed, then all peer connections. It is idempotent.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		s.mx.Lock()
		s.state = StateClosed
		ch := s.channel
		sessions := s.takeSessionsLocked()
		s.mx.Unlock()

		s.cancel()
		var errs []error
		if err := s.releaseCapture(); err != nil {
			errs = append(errs, fmt.Errorf("release capture: %w", err))
		}
		if ch != nil {
			if err := ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close signaling: %w", err))
			}
		}
		for _, ps := range sessions {
			if err := ps.neg.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close peer %q: %w", ps.peerID, err))
			}
		}
		s.stopErr = errors.Join(errs...)

		s.doneOnce.Do(func() { close(s.done) })
		s.notify(StateClosed)
		s.logger.Debug().Msg("session stopped")
	})
	return s.stopErr
}

func (s *Supervisor) takeSessionsLocked() []*peerSession {
	var sessions []*peerSession
	if s.session != nil {
		sessions = append(sessions, s.session)
		s.session = nil
	}
	if s.pending != nil {
		sessions = append(sessions, s.pending)
		s.pending = nil
	}
	for id, ps := range s.peers {
		sessions = append(sessions, ps)
		delete(s.peers, id)
	}
	return sessions
}

func (s *Supervisor) releaseCapture() error {
	s.mx.Lock()
	captured := s.captured
	s.captured = false
	s.tracks = nil
	s.mx.Unlock()
	if !captured {
		return nil
	}
	return s.cfg.Capture.Release()
}

// fail moves the session to failed and records err. The first failure wins.
func (s *Supervisor) fail(err error) error {
	s.mx.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mx.Unlock()
		return err
	}
	s.state = StateFailed
	s.err = err
	s.mx.Unlock()

	s.logger.Error().Err(err).Msg("session failed")
	s.doneOnce.Do(func() { close(s.done) })
	s.notify(StateFailed)
	return err
}

func (s *Supervisor) setState(st State) {
	s.mx.Lock()
	if s.state == st || s.state == StateFailed || s.state == StateClosed {
		s.mx.Unlock()
		return
	}
	s.state = st
	s.mx.Unlock()
	s.notify(st)
}

func (s *Supervisor) notify(st State) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

func (s *Supervisor) terminated() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state == StateFailed || s.state == StateClosed
}

func (s *Supervisor) send(msg model.Message) {
	s.mx.Lock()
	ch := s.channel
	s.mx.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("failed to send message")
	}
}

// newPeer creates a negotiator with a fresh engine. Publisher engines get
// all captured tracks.
func (s *Supervisor) newPeer(peerID string) (*peerSession, error) {
	s.mx.Lock()
	role, tracks, ctx := s.role, s.tracks, s.runCtx
	s.mx.Unlock()

	engine, err := s.cfg.NewEngine(ctx, role)
	if err != nil {
		return nil, errors.Join(model.ErrNegotiationFailed, err)
	}
	for _, t := range tracks {
		if err = engine.AddTrack(t); err != nil {
			_ = engine.Close()
			return nil, errors.Join(model.ErrNegotiationFailed, err)
		}
	}

	ps := &peerSession{peerID: peerID}
	ps.neg = negotiator.New(negotiator.Config{
		Logger: &s.logger,
		Engine: engine,
		Role:   role,
		Timing: s.cfg.Timing,
		OnStateChange: func(st negotiator.State) {
			s.peerStateChanged(ps, st)
		},
		OnLocalCandidate: func(c model.ICECandidate) {
			s.localCandidate(ps, c)
		},
		OnStats: func(st negotiator.Stats) {
			if s.cfg.OnStats != nil {
				s.cfg.OnStats(ps.peerID, st)
			}
		},
	})
	return ps, nil
}

// localCandidate sends c to the peer of ps, or holds it until the peer
// is known.
func (s *Supervisor) localCandidate(ps *peerSession, c model.ICECandidate) {
	ps.sendMx.Lock()
	defer ps.sendMx.Unlock()

	s.mx.Lock()
	if !ps.ready {
		ps.queued = append(ps.queued, c)
		s.mx.Unlock()
		return
	}
	peerID := ps.peerID
	s.mx.Unlock()
	s.sendCandidate(peerID, c)
}

func (s *Supervisor) sendCandidate(peerID string, c model.ICECandidate) {
	msg, err := model.NewICE(c)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode candidate")
		return
	}
	msg.PeerID = peerID
	s.send(msg)
}

// markReady releases held local candidates of ps.
func (s *Supervisor) markReady(ps *peerSession) {
	ps.sendMx.Lock()
	defer ps.sendMx.Unlock()

	s.mx.Lock()
	ps.ready = true
	queued := ps.queued
	ps.queued = nil
	peerID := ps.peerID
	s.mx.Unlock()

	for _, c := range queued {
		s.sendCandidate(peerID, c)
	}
}

func (s *Supervisor) peerStateChanged(ps *peerSession, st negotiator.State) {
	switch st {
	case negotiator.StateConnected:
		s.setState(StateConnected)
	case negotiator.StateFailed:
		s.mx.Lock()
		role, current := s.role, s.session == ps
		s.mx.Unlock()
		if role == model.RoleSubscriber {
			if current {
				s.fail(&SessionError{Op: "negotiate", Err: model.ErrNegotiationFailed})
			}
			return
		}
		// one broken subscriber does not end the broadcast
		if s.dropPeer(ps) {
			s.logger.Warn().Str("peerID", ps.peerID).Msg("peer connection failed")
			go func() { _ = ps.neg.Close() }()
		}
	}
}

// dropPeer forgets ps. It reports whether ps was still tracked.
func (s *Supervisor) dropPeer(ps *peerSession) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.pending == ps {
		s.pending = nil
		return true
	}
	if cur, ok := s.peers[ps.peerID]; ok && cur == ps {
		delete(s.peers, ps.peerID)
		return true
	}
	return false
}

func (s *Supervisor) handleJoined(model.Message) {
	if s.terminated() {
		return
	}
	s.logger.Debug().Msg("joined room")

	if s.roleIs(model.RolePublisher) {
		s.offer("")
	} else {
		s.resetSubscriber()
	}
	s.setState(StateNegotiating)
}

// resetSubscriber replaces the subscriber negotiator with a fresh idle one.
func (s *Supervisor) resetSubscriber() *peerSession {
	ps, err := s.newPeer("")
	if err != nil {
		s.fail(&SessionError{Op: "negotiate", Err: err})
		return nil
	}
	s.mx.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mx.Unlock()
		_ = ps.neg.Close()
		return nil
	}
	old := s.session
	s.session = ps
	s.mx.Unlock()

	if old != nil {
		_ = old.neg.Close()
	}
	return ps
}

// offer creates and sends an offer. An empty peerID sends an untargeted
// offer that the first answering subscriber claims.
func (s *Supervisor) offer(peerID string) {
	logger := s.logger.With().Str("peerID", peerID).Logger()

	ps, err := s.newPeer(peerID)
	if err != nil {
		logger.Error().Err(err).Msg("cannot create peer connection")
		return
	}

	s.mx.Lock()
	if s.state == StateClosed || s.state == StateFailed {
		s.mx.Unlock()
		_ = ps.neg.Close()
		return
	}
	var replaced *peerSession
	if peerID == "" {
		replaced, s.pending = s.pending, ps
	} else {
		replaced, s.peers[peerID] = s.peers[peerID], ps
	}
	roomID, ctx := s.roomID, s.runCtx
	s.mx.Unlock()
	if replaced != nil {
		_ = replaced.neg.Close()
	}

	desc, err := ps.neg.CreateOffer(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create offer")
		return
	}
	msg, err := model.NewOffer(roomID, desc)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode offer")
		return
	}
	msg.PeerID = peerID
	s.send(msg)
	logger.Debug().Msg("offer sent")

	if peerID != "" {
		s.markReady(ps)
	}
}

func (s *Supervisor) handlePeerJoined(msg model.Message) {
	if s.terminated() || s.roleIs(model.RoleSubscriber) {
		return
	}
	s.mx.Lock()
	shared := s.pending != nil
	s.mx.Unlock()
	if shared {
		// the unclaimed shared offer is broadcast to this subscriber too
		s.logger.Debug().Str("peerID", msg.PeerID).Msg("subscriber joined, shared offer pending")
		return
	}
	s.logger.Debug().Str("peerID", msg.PeerID).Msg("subscriber joined")
	s.offer(msg.PeerID)
}

func (s *Supervisor) handlePeerLeft(msg model.Message) {
	if s.terminated() {
		return
	}
	if s.roleIs(model.RoleSubscriber) {
		s.logger.Info().Msg("publisher left, waiting for a new one")
		s.setState(StateNegotiating)
		s.resetSubscriber()
		return
	}

	s.mx.Lock()
	ps := s.peers[msg.PeerID]
	delete(s.peers, msg.PeerID)
	s.mx.Unlock()
	if ps != nil {
		_ = ps.neg.Close()
	}
	s.logger.Debug().Str("peerID", msg.PeerID).Msg("subscriber left")
}

func (s *Supervisor) handleAnswer(msg model.Message) {
	if s.terminated() || !s.roleIs(model.RolePublisher) {
		return
	}
	logger := s.logger.With().Str("peerID", msg.PeerID).Logger()
	desc, err := msg.SessionDescription()
	if err != nil {
		logger.Warn().Err(err).Msg("malformed answer dropped")
		return
	}

	s.mx.Lock()
	ps := s.peers[msg.PeerID]
	bind := false
	if ps == nil && s.pending != nil {
		ps, s.pending = s.pending, nil
		ps.peerID = msg.PeerID
		s.peers[msg.PeerID] = ps
		bind = true
	}
	ctx := s.runCtx
	s.mx.Unlock()

	if ps == nil || ps.neg.State() != negotiator.StateOfferSent {
		if ps == nil {
			// someone else claimed the shared offer first
			logger.Debug().Msg("stale answer, offering again")
			s.offer(msg.PeerID)
		} else {
			logger.Debug().Str("state", string(ps.neg.State())).Msg("unexpected answer dropped")
		}
		return
	}

	if err = ps.neg.HandleAnswer(ctx, desc); err != nil {
		logger.Error().Err(err).Msg("failed to apply answer")
		return
	}
	if bind {
		s.markReady(ps)
	}
	logger.Debug().Msg("answer applied")
}

func (s *Supervisor) handleOffer(msg model.Message) {
	if s.terminated() || !s.roleIs(model.RoleSubscriber) {
		return
	}
	desc, err := msg.SessionDescription()
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed offer dropped")
		return
	}

	s.mx.Lock()
	ps, ctx := s.session, s.runCtx
	s.mx.Unlock()
	if ps == nil || ps.neg.State() != negotiator.StateIdle {
		// a renegotiation starts over with a fresh connection
		s.logger.Debug().Msg("new offer, restarting negotiation")
		s.setState(StateNegotiating)
		if ps = s.resetSubscriber(); ps == nil {
			return
		}
	}

	answerDesc, err := ps.neg.HandleOffer(ctx, desc)
	if err != nil {
		if errors.Is(err, negotiator.ErrClosed) {
			return
		}
		s.fail(&SessionError{Op: "negotiate", Err: err})
		return
	}
	answer, err := model.NewAnswer(answerDesc)
	if err != nil {
		s.fail(&SessionError{Op: "negotiate", Err: errors.Join(model.ErrNegotiationFailed, err)})
		return
	}
	s.send(answer)
	s.markReady(ps)
	s.logger.Debug().Msg("answer sent")
}

func (s *Supervisor) handleICE(msg model.Message) {
	if s.terminated() {
		return
	}
	c, err := msg.ICECandidate()
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed candidate dropped")
		return
	}

	s.mx.Lock()
	var ps *peerSession
	if s.role == model.RoleSubscriber {
		ps = s.session
	} else {
		ps = s.peers[msg.PeerID]
	}
	ctx := s.runCtx
	s.mx.Unlock()

	if ps == nil {
		s.logger.Debug().Str("peerID", msg.PeerID).Msg("candidate for unknown peer dropped")
		return
	}
	if err = ps.neg.AddRemoteCandidate(ctx, c); err != nil {
		s.logger.Debug().Err(err).Str("peerID", msg.PeerID).Msg("remote candidate not applied")
	}
}

func (s *Supervisor) handleError(msg model.Message) {
	s.fail(&SessionError{Op: "signal", Err: &model.RemoteError{Reason: msg.Error}})
}

func (s *Supervisor) handleChannelLost(err error) {
	s.fail(&SessionError{Op: "signal", Err: errors.Join(model.ErrSignalingUnreachable, err)})
}

func (s *Supervisor) roleIs(role model.Role) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.role == role
}
