package negotiator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultStatsInterval    = 3 * time.Second
	DefaultKeyframeInterval = 2 * time.Second
)

var (
	ErrClosed       = errors.New("negotiator is closed")
	ErrInvalidState = errors.New("invalid negotiation state")
	ErrWrongRole    = errors.New("operation is not valid for this role")
)

type State string

const (
	StateIdle       State = "idle"
	StateOfferSent  State = "offer-sent"
	StateAnswerSent State = "answer-sent"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Timing controls the periodic work done while connected.
type Timing struct {
	StatsInterval    time.Duration
	KeyframeInterval time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		StatsInterval:    DefaultStatsInterval,
		KeyframeInterval: DefaultKeyframeInterval,
	}
}

type Config struct {
	Logger *zerolog.Logger
	Engine Engine
	Role   model.Role
	Timing Timing

	// Callbacks are optional and are never called with internal locks held.
	OnStateChange    func(s State)
	OnStats          func(s Stats)
	OnLocalCandidate func(c model.ICECandidate)
}

// Negotiator drives the offer/answer exchange of one peer connection.
// Only one description step may be outstanding at a time.
type Negotiator struct {
	logger zerolog.Logger
	engine Engine
	role   model.Role
	timing Timing

	onStateChange func(State)
	onStats       func(Stats)

	mx        *sync.Mutex
	state     State
	inFlight  bool
	remoteSet bool
	pending   []model.ICECandidate
	stopTicks context.CancelFunc
	wg        *sync.WaitGroup
}

func New(cfg Config) *Negotiator {
	timing := cfg.Timing
	if timing.StatsInterval <= 0 {
		timing.StatsInterval = DefaultStatsInterval
	}
	if timing.KeyframeInterval <= 0 {
		timing.KeyframeInterval = DefaultKeyframeInterval
	}
	n := &Negotiator{
		logger: cfg.Logger.With().
			Str("component", "negotiator").
			Str("role", string(cfg.Role)).Logger(),
		engine:        cfg.Engine,
		role:          cfg.Role,
		timing:        timing,
		onStateChange: cfg.OnStateChange,
		onStats:       cfg.OnStats,
		mx:            &sync.Mutex{},
		state:         StateIdle,
		wg:            &sync.WaitGroup{},
	}
	if cfg.OnLocalCandidate != nil {
		n.engine.OnICECandidate(cfg.OnLocalCandidate)
	}
	n.engine.OnConnectionStateChange(n.connectionStateChanged)
	return n
}

func (n *Negotiator) State() State {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.state
}

// CreateOffer creates the local offer. Publisher only, from idle.
func (n *Negotiator) CreateOffer(ctx context.Context) (model.SessionDescription, error) {
	if err := n.begin(model.RolePublisher, StateIdle); err != nil {
		return model.SessionDescription{}, err
	}

	desc, err := n.engine.CreateOffer(ctx)

	if err = n.end(err); err != nil {
		return model.SessionDescription{}, err
	}
	n.setState(StateOfferSent)
	return desc, nil
}

// HandleAnswer applies the remote answer to a sent offer.
func (n *Negotiator) HandleAnswer(ctx context.Context, desc model.SessionDescription) error {
	if err := n.begin(model.RolePublisher, StateOfferSent); err != nil {
		return err
	}

	err := n.engine.SetRemoteDescription(ctx, desc)
	if err == nil {
		n.flushCandidates(ctx)
	}

	if err = n.end(err); err != nil {
		return err
	}
	return n.connect()
}

// HandleOffer applies a remote offer and returns the local answer.
// Subscriber only, from idle.
func (n *Negotiator) HandleOffer(ctx context.Context, desc model.SessionDescription) (model.SessionDescription, error) {
	if err := n.begin(model.RoleSubscriber, StateIdle); err != nil {
		return model.SessionDescription{}, err
	}

	err := n.engine.SetRemoteDescription(ctx, desc)
	if err == nil {
		n.flushCandidates(ctx)
	}
	var answer model.SessionDescription
	if err == nil {
		answer, err = n.engine.CreateAnswer(ctx)
	}

	if err = n.end(err); err != nil {
		return model.SessionDescription{}, err
	}
	n.setState(StateAnswerSent)
	if err = n.connect(); err != nil {
		return model.SessionDescription{}, err
	}
	return answer, nil
}

// AddRemoteCandidate applies c, or queues it until the remote description
// is set. A rejected candidate is not fatal to the session.
func (n *Negotiator) AddRemoteCandidate(ctx context.Context, c model.ICECandidate) error {
	n.mx.Lock()
	switch {
	case n.state == StateClosed:
		n.mx.Unlock()
		return ErrClosed
	case !n.remoteSet:
		n.pending = append(n.pending, c)
		n.mx.Unlock()
		n.logger.Trace().Str("candidate", c.Candidate).Msg("candidate queued")
		return nil
	}
	n.mx.Unlock()

	if err := n.engine.AddICECandidate(ctx, c); err != nil {
		n.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("remote candidate rejected")
		return errors.Join(model.ErrNegotiationFailed, err)
	}
	return nil
}

// Close stops periodic work and releases the engine. Operations still in
// flight complete but their results are discarded.
func (n *Negotiator) Close() error {
	n.mx.Lock()
	if n.state == StateClosed {
		n.mx.Unlock()
		return nil
	}
	n.state = StateClosed
	n.pending = nil
	n.stopTickersLocked()
	n.mx.Unlock()

	n.wg.Wait()
	n.notify(StateClosed)
	return n.engine.Close()
}

func (n *Negotiator) begin(role model.Role, from State) error {
	n.mx.Lock()
	defer n.mx.Unlock()

	switch {
	case n.state == StateClosed:
		return ErrClosed
	case n.inFlight:
		return model.ErrNegotiationInProgress
	case n.role != role:
		return errors.Join(model.ErrProtocolViolation, ErrWrongRole)
	case n.state != from:
		return errors.Join(model.ErrProtocolViolation, ErrInvalidState)
	}
	n.inFlight = true
	return nil
}

// end finishes a suspending step. Engine errors fail the session.
func (n *Negotiator) end(engineErr error) error {
	n.mx.Lock()
	n.inFlight = false
	if n.state == StateClosed {
		n.mx.Unlock()
		return ErrClosed
	}
	if engineErr == nil {
		n.mx.Unlock()
		return nil
	}
	n.state = StateFailed
	n.stopTickersLocked()
	n.mx.Unlock()

	n.logger.Error().Err(engineErr).Msg("negotiation failed")
	n.notify(StateFailed)
	return errors.Join(model.ErrNegotiationFailed, engineErr)
}

// flushCandidates replays queued candidates in arrival order. Candidates
// that arrive meanwhile are queued behind them.
func (n *Negotiator) flushCandidates(ctx context.Context) {
	for {
		n.mx.Lock()
		if len(n.pending) == 0 || n.state == StateClosed {
			n.pending = nil
			n.remoteSet = true
			n.mx.Unlock()
			return
		}
		c := n.pending[0]
		n.pending = n.pending[1:]
		n.mx.Unlock()

		if err := n.engine.AddICECandidate(ctx, c); err != nil {
			n.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("queued candidate rejected, skipping")
		}
	}
}

func (n *Negotiator) connect() error {
	n.mx.Lock()
	switch n.state {
	case StateClosed:
		n.mx.Unlock()
		return ErrClosed
	case StateFailed:
		n.mx.Unlock()
		return model.ErrNegotiationFailed
	}
	n.state = StateConnected
	n.startTickersLocked()
	n.mx.Unlock()

	n.logger.Debug().Msg("negotiation complete")
	n.notify(StateConnected)
	return nil
}

func (n *Negotiator) setState(s State) {
	n.mx.Lock()
	if n.state == StateClosed || n.state == StateFailed {
		n.mx.Unlock()
		return
	}
	n.state = s
	n.mx.Unlock()
	n.notify(s)
}

func (n *Negotiator) notify(s State) {
	if n.onStateChange != nil {
		n.onStateChange(s)
	}
}

func (n *Negotiator) connectionStateChanged(cs ConnectionState) {
	n.logger.Debug().Str("connection", cs.String()).Msg("connection state changed")
	if cs != ConnectionFailed {
		return
	}

	n.mx.Lock()
	if n.state == StateClosed || n.state == StateFailed {
		n.mx.Unlock()
		return
	}
	n.state = StateFailed
	n.stopTickersLocked()
	n.mx.Unlock()

	n.logger.Error().Msg("media connection failed")
	n.notify(StateFailed)
}

func (n *Negotiator) startTickersLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	n.stopTicks = cancel

	n.wg.Add(1)
	go n.sampleStats(ctx)
	if n.role == model.RolePublisher {
		n.wg.Add(1)
		go n.refreshKeyframes(ctx)
	}
}

func (n *Negotiator) stopTickersLocked() {
	if n.stopTicks != nil {
		n.stopTicks()
		n.stopTicks = nil
	}
}

func (n *Negotiator) sampleStats(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.timing.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tctx, cancel := context.WithTimeout(ctx, n.timing.StatsInterval)
			stats, err := n.engine.Stats(tctx)
			cancel()
			if err != nil {
				n.logger.Debug().Err(err).Msg("stats sample unavailable")
				continue
			}
			n.logger.Debug().
				Uint32("packetsSent", stats.PacketsSent).
				Uint64("bytesSent", stats.BytesSent).
				Uint32("packetsReceived", stats.PacketsReceived).
				Uint64("bytesReceived", stats.BytesReceived).
				Int32("packetsLost", stats.PacketsLost).
				Float64("jitter", stats.Jitter).
				Msg("connection stats")
			if n.onStats != nil {
				n.onStats(stats)
			}
		}
	}
}

func (n *Negotiator) refreshKeyframes(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.timing.KeyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tctx, cancel := context.WithTimeout(ctx, n.timing.KeyframeInterval)
			if err := n.engine.NudgeEncoder(tctx); err != nil {
				n.logger.Trace().Err(err).Msg("keyframe nudge failed")
			}
			cancel()
		}
	}
}
