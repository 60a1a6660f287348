// Package negotiatortest provides a scripted media engine for tests.
package negotiatortest

import (
	"context"
	"fmt"
	"sync"

	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/client/negotiator"
)

// Engine records every call and fails on demand.
type Engine struct {
	mx sync.Mutex

	OfferErr  error
	AnswerErr error
	RemoteErr error
	StatsErr  error
	NudgeErr  error
	// RejectCandidates makes AddICECandidate fail for these candidates.
	RejectCandidates map[string]bool
	// Gate, when set, blocks description operations until it is closed.
	Gate chan struct{}
	// Entered receives once per blocking description operation.
	Entered chan struct{}

	calls       []string
	applied     []string
	tracks      []negotiator.Track
	remote      *model.SessionDescription
	onCandidate func(model.ICECandidate)
	onState     func(negotiator.ConnectionState)
	offers      int
	nudges      int
	samples     int
	closed      bool
}

func NewEngine() *Engine {
	return &Engine{RejectCandidates: make(map[string]bool)}
}

func (e *Engine) record(call string) {
	e.mx.Lock()
	e.calls = append(e.calls, call)
	e.mx.Unlock()
}

func (e *Engine) wait(ctx context.Context) error {
	e.mx.Lock()
	gate, entered := e.Gate, e.Entered
	e.mx.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) CreateOffer(ctx context.Context) (model.SessionDescription, error) {
	e.record("create-offer")
	if err := e.wait(ctx); err != nil {
		return model.SessionDescription{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.OfferErr != nil {
		return model.SessionDescription{}, e.OfferErr
	}
	e.offers++
	return model.SessionDescription{Type: "offer", SDP: fmt.Sprintf("fake-offer-%d", e.offers)}, nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (model.SessionDescription, error) {
	e.record("create-answer")
	if err := e.wait(ctx); err != nil {
		return model.SessionDescription{}, err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.AnswerErr != nil {
		return model.SessionDescription{}, e.AnswerErr
	}
	return model.SessionDescription{Type: "answer", SDP: "fake-answer"}, nil
}

func (e *Engine) SetRemoteDescription(ctx context.Context, desc model.SessionDescription) error {
	e.record("set-remote:" + desc.Type)
	if err := e.wait(ctx); err != nil {
		return err
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.RemoteErr != nil {
		return e.RemoteErr
	}
	e.remote = &desc
	return nil
}

func (e *Engine) AddICECandidate(_ context.Context, c model.ICECandidate) error {
	e.record("add-candidate:" + c.Candidate)
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.remote == nil {
		return fmt.Errorf("remote description is not set")
	}
	if e.RejectCandidates[c.Candidate] {
		return fmt.Errorf("invalid candidate %q", c.Candidate)
	}
	e.applied = append(e.applied, c.Candidate)
	return nil
}

func (e *Engine) OnICECandidate(fn func(c model.ICECandidate)) {
	e.mx.Lock()
	e.onCandidate = fn
	e.mx.Unlock()
}

func (e *Engine) OnConnectionStateChange(fn func(s negotiator.ConnectionState)) {
	e.mx.Lock()
	e.onState = fn
	e.mx.Unlock()
}

func (e *Engine) AddTrack(t negotiator.Track) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.tracks = append(e.tracks, t)
	return nil
}

func (e *Engine) Stats(_ context.Context) (negotiator.Stats, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.samples++
	if e.StatsErr != nil {
		return negotiator.Stats{}, e.StatsErr
	}
	return negotiator.Stats{PacketsSent: uint32(e.samples)}, nil
}

func (e *Engine) NudgeEncoder(_ context.Context) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.nudges++
	return e.NudgeErr
}

func (e *Engine) Close() error {
	e.record("close")
	e.mx.Lock()
	defer e.mx.Unlock()
	e.closed = true
	return nil
}

// EmitCandidate simulates a locally gathered candidate.
func (e *Engine) EmitCandidate(c model.ICECandidate) {
	e.mx.Lock()
	fn := e.onCandidate
	e.mx.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitState simulates a connection state change.
func (e *Engine) EmitState(s negotiator.ConnectionState) {
	e.mx.Lock()
	fn := e.onState
	e.mx.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (e *Engine) Calls() []string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return append([]string(nil), e.calls...)
}

// Applied returns accepted remote candidates in application order.
func (e *Engine) Applied() []string {
	e.mx.Lock()
	defer e.mx.Unlock()
	return append([]string(nil), e.applied...)
}

func (e *Engine) Tracks() []negotiator.Track {
	e.mx.Lock()
	defer e.mx.Unlock()
	return append([]negotiator.Track(nil), e.tracks...)
}

func (e *Engine) Closed() bool {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.closed
}

func (e *Engine) Nudges() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.nudges
}

func (e *Engine) Samples() int {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.samples
}
