// Package pionengine implements the media engine on top of pion/webrtc.
package pionengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/client/negotiator"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultPLIDelay = 500 * time.Millisecond

var ErrUnsupportedTrack = errors.New("track is not a pion local track")

var _ negotiator.Engine = (*Engine)(nil)

type Config struct {
	Logger     *zerolog.Logger
	ICEServers []string

	// OnTrack receives remote media. It is called on its own goroutine.
	OnTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnKeyframeRequest is called when a remote peer asks for a keyframe
	// or the encoder is nudged.
	OnKeyframeRequest func()
	// PLIDelay is how long a subscriber waits after a remote track starts
	// before asking for a keyframe.
	PLIDelay time.Duration
}

// Engine drives one pion peer connection.
type Engine struct {
	logger     zerolog.Logger
	pc         *webrtc.PeerConnection
	role       model.Role
	onKeyframe func()
	pliDelay   time.Duration
	done       chan struct{}
	closeOnce  sync.Once
	wg         *sync.WaitGroup
}

// NewAPI builds a pion API with default codecs and interceptors (NACK,
// RTCP reports, TWCC).
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

func New(api *webrtc.API, role model.Role, cfg Config) (*Engine, error) {
	var iceServers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("cannot create peer connection: %w", err)
	}

	pliDelay := cfg.PLIDelay
	if pliDelay <= 0 {
		pliDelay = defaultPLIDelay
	}
	e := &Engine{
		logger:     cfg.Logger.With().Str("component", "pion-engine").Str("role", string(role)).Logger(),
		pc:         pc,
		role:       role,
		onKeyframe: cfg.OnKeyframeRequest,
		pliDelay:   pliDelay,
		done:       make(chan struct{}),
		wg:         &sync.WaitGroup{},
	}

	if role == model.RoleSubscriber {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err = pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("cannot add %s transceiver: %w", kind, err)
			}
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.logger.Debug().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Uint32("ssrc", uint32(track.SSRC())).
			Msg("remote track started")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			e.wg.Add(1)
			go e.requestKeyframe(track)
		}
		if cfg.OnTrack != nil {
			cfg.OnTrack(track, receiver)
		}
	})
	return e, nil
}

// requestKeyframe asks the sender for a keyframe once the track settled so
// the picture does not wait for the next periodic one.
func (e *Engine) requestKeyframe(track *webrtc.TrackRemote) {
	defer e.wg.Done()
	select {
	case <-e.done:
		return
	case <-time.After(e.pliDelay):
	}
	if err := e.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	}); err != nil {
		e.logger.Debug().Err(err).Msg("failed to send PLI")
	}
}

func (e *Engine) CreateOffer(ctx context.Context) (model.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return model.SessionDescription{}, err
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return model.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err = e.pc.SetLocalDescription(offer); err != nil {
		return model.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return model.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (e *Engine) CreateAnswer(ctx context.Context) (model.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return model.SessionDescription{}, err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return model.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err = e.pc.SetLocalDescription(answer); err != nil {
		return model.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return model.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (e *Engine) SetRemoteDescription(ctx context.Context, desc model.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown description type %q", desc.Type)
	}
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

func (e *Engine) AddICECandidate(ctx context.Context, c model.ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (e *Engine) OnICECandidate(fn func(c model.ICECandidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// gathering complete
			return
		}
		init := c.ToJSON()
		fn(model.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (e *Engine) OnConnectionStateChange(fn func(s negotiator.ConnectionState)) {
	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connectionState(s))
	})
}

func connectionState(s webrtc.PeerConnectionState) negotiator.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return negotiator.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiator.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiator.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiator.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiator.ConnectionClosed
	default:
		return negotiator.ConnectionNew
	}
}

// AddTrack adds a local track. Keyframe requests from the remote side are
// forwarded to OnKeyframeRequest.
func (e *Engine) AddTrack(t negotiator.Track) error {
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return ErrUnsupportedTrack
	}
	sender, err := e.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("cannot add track %q: %w", t.ID(), err)
	}
	e.wg.Add(1)
	go e.readRTCP(sender)
	return nil
}

// readRTCP drains sender RTCP so interceptors keep working and picks out
// keyframe requests.
func (e *Engine) readRTCP(sender *webrtc.RTPSender) {
	defer e.wg.Done()
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				e.logger.Trace().Msg("keyframe requested by peer")
				e.keyframe()
			}
		}
	}
}

func (e *Engine) keyframe() {
	if e.onKeyframe != nil {
		e.onKeyframe()
	}
}

// Stats sums RTP stream stats over all streams of the connection.
func (e *Engine) Stats(ctx context.Context) (negotiator.Stats, error) {
	if err := ctx.Err(); err != nil {
		return negotiator.Stats{}, err
	}
	out := negotiator.Stats{Timestamp: time.Now()}
	for _, s := range e.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			addOutbound(&out, &st)
		case *webrtc.OutboundRTPStreamStats:
			addOutbound(&out, st)
		case webrtc.InboundRTPStreamStats:
			addInbound(&out, &st)
		case *webrtc.InboundRTPStreamStats:
			addInbound(&out, st)
		}
	}
	return out, nil
}

func addOutbound(out *negotiator.Stats, st *webrtc.OutboundRTPStreamStats) {
	out.PacketsSent += st.PacketsSent
	out.BytesSent += st.BytesSent
}

func addInbound(out *negotiator.Stats, st *webrtc.InboundRTPStreamStats) {
	out.PacketsReceived += st.PacketsReceived
	out.BytesReceived += st.BytesReceived
	out.PacketsLost += st.PacketsLost
	if st.Jitter > out.Jitter {
		out.Jitter = st.Jitter
	}
}

// NudgeEncoder asks the local source for a keyframe.
func (e *Engine) NudgeEncoder(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.role != model.RolePublisher {
		return nil
	}
	e.keyframe()
	return nil
}

func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.pc.Close()
		e.wg.Wait()
	})
	return err
}
