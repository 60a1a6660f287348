package pionengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/screencast/client/negotiator"
	"github.com/adwski/screencast/client/supervisor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"
)

const (
	fourCCVP8 = "VP80"

	defaultFrameDuration = time.Second / 30
)

var (
	ErrAlreadyAcquired = errors.New("capture is already acquired")
	ErrNoSource        = errors.New("no capture source configured")
	ErrUnsupportedFile = errors.New("unsupported ivf stream")
)

type IVFConfig struct {
	Logger *zerolog.Logger
	// Path is used when the media config does not name a source.
	Path string
	// Loop restarts playback at the end of the file.
	Loop bool
}

var _ supervisor.Capture = (*IVFSource)(nil)

// IVFSource plays a VP8 IVF file into a local track. It stands in for a
// screen capturer.
type IVFSource struct {
	logger zerolog.Logger
	cfg    IVFConfig

	mx        *sync.Mutex
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	keyframes atomic.Int64
}

func NewIVFSource(cfg IVFConfig) *IVFSource {
	return &IVFSource{
		logger: cfg.Logger.With().Str("component", "ivf-source").Logger(),
		cfg:    cfg,
		mx:     &sync.Mutex{},
		wg:     &sync.WaitGroup{},
	}
}

// Acquire opens the file and starts pacing frames into a new track.
func (s *IVFSource) Acquire(_ context.Context, mc supervisor.MediaConfig) ([]negotiator.Track, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.cancel != nil {
		return nil, ErrAlreadyAcquired
	}

	path := mc.Source
	if path == "" {
		path = s.cfg.Path
	}
	if path == "" {
		return nil, ErrNoSource
	}

	f, reader, frameDuration, err := openIVF(path)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screen")
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot create track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.play(ctx, path, f, reader, frameDuration, track)

	s.logger.Debug().Str("path", path).Dur("frame", frameDuration).Msg("capture started")
	return []negotiator.Track{track}, nil
}

// Release stops playback. It is safe to call when nothing is acquired.
func (s *IVFSource) Release() error {
	s.mx.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mx.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.logger.Debug().Msg("capture released")
	return nil
}

// RequestKeyframe records a keyframe request. File frames are pre-encoded,
// so the next keyframe in the file serves it.
func (s *IVFSource) RequestKeyframe() {
	s.keyframes.Add(1)
	s.logger.Trace().Msg("keyframe requested")
}

func (s *IVFSource) KeyframeRequests() int64 {
	return s.keyframes.Load()
}

func openIVF(path string) (*os.File, *ivfreader.IVFReader, time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("cannot open capture source: %w", err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, 0, errors.Join(ErrUnsupportedFile, err)
	}
	if header.FourCC != fourCCVP8 {
		_ = f.Close()
		return nil, nil, 0, fmt.Errorf("%w: codec %q", ErrUnsupportedFile, header.FourCC)
	}
	frameDuration := defaultFrameDuration
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Duration(header.TimebaseNumerator) * time.Second /
			time.Duration(header.TimebaseDenominator)
	}
	return f, reader, frameDuration, nil
}

func (s *IVFSource) play(
	ctx context.Context,
	path string,
	f *os.File,
	reader *ivfreader.IVFReader,
	frameDuration time.Duration,
	track *webrtc.TrackLocalStaticSample,
) {
	defer s.wg.Done()
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !s.cfg.Loop {
				s.logger.Debug().Msg("end of capture source")
				return
			}
			_ = f.Close()
			if f, reader, _, err = openIVF(path); err != nil {
				s.logger.Error().Err(err).Msg("cannot restart capture source")
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to read frame")
			return
		}
		if err = track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			s.logger.Debug().Err(err).Msg("failed to write sample")
		}
	}
}
