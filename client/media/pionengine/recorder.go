package pionengine

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog"
)

// Recorder writes the received VP8 track to an IVF file. Other tracks are
// drained and dropped.
type Recorder struct {
	logger zerolog.Logger
	path   string

	mx      *sync.Mutex
	writer  *ivfwriter.IVFWriter
	packets int
}

func NewRecorder(logger *zerolog.Logger, path string) *Recorder {
	return &Recorder{
		logger: logger.With().Str("component", "recorder").Str("path", path).Logger(),
		path:   path,
		mx:     &sync.Mutex{},
	}
}

// HandleTrack matches the engine OnTrack callback.
func (r *Recorder) HandleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeVP8) {
		r.logger.Debug().Str("codec", track.Codec().MimeType).Msg("track is not recorded")
		drain(track)
		return
	}

	r.mx.Lock()
	if r.writer == nil {
		w, err := ivfwriter.New(r.path)
		if err != nil {
			r.mx.Unlock()
			r.logger.Error().Err(err).Msg("cannot create recording")
			drain(track)
			return
		}
		r.writer = w
	}
	r.mx.Unlock()

	r.logger.Info().Msg("recording started")
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug().Err(err).Msg("track read failed")
			}
			return
		}
		if err = r.write(pkt); err != nil {
			r.logger.Error().Err(err).Msg("failed to write packet")
			return
		}
	}
}

func (r *Recorder) write(pkt *rtp.Packet) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.writer == nil {
		return io.ErrClosedPipe
	}
	r.packets++
	return r.writer.WriteRTP(pkt)
}

func (r *Recorder) Packets() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.packets
}

func (r *Recorder) Close() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	if err != nil {
		return fmt.Errorf("cannot finalize recording: %w", err)
	}
	return nil
}

func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
