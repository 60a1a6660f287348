package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwski/screencast/backend/model"
	"github.com/adwski/screencast/client/media/pionengine"
	"github.com/adwski/screencast/client/negotiator"
	"github.com/adwski/screencast/client/supervisor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func notifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newPublishCmd(opts *options) *cobra.Command {
	var (
		source string
		loop   bool
	)
	cmd := &cobra.Command{
		Use:   "publish <room-id>",
		Short: "Publish a VP8 IVF file into a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			capture := pionengine.NewIVFSource(pionengine.IVFConfig{
				Logger: logger,
				Path:   source,
				Loop:   loop,
			})
			return runSession(cmd.Context(), opts, logger, sessionParams{
				roomID:     args[0],
				role:       model.RolePublisher,
				capture:    capture,
				onKeyframe: capture.RequestKeyframe,
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "VP8 IVF file to publish")
	cmd.Flags().BoolVar(&loop, "loop", false, "restart the file when it ends")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newSubscribeCmd(opts *options) *cobra.Command {
	var record string
	cmd := &cobra.Command{
		Use:   "subscribe <room-id>",
		Short: "Watch the publisher of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			logger, err := opts.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			params := sessionParams{
				roomID: args[0],
				role:   model.RoleSubscriber,
			}
			if record != "" {
				rec := pionengine.NewRecorder(logger, record)
				defer func() {
					err = errors.Join(err, rec.Close())
				}()
				params.onTrack = rec.HandleTrack
			}
			return runSession(cmd.Context(), opts, logger, params)
		},
	}
	cmd.Flags().StringVar(&record, "record", "", "write received video to this IVF file")
	return cmd
}

type sessionParams struct {
	roomID     string
	role       model.Role
	capture    supervisor.Capture
	onKeyframe func()
	onTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// runSession runs one supervised session until it fails or the process
// is interrupted.
func runSession(ctx context.Context, opts *options, logger *zerolog.Logger, p sessionParams) error {
	api, err := pionengine.NewAPI()
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Config{
		Logger:   logger,
		Endpoint: opts.signalingURL,
		Capture:  p.capture,
		NewEngine: func(_ context.Context, role model.Role) (negotiator.Engine, error) {
			return pionengine.New(api, role, pionengine.Config{
				Logger:            logger,
				ICEServers:        opts.iceServers,
				OnTrack:           p.onTrack,
				OnKeyframeRequest: p.onKeyframe,
			})
		},
		OnStateChange: func(s supervisor.State) {
			logger.Info().Str("state", string(s)).Msg("session state changed")
		},
		OnStats: func(peerID string, s negotiator.Stats) {
			logger.Info().
				Str("peerID", peerID).
				Uint64("bytesSent", s.BytesSent).
				Uint64("bytesReceived", s.BytesReceived).
				Int32("packetsLost", s.PacketsLost).
				Msg("stats")
		},
	})

	ctx, cancel := notifyContext(ctx)
	defer cancel()

	if err = sup.Start(ctx, p.roomID, p.role, supervisor.MediaConfig{}); err != nil {
		return errors.Join(err, sup.Stop())
	}
	select {
	case <-ctx.Done():
		logger.Info().Msg("interrupted, leaving room")
	case <-sup.Done():
	}

	stopErr := sup.Stop()
	if err = sup.Err(); err != nil {
		return fmt.Errorf("session ended: %w", err)
	}
	return stopErr
}
