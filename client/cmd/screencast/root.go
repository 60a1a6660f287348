package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/adwski/screencast/client/rooms"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	defaultSignalingURL = "ws://localhost:8888/ws"
	defaultAPIURL       = "http://localhost:8080"
)

// options are shared by all commands.
type options struct {
	signalingURL string
	apiURL       string
	logLevel     string
	iceServers   []string
}

func (o *options) logger(w io.Writer) (*zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
	return &logger, nil
}

func (o *options) roomsClient(w io.Writer) (*rooms.Client, error) {
	logger, err := o.logger(w)
	if err != nil {
		return nil, err
	}
	return rooms.NewClient(rooms.Config{Logger: logger, BaseURL: o.apiURL}), nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "screencast",
		Short: "Share a screen into a room or watch one",
		Long: `screencast publishes a video source into a signaling room or subscribes to
the room's publisher over WebRTC.

Examples:
  screencast rooms create "design review"
  screencast publish <room-id> --source screen.ivf --loop
  screencast subscribe <room-id> --record out.ivf`,
		SilenceUsage: true,
	}
	cmd.SetErr(os.Stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.signalingURL, "signaling", "s", defaultSignalingURL, "signaling websocket endpoint")
	flags.StringVarP(&opts.apiURL, "api", "a", defaultAPIURL, "room API base url")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "info", "log level")
	flags.StringSliceVar(&opts.iceServers, "ice-server", nil, "STUN/TURN server url, may be repeated")

	cmd.AddCommand(
		newPublishCmd(opts),
		newSubscribeCmd(opts),
		newRoomsCmd(opts),
	)
	return cmd
}
