package negotiator

import (
	"context"
	"time"

	"github.com/adwski/screencast/backend/model"
)

// Track is a local media track handed to the engine. Engines may require a
// concrete track type of their media stack.
type Track interface {
	ID() string
	StreamID() string
}

type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// Stats is one connection statistics sample.
type Stats struct {
	Timestamp       time.Time
	PacketsSent     uint32
	BytesSent       uint64
	PacketsReceived uint32
	BytesReceived   uint64
	PacketsLost     int32
	Jitter          float64
}

// Engine is the media stack driving one peer connection. Description and
// candidate operations and Stats may block on the media stack.
type Engine interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (model.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (model.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc model.SessionDescription) error
	AddICECandidate(ctx context.Context, c model.ICECandidate) error
	OnICECandidate(fn func(c model.ICECandidate))
	OnConnectionStateChange(fn func(s ConnectionState))
	AddTrack(t Track) error
	Stats(ctx context.Context) (Stats, error)
	// NudgeEncoder asks the outbound video encoder for a fresh keyframe.
	NudgeEncoder(ctx context.Context) error
	Close() error
}
