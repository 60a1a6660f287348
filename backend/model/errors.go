package model

import (
	"errors"
	"strings"
)

// Error taxonomy. Error strings double as wire reason codes.
var (
	ErrCaptureFailed         = errors.New("capture-failed")
	ErrSignalingUnreachable  = errors.New("signaling-unreachable")
	ErrProtocolViolation     = errors.New("protocol-violation")
	ErrPublisherOccupied     = errors.New("publisher-occupied")
	ErrNegotiationInProgress = errors.New("negotiation-already-in-progress")
	ErrNegotiationFailed     = errors.New("negotiation-failed")
	ErrRemote                = errors.New("remote-error")
	ErrRoomNotFound          = errors.New("room-not-found")
)

var reasons = []error{
	ErrCaptureFailed,
	ErrSignalingUnreachable,
	ErrProtocolViolation,
	ErrPublisherOccupied,
	ErrNegotiationInProgress,
	ErrNegotiationFailed,
	ErrRoomNotFound,
}

// Reason returns the wire reason code for err. Unknown errors map to
// protocol-violation since the router only rejects for protocol reasons.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r) {
			return r.Error()
		}
	}
	return ErrProtocolViolation.Error()
}

// ReasonError maps a wire reason code back to its sentinel, or nil.
func ReasonError(reason string) error {
	for _, r := range reasons {
		if r.Error() == reason {
			return r
		}
	}
	return nil
}

// RemoteError is an error reported by the router in an error message.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return ErrRemote.Error() + ": " + e.Reason
}

// Is matches ErrRemote and the sentinel named by Reason, so callers can test
// errors.Is(err, ErrPublisherOccupied) on a remote rejection.
func (e *RemoteError) Is(target error) bool {
	if target == ErrRemote {
		return true
	}
	sentinel := ReasonError(strings.ToLower(e.Reason))
	return sentinel != nil && target == sentinel
}
