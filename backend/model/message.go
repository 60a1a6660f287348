package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Decode parses and validates one wire message.
func Decode(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, errors.Join(ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks that msg carries the fields its type requires.
func (msg *Message) Validate() error {
	switch msg.Type {
	case MessageTypeJoin:
		if msg.RoomID == "" {
			return fmt.Errorf("%w: join without roomId", ErrMalformed)
		}
		if !msg.Role.Valid() {
			return fmt.Errorf("%w: join with invalid role %q", ErrMalformed, msg.Role)
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if len(msg.SDP) == 0 {
			return fmt.Errorf("%w: %s without sdp", ErrMalformed, msg.Type)
		}
	case MessageTypeICE:
		if len(msg.Candidate) == 0 {
			return fmt.Errorf("%w: ice without candidate", ErrMalformed)
		}
	case MessageTypeError:
		if msg.Error == "" {
			return fmt.Errorf("%w: error without reason", ErrMalformed)
		}
	case MessageTypeJoined, MessageTypeLeave:
	case MessageTypePeerJoined, MessageTypePeerLeft:
		if msg.PeerID == "" {
			return fmt.Errorf("%w: %s without peerId", ErrMalformed, msg.Type)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return nil
}

// NewErrorMessage builds an error message carrying the reason code of err.
func NewErrorMessage(err error) Message {
	return Message{Type: MessageTypeError, Error: Reason(err)}
}

func NewOffer(roomID string, desc SessionDescription) (Message, error) {
	b, err := json.Marshal(&desc)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeOffer, RoomID: roomID, SDP: b}, nil
}

func NewAnswer(desc SessionDescription) (Message, error) {
	b, err := json.Marshal(&desc)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeAnswer, SDP: b}, nil
}

func NewICE(c ICECandidate) (Message, error) {
	b, err := json.Marshal(&c)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeICE, Candidate: b}, nil
}

func (msg *Message) SessionDescription() (SessionDescription, error) {
	var desc SessionDescription
	if err := json.Unmarshal(msg.SDP, &desc); err != nil {
		return desc, errors.Join(ErrMalformed, err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty sdp", ErrMalformed)
	}
	return desc, nil
}

func (msg *Message) ICECandidate() (ICECandidate, error) {
	var c ICECandidate
	if err := json.Unmarshal(msg.Candidate, &c); err != nil {
		return c, errors.Join(ErrMalformed, err)
	}
	return c, nil
}
