package model

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

func (r Role) Valid() bool {
	return r == RolePublisher || r == RoleSubscriber
}

// Room is a catalog record. Live membership is owned by the router.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomSummary is what room listings expose.
type RoomSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	HasPublisher    bool   `json:"hasPublisher"`
	SubscriberCount int    `json:"subscriberCount"`
}

type MessageType string

// Signaling message types.
const (
	MessageTypeJoin   MessageType = "join"
	MessageTypeJoined MessageType = "joined"
	MessageTypeOffer  MessageType = "offer"
	MessageTypeAnswer MessageType = "answer"
	MessageTypeICE    MessageType = "ice"
	MessageTypeError  MessageType = "error"
	MessageTypeLeave  MessageType = "leave"

	// Sent by the router only.
	MessageTypePeerJoined MessageType = "peer-joined"
	MessageTypePeerLeft   MessageType = "peer-left"
)

// Message is the single wire shape for every signaling message.
// SDP and Candidate stay raw so the router relays them untouched.
type Message struct {
	Type      MessageType     `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Role      Role            `json:"role,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Error     string          `json:"error,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Room event types.
const (
	RoomEventCreated          = "room-created"
	RoomEventDeleted          = "room-deleted"
	RoomEventPublisherJoined  = "publisher-joined"
	RoomEventPublisherLeft    = "publisher-left"
	RoomEventSubscriberJoined = "subscriber-joined"
	RoomEventSubscriberLeft   = "subscriber-left"
)

// RoomEvent describes one membership mutation. Seq is monotonic per room.
type RoomEvent struct {
	Seq             uint64 `json:"seq"`
	Type            string `json:"type"`
	RoomID          string `json:"roomId"`
	PeerID          string `json:"peerId,omitempty"`
	HasPublisher    bool   `json:"hasPublisher"`
	SubscriberCount int    `json:"subscriberCount"`
}

// Endpoint is where the router delivers messages for one connection.
type Endpoint interface {
	// Deliver enqueues msg without blocking. It returns false if the
	// message could not be queued.
	Deliver(msg Message) bool
	// Closed reports whether the underlying connection is gone.
	Closed() bool
}
