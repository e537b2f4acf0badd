package model

import "encoding/json"

// Endpoint roles within a room.
const (
	RolePublisher = "publisher"
	RoleReceiver  = "receiver"
)

// DefaultRoomID is used when a client joins without naming a room.
const DefaultRoomID = "lobby"

// Message types travelling over the relay channel.
const (
	// client -> server
	TypeJoin = "join"

	// server -> publisher, directed
	TypeRequestOffer = "request-offer"

	// server -> room, informational broadcasts
	TypePublisherJoined = "publisher-joined"
	TypePublisherLeft   = "publisher-left"
	TypeReceiverLeft    = "receiver-left"

	// either -> server -> room, opaque negotiation payloads
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Message is the wire envelope for everything on the signaling channel.
// SDP and Candidate are opaque blobs, the server never inspects them.
type Message struct {
	Type       string          `json:"type"`
	SRC        string          `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	DST        string          `json:"dst,omitempty"`
	RoomID     string          `json:"room_id,omitempty"`
	Role       string          `json:"role,omitempty"`
	ReceiverID string          `json:"receiver_id,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// IsNegotiation reports whether the message carries an opaque
// offer/answer/candidate payload that is relayed verbatim.
func (m *Message) IsNegotiation() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message, 16),
	}
}
