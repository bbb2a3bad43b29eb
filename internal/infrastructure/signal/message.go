package signal

import (
	"encoding/json"
	"time"

	"beamdrop/internal/core/domain"
)

type MessageType string

const (
	// Broker to peer.
	TypeOpen            MessageType = "open"
	TypeIDTaken         MessageType = "id_taken"
	TypePeerUnavailable MessageType = "peer_unavailable"
	TypeError           MessageType = "error"

	// Relayed between peers.
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice_candidate"

	// Peer to broker.
	TypeLeave MessageType = "leave"
)

// Message is the broker envelope. On relayed messages PeerID is the sender,
// stamped by the broker; on peer_unavailable it names the unreachable target.
type Message struct {
	Type       MessageType     `json:"type"`
	PeerID     domain.PeerID   `json:"peer_id,omitempty"`
	TargetPeer domain.PeerID   `json:"target_peer,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (m *Message) relayed() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// OpenPayload is sent with TypeOpen when the broker issues reconnect tokens.
type OpenPayload struct {
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type TokenResponse struct {
	PeerID    domain.PeerID `json:"peer_id"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
}
