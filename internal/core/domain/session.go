package domain

// PeerID is the transport-level identifier of a participant. A Device's ID is
// always the PeerID of the remote end of its connection.
type PeerID string

type Role string

const (
	RoleAnchor Role = "anchor"
	RoleJoiner Role = "joiner"
)

const (
	AnchorIDPrefix = "ns-"
	JoinerIDPrefix = "nj-"
)

// SessionIdentity is decided once at start-up and never changes.
type SessionIdentity struct {
	Role           Role   `json:"role"`
	LocalID        PeerID `json:"local_id"`
	RemoteAnchorID PeerID `json:"remote_anchor_id,omitempty"`
	ShareLocator   string `json:"share_locator"`
}

func (s SessionIdentity) IsAnchor() bool {
	return s.Role == RoleAnchor
}
