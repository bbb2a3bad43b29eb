package ports

import (
	"context"

	"beamdrop/internal/core/domain"
)

type EventKind int

const (
	// EventIncoming announces a connection initiated by a remote peer.
	EventIncoming EventKind = iota
	// EventOpened fires once the local side of a connection can send.
	EventOpened
	// EventData carries one complete protocol message.
	EventData
	EventClosed
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventIncoming:
		return "incoming"
	case EventOpened:
		return "opened"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type TransportEvent struct {
	Kind EventKind
	Conn Connection
	Data []byte
	Err  error
}

// Connection is a reliable, ordered, message-oriented channel to one peer.
type Connection interface {
	ID() domain.PeerID
	Outbound() bool
	Open() bool
	Send(data []byte) error
	Close() error
}

// Transport establishes connections and reports their lifecycle on a single
// event stream. Events for one connection are delivered in order.
type Transport interface {
	LocalID() domain.PeerID
	// Ready is closed once the local peer is registered and reachable.
	Ready() <-chan struct{}
	// Connect starts dialing remoteID. The returned connection reports
	// EventOpened or EventErrored later; an error return means the attempt
	// could not be started.
	Connect(ctx context.Context, remoteID domain.PeerID) (Connection, error)
	Events() <-chan TransportEvent
	Close() error
}
