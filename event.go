package vsock

import (
	"log/slog"
	"strconv"
)

// EventType is the kind of an Event.
type EventType uint8

const (
	_ EventType = iota
	// EventConnected: the peer accepted our connection request.
	EventConnected
	// EventDisconnected: the connection was closed, see Event.Reason.
	EventDisconnected
	// EventReceived: Event.Length bytes of data were received.
	EventReceived
	// EventCreditRequest: the peer wants a credit update. Reply with Driver.CreditUpdate.
	EventCreditRequest
	// EventCreditUpdate: the peer sent a credit update with nothing else.
	EventCreditUpdate
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReceived:
		return "received"
	case EventCreditRequest:
		return "credit-request"
	case EventCreditUpdate:
		return "credit-update"
	default:
		return "EventType(" + strconv.Itoa(int(t)) + ")"
	}
}

// DisconnectReason is the reason a connection was closed.
type DisconnectReason uint8

const (
	_ DisconnectReason = iota
	// DisconnectReset: the peer closed the connection in response to our
	// shutdown, or forcibly closed it of its own accord.
	DisconnectReset
	// DisconnectShutdown: the peer asked to shut down the connection.
	DisconnectShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectReset:
		return "reset"
	case DisconnectShutdown:
		return "shutdown"
	default:
		return "DisconnectReason(" + strconv.Itoa(int(r)) + ")"
	}
}

// BufferStatus is the peer's credit information piggybacked on every packet.
type BufferStatus struct {
	// BufferAllocation is the receive buffer space the peer has for the connection.
	BufferAllocation uint32
	// ForwardCount is the number of bytes the peer has consumed.
	ForwardCount uint32
}

// Event is a decoded packet received from the device.
type Event struct {
	// Source is the peer that sent the packet.
	Source Addr
	// Destination is the CID and port on our side.
	Destination Addr
	BufferStatus
	Type EventType
	// Reason is set for EventDisconnected.
	Reason DisconnectReason
	// Length is the number of body bytes for EventReceived.
	Length int
}

// MatchesConnection reports whether the event belongs to the connection
// described by ci on a driver with guestCID.
func (ev *Event) MatchesConnection(ci *ConnectionInfo, guestCID uint64) bool {
	return ev.Source == ci.Dst &&
		ev.Destination.CID == guestCID &&
		ev.Destination.Port == ci.SrcPort
}

func (ev Event) String() string {
	s := ev.Type.String() + " " + ev.Source.String() + "->" + ev.Destination.String()
	switch ev.Type {
	case EventDisconnected:
		s += " reason=" + ev.Reason.String()
	case EventReceived:
		s += " len=" + strconv.Itoa(ev.Length)
	}
	return s
}

// LogValue implements slog.LogValuer.
func (ev Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", ev.Type.String()),
		slog.String("src", ev.Source.String()),
		slog.String("dst", ev.Destination.String()),
		slog.Uint64("buf_alloc", uint64(ev.BufferAllocation)),
		slog.Uint64("fwd_cnt", uint64(ev.ForwardCount)),
	}
	switch ev.Type {
	case EventDisconnected:
		attrs = append(attrs, slog.String("reason", ev.Reason.String()))
	case EventReceived:
		attrs = append(attrs, slog.Int("len", ev.Length))
	}
	return slog.GroupValue(attrs...)
}
