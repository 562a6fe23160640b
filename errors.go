package vsock

import (
	"strconv"

	"github.com/pkg/errors"
)

var (
	// ErrBufferTooShort indicates a received packet is shorter than its header
	// or than the body length the header declares.
	ErrBufferTooShort = errors.New("vsock: buffer too short")

	// ErrOutputBufferTooShort is matched by *OutputBufferTooShortError.
	ErrOutputBufferTooShort = errors.New("vsock: output buffer too short")

	// ErrInvalidNumber indicates the length of a packet can not be represented.
	ErrInvalidNumber = errors.New("vsock: invalid number")

	// ErrInvalidOperation indicates a packet carries an unknown operation code.
	ErrInvalidOperation = errors.New("vsock: invalid operation")

	// ErrUnexpectedDataInPacket indicates a packet that must not carry a body declares one.
	ErrUnexpectedDataInPacket = errors.New("vsock: unexpected data in packet")

	// ErrInsufficientBufferSpaceInPeer indicates the peer has not advertised
	// enough free buffer space for the data. A credit request has been sent
	// if one was not already pending; retry once a credit update arrives.
	ErrInsufficientBufferSpaceInPeer = errors.New("vsock: insufficient buffer space in peer")

	// ErrClosed indicates the driver has been closed.
	ErrClosed = errors.New("vsock: driver closed")

	// ErrNotConnected indicates the connection has not been established or has been shut down.
	ErrNotConnected = errors.New("vsock: not connected")

	// ErrConnectionReset indicates the peer reset the connection.
	ErrConnectionReset = errors.New("vsock: connection reset by peer")

	// ErrConnectionRefused indicates the peer rejected a connection request.
	ErrConnectionRefused = errors.New("vsock: connection refused")
)

// OutputBufferTooShortError is returned when the buffer passed to receive a
// packet body can not hold it.
type OutputBufferTooShortError struct {
	// Required is the length of the body.
	Required int
}

func (e *OutputBufferTooShortError) Error() string {
	return "vsock: output buffer too short, need " + strconv.Itoa(e.Required) + " bytes"
}

func (e *OutputBufferTooShortError) Is(target error) bool {
	return target == ErrOutputBufferTooShort
}
