// Package virtio declares the virtio collaborators a device driver is written
// against: the transport that reaches the device, the queues shared with it
// and the allocator of device-visible memory.
package virtio

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	SocketDeviceID  = DeviceID(19)
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"
	case NetworkDeviceID:
		return "network"
	case BlockDeviceID:
		return "block"
	case ConsoleDeviceID:
		return "console"
	case SocketDeviceID:
		return "socket"
	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}

// DeviceStatus is the device status field driven during initialization.
type DeviceStatus uint32

const (
	StatusAcknowledge DeviceStatus = 1 << 0
	StatusDriver      DeviceStatus = 1 << 1
	StatusDriverOK    DeviceStatus = 1 << 2
	StatusFeaturesOK  DeviceStatus = 1 << 3
	StatusNeedsReset  DeviceStatus = 1 << 6
	StatusFailed      DeviceStatus = 1 << 7
)

// Reserved feature bits shared by all device types.
const (
	FIndirectDesc = 1 << 28
	FEventIdx     = 1 << 29
	FVersion1     = 1 << 32
)

// Token identifies a descriptor chain submitted to a Queue. It is valid from
// the Add that returns it until the PopUsed that consumes it.
type Token uint16

var (
	ErrQueueFull     = errors.New("virtio: queue full")
	ErrNotReady      = errors.New("virtio: no used buffer ready")
	ErrWrongToken    = errors.New("virtio: token is not next used")
	ErrWrongBuffer   = errors.New("virtio: buffers do not match token")
	ErrAlreadyUsed   = errors.New("virtio: queue already set up")
	ErrInvalidParam  = errors.New("virtio: invalid parameter")
	ErrConfigSpace   = errors.New("virtio: config space access out of range")
	ErrDeviceMissing = errors.New("virtio: device not present")
)

// Queue is one virtqueue as seen from the driver.
type Queue interface {
	// Add submits a descriptor chain made of device-readable inputs followed by
	// device-writable outputs. The buffers belong to the device until the chain
	// is popped.
	Add(inputs, outputs [][]byte) (Token, error)
	// PeekUsed returns the token of the next chain the device has finished
	// with, without removing it.
	PeekUsed() (Token, bool)
	// PopUsed removes the used chain identified by tok. The same buffers passed
	// to Add must be passed again. It returns the number of bytes the device
	// wrote to outputs.
	PopUsed(tok Token, inputs, outputs [][]byte) (uint32, error)
	// ShouldNotify reports whether the device currently wants to be notified
	// of newly available buffers.
	ShouldNotify() bool
	// Size is the number of descriptors in the queue.
	Size() uint16
}

// Transport reaches a device through some bus (MMIO, PCI, a simulation).
type Transport interface {
	DeviceType() DeviceID
	// BeginInit resets the device, acknowledges it and negotiates features.
	// negotiate receives the device's feature bits and returns the subset
	// the driver accepts.
	BeginInit(negotiate func(deviceFeatures uint64) uint64) error
	// FinishInit marks the driver as ready.
	FinishInit() error
	// ReadConfig32 reads a 32 bit field of the device configuration space.
	ReadConfig32(offset uint32) (uint32, error)
	// SetupQueue creates queue idx with size descriptors and binds it to the device.
	SetupQueue(idx, size uint16) (Queue, error)
	// UnsetQueue unbinds queue idx from the device. After it returns the
	// device no longer accesses buffers submitted to that queue.
	UnsetQueue(idx uint16)
	// Notify tells the device there are new buffers in queue idx.
	Notify(idx uint16)
}

// Allocator provides memory the device can access.
type Allocator interface {
	DMAAlloc(size int) ([]byte, error)
	DMAFree(buf []byte)
}

// HeapAllocator allocates from the Go heap. Suitable for devices sharing the
// driver's view of memory, such as simulated ones.
type HeapAllocator struct{}

func (HeapAllocator) DMAAlloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidParam
	}
	return make([]byte, size), nil
}

func (HeapAllocator) DMAFree([]byte) {}
