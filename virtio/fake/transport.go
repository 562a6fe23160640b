// Package fake implements an in-memory virtio transport and virtqueues that
// stand in for a device in tests and simulations.
package fake

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/vsock/virtio"
)

// Transport is an in-memory [virtio.Transport]. With OnNotify unset, a notified
// queue has every available input-only chain consumed and recorded as sent.
type Transport struct {
	mu             sync.Mutex
	devType        virtio.DeviceID
	deviceFeatures uint64
	driverFeatures uint64
	config         []byte
	maxQueueSize   uint16
	status         virtio.DeviceStatus
	queues         map[uint16]*Queue
	notifies       map[uint16]int
	sent           [][]byte
	// OnNotify, if set, is called on every driver notification in place of the
	// default consumption. It is called without any transport lock held.
	OnNotify func(idx uint16)
	// FailSetup makes SetupQueue fail for the given queue index.
	FailSetup map[uint16]error
}

// NewTransport returns a transport for a device of type devType whose
// configuration space holds config.
func NewTransport(devType virtio.DeviceID, deviceFeatures uint64, config []byte) *Transport {
	return &Transport{
		devType:        devType,
		deviceFeatures: deviceFeatures,
		config:         config,
		maxQueueSize:   32,
		queues:         make(map[uint16]*Queue),
		notifies:       make(map[uint16]int),
	}
}

// SocketConfig returns a socket device configuration space carrying guestCID.
func SocketConfig(guestCID uint64) []byte {
	var cfg [8]byte
	binary.LittleEndian.PutUint32(cfg[0:], uint32(guestCID))
	binary.LittleEndian.PutUint32(cfg[4:], uint32(guestCID>>32))
	return cfg[:]
}

func (t *Transport) DeviceType() virtio.DeviceID { return t.devType }

func (t *Transport) BeginInit(negotiate func(deviceFeatures uint64) uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = virtio.StatusAcknowledge | virtio.StatusDriver
	t.driverFeatures = negotiate(t.deviceFeatures)
	if t.driverFeatures&^t.deviceFeatures != 0 {
		t.status |= virtio.StatusFailed
		return errors.Errorf("fake: driver accepted unoffered features %#x", t.driverFeatures&^t.deviceFeatures)
	}
	t.status |= virtio.StatusFeaturesOK
	return nil
}

func (t *Transport) FinishInit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status&virtio.StatusFeaturesOK == 0 {
		return errors.New("fake: FinishInit before BeginInit")
	}
	t.status |= virtio.StatusDriverOK
	return nil
}

func (t *Transport) ReadConfig32(offset uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(offset)+4 > uint64(len(t.config)) {
		return 0, virtio.ErrConfigSpace
	}
	return binary.LittleEndian.Uint32(t.config[offset:]), nil
}

func (t *Transport) SetupQueue(idx, size uint16) (virtio.Queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailSetup[idx]; err != nil {
		return nil, err
	}
	if size == 0 || size > t.maxQueueSize || size&(size-1) != 0 {
		return nil, virtio.ErrInvalidParam
	}
	if t.queues[idx] != nil {
		return nil, virtio.ErrAlreadyUsed
	}
	q := NewQueue(size)
	t.queues[idx] = q
	return q, nil
}

func (t *Transport) UnsetQueue(idx uint16) {
	t.mu.Lock()
	delete(t.queues, idx)
	t.mu.Unlock()
}

func (t *Transport) Notify(idx uint16) {
	t.mu.Lock()
	t.notifies[idx]++
	handler := t.OnNotify
	q := t.queues[idx]
	t.mu.Unlock()
	if handler != nil {
		handler(idx)
		return
	}
	if q == nil {
		return
	}
	packets := q.DeviceReadAll()
	t.mu.Lock()
	t.sent = append(t.sent, packets...)
	t.mu.Unlock()
}

// Queue returns the queue bound at idx or nil.
func (t *Transport) Queue(idx uint16) *Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queues[idx]
}

// Status returns the device status as driven by the driver.
func (t *Transport) Status() virtio.DeviceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// DriverFeatures returns the features accepted by the driver.
func (t *Transport) DriverFeatures() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.driverFeatures
}

// Notifications returns how many times queue idx has been notified.
func (t *Transport) Notifications(idx uint16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifies[idx]
}

// Sent returns the packets consumed by default notification handling and
// clears the record.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	sent := t.sent
	t.sent = nil
	return sent
}
