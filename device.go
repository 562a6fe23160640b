package vsock

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/vsock/virtio"
	"github.com/soypat/vsock/vsockhdr"
)

// supportedFeatures are the device features the driver negotiates.
const supportedFeatures uint64 = 0

// slotState tracks ownership of a receive slot.
type slotState uint8

const (
	slotUnallocated slotState = iota
	// slotSubmitted: on loan to the device.
	slotSubmitted
	// slotPending: popped from the device and about to be resubmitted.
	slotPending
)

type Config struct {
	// Logger receives driver logs. Nil disables logging.
	Logger *slog.Logger
	// Allocator provides receive buffers. Defaults to [virtio.HeapAllocator].
	Allocator virtio.Allocator
}

// Driver drives a virtio socket device. Its methods are synchronous and do not
// block waiting on the peer; PollRecv must be called repeatedly to receive.
// Connection state lives in caller-held [ConnectionInfo] records.
type Driver struct {
	mu        sync.Mutex
	transport virtio.Transport
	rx        virtio.Queue
	tx        virtio.Queue
	event     virtio.Queue
	alloc     virtio.Allocator
	// guestCID uniquely identifies the device for its lifetime. Immutable after New.
	guestCID uint64
	rxBufs   [QueueSize][]byte
	slots    [QueueSize]slotState
	// txHdr and txBufs are used only by sendPacket.
	txHdr        [vsockhdr.HeaderLen]byte
	txBufs       [2][]byte
	logger       *slog.Logger
	traceEnabled bool
	closed       bool
}

// New initializes the socket device behind transport: negotiates features,
// reads the guest CID, sets up the queues and fills the receive queue.
func New(transport virtio.Transport, cfg Config) (_ *Driver, err error) {
	if transport == nil {
		return nil, errors.New("vsock: nil transport")
	}
	d := &Driver{
		transport: transport,
		alloc:     cfg.Allocator,
		logger:    cfg.Logger,
	}
	if d.alloc == nil {
		d.alloc = virtio.HeapAllocator{}
	}
	d.traceEnabled = d.logger != nil && d.logger.Handler().Enabled(context.Background(), levelTrace)
	if dt := transport.DeviceType(); dt != virtio.SocketDeviceID {
		return nil, errors.Errorf("vsock: expected socket device, got %s", dt)
	}

	err = transport.BeginInit(func(features uint64) uint64 {
		d.info("device features", slog.Uint64("features", features))
		return features & supportedFeatures
	})
	if err != nil {
		return nil, errors.Wrap(err, "vsock: begin init")
	}
	defer func() {
		if err != nil {
			d.teardown()
		}
	}()

	cidLow, err := transport.ReadConfig32(vsockhdr.ConfigGuestCIDLow)
	if err != nil {
		return nil, errors.Wrap(err, "vsock: reading guest cid")
	}
	cidHigh, err := transport.ReadConfig32(vsockhdr.ConfigGuestCIDHigh)
	if err != nil {
		return nil, errors.Wrap(err, "vsock: reading guest cid")
	}
	d.guestCID = uint64(cidLow) | uint64(cidHigh)<<32
	d.info("guest cid", slog.Uint64("cid", d.guestCID))

	d.rx, err = transport.SetupQueue(RxQueueIdx, QueueSize)
	if err != nil {
		return nil, errors.Wrap(err, "vsock: rx queue setup")
	}
	d.tx, err = transport.SetupQueue(TxQueueIdx, QueueSize)
	if err != nil {
		return nil, errors.Wrap(err, "vsock: tx queue setup")
	}
	d.event, err = transport.SetupQueue(EventQueueIdx, QueueSize)
	if err != nil {
		return nil, errors.Wrap(err, "vsock: event queue setup")
	}

	for i := range d.rxBufs {
		buf, err := d.alloc.DMAAlloc(RxBufferSize)
		if err != nil {
			return nil, errors.Wrap(err, "vsock: rx buffer alloc")
		}
		clear(buf)
		d.rxBufs[i] = buf
		tok, err := d.rx.Add(nil, [][]byte{buf})
		if err != nil {
			return nil, errors.Wrap(err, "vsock: rx buffer submit")
		}
		if int(tok) != i {
			panic("vsock: rx slot " + strconv.Itoa(i) + " submitted with token " + strconv.Itoa(int(tok)))
		}
		d.slots[i] = slotSubmitted
	}
	d.debug("rx buffers submitted", slog.Int("slots", QueueSize), slog.Int("size", RxBufferSize))

	err = transport.FinishInit()
	if err != nil {
		return nil, errors.Wrap(err, "vsock: finish init")
	}
	if d.rx.ShouldNotify() {
		transport.Notify(RxQueueIdx)
	}
	return d, nil
}

// Close unbinds the queues from the device and then releases the receive
// buffers. The driver may not be used afterwards.
func (d *Driver) Close() error {
	err := d.acquire()
	defer d.unlock()
	if err != nil {
		return err
	}
	d.closed = true
	d.teardown()
	d.info("closed")
	return nil
}

// teardown unsets every queue before freeing any buffer so the device can not
// write into released memory.
func (d *Driver) teardown() {
	if d.rx != nil {
		d.transport.UnsetQueue(RxQueueIdx)
	}
	if d.tx != nil {
		d.transport.UnsetQueue(TxQueueIdx)
	}
	if d.event != nil {
		d.transport.UnsetQueue(EventQueueIdx)
	}
	d.rx, d.tx, d.event = nil, nil, nil
	for i, buf := range d.rxBufs {
		if buf == nil {
			continue
		}
		d.alloc.DMAFree(buf)
		d.rxBufs[i] = nil
		d.slots[i] = slotUnallocated
	}
}

// GuestCID returns the context identifier assigned to this guest.
func (d *Driver) GuestCID() uint64 { return d.guestCID }

// Connect sends a request to connect to dst from srcPort. It returns as soon
// as the request is sent; wait for an EventConnected from PollRecv before
// sending data.
func (d *Driver) Connect(dst Addr, srcPort uint32) error {
	err := d.acquire()
	defer d.unlock()
	if err != nil {
		return err
	}
	hdr := vsockhdr.Header{
		SrcCID:  d.guestCID,
		DstCID:  dst.CID,
		SrcPort: srcPort,
		DstPort: dst.Port,
		Type:    vsockhdr.TypeStream,
	}
	hdr.SetOp(vsockhdr.OpRequest)
	d.debug("connect", slog.String("dst", dst.String()), slog.Uint64("src_port", uint64(srcPort)))
	return d.sendPacket(&hdr, nil)
}

// Send sends buf to the peer of ci. If the peer has not advertised enough
// free space, a credit request is sent (unless one is already pending) and
// ErrInsufficientBufferSpaceInPeer is returned.
func (d *Driver) Send(buf []byte, ci *ConnectionInfo) error {
	err := d.acquire()
	defer d.unlock()
	if err != nil {
		return err
	}
	err = d.checkPeerBufferIsSufficient(ci, len(buf))
	if err != nil {
		return err
	}
	hdr := ci.Header(d.guestCID, vsockhdr.OpRW)
	hdr.Len = uint32(len(buf))
	ci.RecordSent(len(buf))
	return d.sendPacket(&hdr, buf)
}

func (d *Driver) checkPeerBufferIsSufficient(ci *ConnectionInfo, length int) error {
	if uint64(ci.PeerFree()) >= uint64(length) {
		return nil
	}
	if !ci.hasPendingCreditRequest {
		err := d.requestCredit(ci)
		if err != nil {
			return err
		}
		ci.hasPendingCreditRequest = true
	}
	return ErrInsufficientBufferSpaceInPeer
}

// requestCredit asks the peer for a credit update.
func (d *Driver) requestCredit(ci *ConnectionInfo) error {
	hdr := ci.Header(d.guestCID, vsockhdr.OpCreditRequest)
	d.debug("credit request", slog.String("dst", ci.Dst.String()), slog.Uint64("peer_free", uint64(ci.PeerFree())))
	return d.sendPacket(&hdr, nil)
}

// CreditUpdate tells the peer of ci that bufferSize bytes of receive buffer
// are allocated for the connection. The driver never sends credit updates on
// its own: call it after DoneForwarding frees space or on EventCreditRequest.
func (d *Driver) CreditUpdate(ci *ConnectionInfo, bufferSize uint32) error {
	err := d.acquire()
	defer d.unlock()
	if err != nil {
		return err
	}
	ci.bufAlloc = bufferSize
	hdr := ci.Header(d.guestCID, vsockhdr.OpCreditUpdate)
	return d.sendPacket(&hdr, nil)
}

// Shutdown requests a clean shutdown of the connection. It returns as soon as
// the request is sent; the peer's acknowledgement arrives as an
// EventDisconnected.
func (d *Driver) Shutdown(ci *ConnectionInfo) error {
	err := d.acquire()
	defer d.unlock()
	if err != nil {
		return err
	}
	hdr := ci.Header(d.guestCID, vsockhdr.OpShutdown)
	hdr.Flags = vsockhdr.ShutdownRecv | vsockhdr.ShutdownSend
	return d.sendPacket(&hdr, nil)
}

// ForceClose resets the connection without waiting for the peer.
func (d *Driver) ForceClose(ci *ConnectionInfo) error {
	err := d.acquire()
	defer d.unlock()
	if err != nil {
		return err
	}
	hdr := ci.Header(d.guestCID, vsockhdr.OpRst)
	return d.sendPacket(&hdr, nil)
}

// sendPacket submits header and body to the transmit queue, notifies the
// device and waits until the device has consumed them.
func (d *Driver) sendPacket(hdr *vsockhdr.Header, body []byte) error {
	hdr.Put(d.txHdr[:])
	inputs := d.txBufs[:1]
	inputs[0] = d.txHdr[:]
	if len(body) > 0 {
		inputs = append(inputs, body)
	}
	d.trace("tx", hdrAttr(hdr))
	tok, err := d.tx.Add(inputs, nil)
	if err != nil {
		return errors.Wrap(err, "vsock: tx add")
	}
	if d.tx.ShouldNotify() {
		d.transport.Notify(TxQueueIdx)
	}
	for {
		if _, ok := d.tx.PeekUsed(); ok {
			break
		}
		runtime.Gosched()
	}
	_, err = d.tx.PopUsed(tok, inputs, nil)
	d.txBufs = [2][]byte{}
	if err != nil {
		return errors.Wrap(err, "vsock: tx pop")
	}
	return nil
}

func (d *Driver) acquire() error {
	d.mu.Lock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *Driver) unlock() { d.mu.Unlock() }
