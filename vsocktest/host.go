// Package vsocktest implements a simulated host peer for a guest vsock driver.
// The host sits on the device side of a [fake.Transport]: it consumes the
// packets the guest transmits and writes its own into the guest's receive
// queue.
package vsocktest

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/vsock"
	"github.com/soypat/vsock/virtio/fake"
	"github.com/soypat/vsock/vsockhdr"
)

// MaxBody is the largest body the host puts in a packet so it fits one guest receive slot.
const MaxBody = vsock.RxBufferSize - vsockhdr.HeaderLen

// Config configures a Host.
type Config struct {
	Logger *slog.Logger
}

type connKey struct {
	guest vsock.Addr
	port  uint32
}

// Host is a simulated peer at CID 2. It accepts guest connections on
// listening ports, tracks credit for each connection with a
// [vsock.ConnectionInfo] and acknowledges shutdowns with a reset.
type Host struct {
	mu        sync.Mutex
	tr        *fake.Transport
	listeners map[uint32]uint32
	conns     map[connKey]*Conn
	accepted  []*Conn
	// backlog holds packets the guest has no receive slot for yet, in order.
	backlog [][]byte
	logger  *slog.Logger
}

// New attaches a host to tr. It replaces tr.OnNotify.
func New(tr *fake.Transport, cfg Config) *Host {
	h := &Host{
		tr:        tr,
		listeners: make(map[uint32]uint32),
		conns:     make(map[connKey]*Conn),
		logger:    cfg.Logger,
	}
	tr.OnNotify = h.onNotify
	return h
}

// Listen accepts guest connections to port, advertising bufAlloc bytes of
// receive buffer on each.
func (h *Host) Listen(port, bufAlloc uint32) {
	h.mu.Lock()
	h.listeners[port] = bufAlloc
	h.mu.Unlock()
}

// Unlisten stops accepting connections to port. Established connections are not affected.
func (h *Host) Unlisten(port uint32) {
	h.mu.Lock()
	delete(h.listeners, port)
	h.mu.Unlock()
}

// Accept returns the oldest accepted connection not yet returned by Accept.
func (h *Host) Accept() (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.accepted) == 0 {
		return nil, false
	}
	c := h.accepted[0]
	h.accepted = h.accepted[1:]
	return c, true
}

// Conn returns the live connection from the guest address guest to the host port.
func (h *Host) Conn(guest vsock.Addr, port uint32) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connKey{guest: guest, port: port}]
	return c, ok
}

// Request sends a connection request to the guest. Guests do not listen, so
// the returned connection is expected to be refused.
func (h *Host) Request(guest vsock.Addr, port, bufAlloc uint32) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.newConn(guest, port, bufAlloc)
	hdr := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpRequest)
	h.sendLocked(&hdr, nil)
	return c
}

// Backlog returns the number of packets waiting for a guest receive slot.
func (h *Host) Backlog() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.backlog)
}

func (h *Host) newConn(guest vsock.Addr, port, bufAlloc uint32) *Conn {
	c := &Conn{
		h:  h,
		ci: vsock.NewConnectionInfo(guest, port),
	}
	c.ci.SetLocalBufAlloc(bufAlloc)
	h.conns[connKey{guest: guest, port: port}] = c
	return c
}

func (h *Host) onNotify(idx uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx == vsock.TxQueueIdx {
		q := h.tr.Queue(idx)
		if q == nil {
			return
		}
		for _, pkt := range q.DeviceReadAll() {
			h.handle(pkt)
		}
	}
	// Receive buffers may have been returned.
	h.flushLocked()
}

// handle processes one packet transmitted by the guest.
func (h *Host) handle(pkt []byte) {
	if len(pkt) < vsockhdr.HeaderLen {
		h.warn("short packet from guest", slog.Int("len", len(pkt)))
		return
	}
	hdr := vsockhdr.DecodeHeader(pkt)
	body := pkt[vsockhdr.HeaderLen:]
	guest := vsock.Addr{CID: hdr.SrcCID, Port: hdr.SrcPort}
	key := connKey{guest: guest, port: hdr.DstPort}
	h.debug("guest packet", slog.String("op", hdr.Op().String()), slog.String("src", guest.String()),
		slog.Uint64("dst_port", uint64(hdr.DstPort)), slog.Int("len", len(body)))

	if hdr.Op() == vsockhdr.OpRequest {
		bufAlloc, listening := h.listeners[hdr.DstPort]
		if !listening || h.conns[key] != nil {
			h.resetLocked(&hdr)
			return
		}
		c := h.newConn(guest, hdr.DstPort, bufAlloc)
		c.updateCredit(&hdr)
		c.established = true
		h.accepted = append(h.accepted, c)
		resp := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpResponse)
		h.sendLocked(&resp, nil)
		return
	}

	c := h.conns[key]
	if c == nil {
		if hdr.Op() != vsockhdr.OpRst {
			h.resetLocked(&hdr)
		}
		return
	}
	c.updateCredit(&hdr)
	switch hdr.Op() {
	case vsockhdr.OpResponse:
		c.established = true
	case vsockhdr.OpRW:
		if int(hdr.Len) != len(body) {
			h.warn("guest data length mismatch", slog.Uint64("hdr_len", uint64(hdr.Len)), slog.Int("len", len(body)))
		}
		if len(c.rx)+len(body) > int(c.ci.LocalBufAlloc()) {
			h.warn("guest exceeded advertised buffer", slog.String("src", guest.String()))
		}
		c.rx = append(c.rx, body...)
	case vsockhdr.OpCreditRequest:
		upd := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpCreditUpdate)
		h.sendLocked(&upd, nil)
	case vsockhdr.OpCreditUpdate:
	case vsockhdr.OpShutdown:
		c.peerShutdown = true
		delete(h.conns, key)
		rst := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpRst)
		h.sendLocked(&rst, nil)
	case vsockhdr.OpRst:
		c.reset = true
		delete(h.conns, key)
	default:
		h.warn("invalid op from guest", slog.Uint64("op", uint64(hdr.RawOp)))
	}
}

// resetLocked answers hdr with a reset.
func (h *Host) resetLocked(hdr *vsockhdr.Header) {
	rst := vsockhdr.Header{
		SrcCID:  vsockhdr.CIDHost,
		DstCID:  hdr.SrcCID,
		SrcPort: hdr.DstPort,
		DstPort: hdr.SrcPort,
		Type:    vsockhdr.TypeStream,
	}
	rst.SetOp(vsockhdr.OpRst)
	h.sendLocked(&rst, nil)
}

// sendLocked queues a packet for the guest and delivers what fits.
func (h *Host) sendLocked(hdr *vsockhdr.Header, body []byte) {
	hdr.Len = uint32(len(body))
	pkt := append(hdr.AppendTo(make([]byte, 0, vsockhdr.HeaderLen+len(body))), body...)
	h.backlog = append(h.backlog, pkt)
	h.flushLocked()
}

func (h *Host) flushLocked() {
	q := h.tr.Queue(vsock.RxQueueIdx)
	if q == nil {
		return
	}
	for len(h.backlog) > 0 {
		_, err := q.DeviceWrite(h.backlog[0])
		if err == fake.ErrNoAvailable {
			return
		} else if err != nil {
			h.warn("dropping packet for guest", slog.String("err", err.Error()))
		}
		h.backlog = h.backlog[1:]
	}
}

func (h *Host) debug(msg string, attrs ...slog.Attr) {
	if h.logger != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (h *Host) warn(msg string, attrs ...slog.Attr) {
	if h.logger != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
	}
}

// Conn is the host end of a connection. Its methods never block.
type Conn struct {
	h            *Host
	ci           vsock.ConnectionInfo
	rx           []byte
	established  bool
	peerShutdown bool
	reset        bool
	closed       bool
	// creditRequested is set from a credit request until the guest's next credit update.
	creditRequested bool
}

// ErrNoCredit is returned by Write when the guest has no free buffer space.
var ErrNoCredit = errors.New("vsocktest: guest has no free buffer space")

func (c *Conn) updateCredit(hdr *vsockhdr.Header) {
	ev := vsock.Event{
		BufferStatus: vsock.BufferStatus{BufferAllocation: hdr.BufAlloc, ForwardCount: hdr.FwdCnt},
	}
	if hdr.Op() == vsockhdr.OpCreditUpdate {
		ev.Type = vsock.EventCreditUpdate
		c.creditRequested = false
	}
	c.ci.UpdateForEvent(&ev)
}

// Guest returns the guest's address.
func (c *Conn) Guest() vsock.Addr {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	return c.ci.Dst
}

// Established reports whether the connection was accepted.
func (c *Conn) Established() bool {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	return c.established && !c.reset && !c.closed
}

// Buffered returns the number of bytes received from the guest and not yet read.
func (c *Conn) Buffered() int {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	return len(c.rx)
}

// Read copies received data into b and returns the guest's credit back to it.
// It returns 0, nil when nothing is buffered and io.EOF once the guest shut
// down and everything was read.
func (c *Conn) Read(b []byte) (int, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if len(c.rx) == 0 {
		switch {
		case c.peerShutdown:
			return 0, io.EOF
		case c.closed:
			return 0, vsock.ErrNotConnected
		case c.reset:
			return 0, vsock.ErrConnectionReset
		}
		return 0, nil
	}
	n := copy(b, c.rx)
	c.rx = c.rx[:copy(c.rx, c.rx[n:])]
	c.ci.DoneForwarding(n)
	if c.live() {
		upd := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpCreditUpdate)
		c.h.sendLocked(&upd, nil)
	}
	return n, nil
}

// Write sends as much of b as the guest has credit for, in packets that fit
// its receive slots. With no credit a credit request is sent once and
// ErrNoCredit returned.
func (c *Conn) Write(b []byte) (int, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if !c.live() {
		if c.reset {
			return 0, vsock.ErrConnectionReset
		}
		return 0, vsock.ErrNotConnected
	}
	n := 0
	for n < len(b) {
		free := int(c.ci.PeerFree())
		if free == 0 {
			break
		}
		chunk := b[n:]
		chunk = chunk[:min(len(chunk), free, MaxBody)]
		hdr := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpRW)
		c.ci.RecordSent(len(chunk))
		c.h.sendLocked(&hdr, chunk)
		n += len(chunk)
	}
	if n == 0 && len(b) > 0 {
		if !c.creditRequested {
			req := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpCreditRequest)
			c.h.sendLocked(&req, nil)
			c.creditRequested = true
		}
		return 0, ErrNoCredit
	}
	return n, nil
}

// Shutdown asks the guest to shut the connection down. The guest
// acknowledges with a reset.
func (c *Conn) Shutdown() error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if !c.live() {
		return vsock.ErrNotConnected
	}
	hdr := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpShutdown)
	hdr.Flags = vsockhdr.ShutdownRecv | vsockhdr.ShutdownSend
	c.closed = true
	c.h.sendLocked(&hdr, nil)
	return nil
}

// Close resets the connection.
func (c *Conn) Close() error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if c.closed {
		return vsock.ErrNotConnected
	}
	c.closed = true
	if c.established && !c.reset && !c.peerShutdown {
		rst := c.ci.Header(vsockhdr.CIDHost, vsockhdr.OpRst)
		c.h.sendLocked(&rst, nil)
	}
	delete(c.h.conns, c.key())
	return nil
}

// Err reports why the connection ended: ErrConnectionRefused if the guest
// reset a connection it never accepted, ErrConnectionReset for other resets.
func (c *Conn) Err() error {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	switch {
	case c.reset && !c.established:
		return vsock.ErrConnectionRefused
	case c.reset:
		return vsock.ErrConnectionReset
	}
	return nil
}

func (c *Conn) key() connKey { return connKey{guest: c.ci.Dst, port: c.ci.SrcPort} }

func (c *Conn) live() bool {
	return c.established && !c.reset && !c.closed && !c.peerShutdown
}
