package vsock

import (
	"log/slog"
	"strconv"

	"github.com/pkg/errors"
	"github.com/soypat/vsock/vsockhdr"
)

// PollRecv handles at most one packet from the receive queue without
// blocking. A received body is copied into buf, which must be large enough
// to hold it. ok is false if there was no packet or the packet does not
// produce an event.
func (d *Driver) PollRecv(buf []byte) (ev Event, ok bool, err error) {
	err = d.acquire()
	defer d.unlock()
	if err != nil {
		return ev, false, err
	}
	ev, ok, err = d.pollRxQueue(buf)
	if d.rx.ShouldNotify() {
		d.transport.Notify(RxQueueIdx)
	}
	return ev, ok, err
}

// pollRxQueue decodes the next used receive entry into an event.
func (d *Driver) pollRxQueue(body []byte) (ev Event, ok bool, err error) {
	hdr, ok, err := d.popPacketFromRxQueue(body)
	if err != nil || !ok {
		return ev, false, err
	}
	op := hdr.Op()
	ev = Event{
		Source:      Addr{CID: hdr.SrcCID, Port: hdr.SrcPort},
		Destination: Addr{CID: hdr.DstCID, Port: hdr.DstPort},
		BufferStatus: BufferStatus{
			BufferAllocation: hdr.BufAlloc,
			ForwardCount:     hdr.FwdCnt,
		},
	}
	switch op {
	case vsockhdr.OpRequest:
		err = checkDataIsEmpty(&hdr)
		if err != nil {
			return Event{}, false, err
		}
		// Listening is not supported, refuse the peer instead of leaving it waiting.
		d.warn("rejecting connection request", slog.String("src", ev.Source.String()), slog.Uint64("dst_port", uint64(hdr.DstPort)))
		return Event{}, false, d.reject(&hdr)

	case vsockhdr.OpResponse:
		err = checkDataIsEmpty(&hdr)
		ev.Type = EventConnected

	case vsockhdr.OpCreditUpdate:
		err = checkDataIsEmpty(&hdr)
		ev.Type = EventCreditUpdate

	case vsockhdr.OpRst, vsockhdr.OpShutdown:
		err = checkDataIsEmpty(&hdr)
		ev.Type = EventDisconnected
		ev.Reason = DisconnectShutdown
		if op == vsockhdr.OpRst {
			ev.Reason = DisconnectReset
		}
		if err == nil {
			d.info("disconnected from peer", slog.String("peer", ev.Source.String()), slog.String("reason", ev.Reason.String()))
		}

	case vsockhdr.OpRW:
		ev.Type = EventReceived
		ev.Length = int(hdr.Len)

	case vsockhdr.OpCreditRequest:
		err = checkDataIsEmpty(&hdr)
		ev.Type = EventCreditRequest

	default:
		d.logerr("invalid operation", hdrAttr(&hdr), slog.Uint64("op", uint64(hdr.RawOp)))
		return Event{}, false, ErrInvalidOperation
	}
	if err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

// reject answers an inbound connection request with a reset.
func (d *Driver) reject(req *vsockhdr.Header) error {
	hdr := vsockhdr.Header{
		SrcCID:  d.guestCID,
		DstCID:  req.SrcCID,
		SrcPort: req.DstPort,
		DstPort: req.SrcPort,
		Type:    vsockhdr.TypeStream,
	}
	hdr.SetOp(vsockhdr.OpRst)
	return d.sendPacket(&hdr, nil)
}

// popPacketFromRxQueue pops one used receive slot if there is one, decodes
// its header, copies its body into body and resubmits the slot. The slot is
// resubmitted whether decoding succeeds or not.
func (d *Driver) popPacketFromRxQueue(body []byte) (hdr vsockhdr.Header, ok bool, err error) {
	tok, ok := d.rx.PeekUsed()
	if !ok {
		return hdr, false, nil
	}
	slot := int(tok)
	if slot >= QueueSize || d.slots[slot] != slotSubmitted {
		panic("vsock: rx token " + strconv.Itoa(slot) + " does not map to a submitted slot")
	}
	buf := d.rxBufs[slot]
	outputs := [][]byte{buf}
	n, err := d.rx.PopUsed(tok, nil, outputs)
	if err != nil {
		return hdr, false, errors.Wrap(err, "vsock: rx pop")
	}
	d.slots[slot] = slotPending
	if n > uint32(len(buf)) {
		n = uint32(len(buf))
	}
	hdr, hdrErr := readHeaderAndBody(buf[:n], body)

	newTok, err := d.rx.Add(nil, outputs)
	if err != nil {
		panic("vsock: rx slot " + strconv.Itoa(slot) + " resubmit failed: " + err.Error())
	}
	// Slot bookkeeping is broken if the device hands out a different token,
	// the device could write into a buffer we consider ours.
	if newTok != tok {
		panic("vsock: rx slot " + strconv.Itoa(slot) + " resubmitted with token " + strconv.Itoa(int(newTok)))
	}
	d.slots[slot] = slotSubmitted
	if hdrErr != nil {
		d.debug("rx decode failed", slog.Int("slot", slot), slog.Uint64("len", uint64(n)), slog.String("err", hdrErr.Error()))
		return vsockhdr.Header{}, false, hdrErr
	}
	d.trace("rx", slog.Int("slot", slot), hdrAttr(&hdr))
	return hdr, true, nil
}
