package vsock

import (
	"github.com/soypat/seqs"
	"github.com/soypat/vsock/vsockhdr"
)

// ConnectionInfo holds the flow control state of one connection. It is owned
// by the caller: the driver keeps no per-connection state and only reads or
// advances the record passed to it.
//
// All counters wrap around at 2^32 as they do on the wire.
type ConnectionInfo struct {
	// Dst is the peer's address.
	Dst Addr
	// SrcPort is our port.
	SrcPort uint32

	// peerBufAlloc is the last buf_alloc the peer sent us: how much receive
	// buffer space in bytes it has allocated for packet bodies.
	peerBufAlloc seqs.Size
	// peerFwdCnt is the last fwd_cnt the peer sent us: how many body bytes it
	// has finished processing.
	peerFwdCnt seqs.Value
	// txCnt is the number of body bytes we have sent to the peer.
	txCnt seqs.Value
	// fwdCnt is the number of body bytes received from the peer and handled.
	fwdCnt seqs.Value
	// bufAlloc is the receive capacity last advertised to the peer.
	bufAlloc uint32
	// hasPendingCreditRequest is set when we send a credit request and
	// cleared when a credit update is received.
	hasPendingCreditRequest bool
}

// NewConnectionInfo returns the record of a connection from srcPort to dst.
func NewConnectionInfo(dst Addr, srcPort uint32) ConnectionInfo {
	return ConnectionInfo{
		Dst:     dst,
		SrcPort: srcPort,
	}
}

// UpdateForEvent refreshes the peer's buffer allocation and forward count
// from ev. Every event carries the peer's current credit.
func (ci *ConnectionInfo) UpdateForEvent(ev *Event) {
	ci.peerBufAlloc = seqs.Size(ev.BufferAllocation)
	ci.peerFwdCnt = seqs.Value(ev.ForwardCount)
	if ev.Type == EventCreditUpdate {
		ci.hasPendingCreditRequest = false
	}
}

// DoneForwarding increases the forwarded count by length bytes. Call it once
// received data has been handed to its consumer so the peer can be told,
// through [Driver.CreditUpdate], that buffer space is available again.
func (ci *ConnectionInfo) DoneForwarding(length int) {
	if length <= 0 {
		return
	}
	ci.fwdCnt = seqs.Add(ci.fwdCnt, seqs.Size(length))
}

// PeerFree returns the number of bytes that may be sent without exceeding
// the peer's advertised buffer space. It is zero until the peer advertises
// an allocation, and zero when the peer reports having consumed more bytes
// than were ever sent to it.
func (ci *ConnectionInfo) PeerFree() uint32 {
	if seqs.LessThan(ci.txCnt, ci.peerFwdCnt) {
		return 0
	}
	inflight := seqs.Sizeof(ci.peerFwdCnt, ci.txCnt)
	return uint32(satSub(ci.peerBufAlloc, inflight))
}

// PendingCreditRequest reports whether a credit request was sent and no
// credit update has been received since.
func (ci *ConnectionInfo) PendingCreditRequest() bool { return ci.hasPendingCreditRequest }

// TxCount returns the number of body bytes sent.
func (ci *ConnectionInfo) TxCount() uint32 { return uint32(ci.txCnt) }

// FwdCount returns the number of received body bytes acknowledged with DoneForwarding.
func (ci *ConnectionInfo) FwdCount() uint32 { return uint32(ci.fwdCnt) }

// PeerBufAlloc returns the peer's last advertised buffer allocation.
func (ci *ConnectionInfo) PeerBufAlloc() uint32 { return uint32(ci.peerBufAlloc) }

// PeerFwdCount returns the peer's last advertised forward count.
func (ci *ConnectionInfo) PeerFwdCount() uint32 { return uint32(ci.peerFwdCnt) }

// LocalBufAlloc returns the receive capacity last advertised with a credit update.
func (ci *ConnectionInfo) LocalBufAlloc() uint32 { return ci.bufAlloc }

// SetLocalBufAlloc sets the receive capacity carried in every header sent on
// the connection. [Driver.CreditUpdate] sets it too.
func (ci *ConnectionInfo) SetLocalBufAlloc(bufAlloc uint32) { ci.bufAlloc = bufAlloc }

// RecordSent advances the transmitted count by length bytes without checking
// the peer's free space. [Driver.Send] does this on its own.
func (ci *ConnectionInfo) RecordSent(length int) {
	if length <= 0 {
		return
	}
	ci.txCnt = seqs.Add(ci.txCnt, seqs.Size(length))
}

// Header returns the header of an op packet from srcCID on the connection,
// carrying our current buffer allocation and forward count.
func (ci *ConnectionInfo) Header(srcCID uint64, op vsockhdr.Op) vsockhdr.Header {
	hdr := vsockhdr.Header{
		SrcCID:   srcCID,
		DstCID:   ci.Dst.CID,
		SrcPort:  ci.SrcPort,
		DstPort:  ci.Dst.Port,
		Type:     vsockhdr.TypeStream,
		BufAlloc: ci.bufAlloc,
		FwdCnt:   uint32(ci.fwdCnt),
	}
	hdr.SetOp(op)
	return hdr
}
