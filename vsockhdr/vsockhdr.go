// package vsockhdr implements the virtio-vsock packet header wire format.
package vsockhdr

import "encoding/binary"

// HeaderLen is the size in bytes of the packet header on the wire.
const HeaderLen = 44

// Socket types.
const (
	TypeStream    uint16 = 1
	TypeSeqpacket uint16 = 2
)

// Flags sent along with an OpShutdown.
const (
	// ShutdownRecv indicates the sender will receive no more data.
	ShutdownRecv uint32 = 1 << 0
	// ShutdownSend indicates the sender will send no more data.
	ShutdownSend uint32 = 1 << 1
)

// Device feature bits.
const (
	FeatureStream    uint64 = 1 << 0
	FeatureSeqpacket uint64 = 1 << 1
)

// Well known context identifiers.
const (
	CIDHypervisor = 0
	CIDLocal      = 1
	CIDHost       = 2
)

// Device configuration space offsets.
const (
	ConfigGuestCIDLow  = 0
	ConfigGuestCIDHigh = 4
)

// Op is the operation code of a packet.
type Op uint16

//go:generate stringer -type=Op -output=op_string.go -trimprefix=Op

const (
	OpInvalid Op = iota
	// Connection request.
	OpRequest
	// Connection accepted.
	OpResponse
	// Reset/reject.
	OpRst
	// Graceful shutdown.
	OpShutdown
	// Data.
	OpRW
	// Tells the peer our buffer status.
	OpCreditUpdate
	// Asks the peer for its buffer status.
	OpCreditRequest
)

// IsValid reports whether op is a known operation other than OpInvalid.
func (op Op) IsValid() bool { return op > OpInvalid && op <= OpCreditRequest }

// Header is the virtio-vsock packet header.
//
//	u64 src_cid
//	u64 dst_cid
//	u32 src_port
//	u32 dst_port
//	u32 len
//	u16 type
//	u16 op
//	u32 flags
//	u32 buf_alloc
//	u32 fwd_cnt
type Header struct {
	SrcCID  uint64
	DstCID  uint64
	SrcPort uint32
	DstPort uint32
	// Len is the length of the body following the header.
	Len  uint32
	Type uint16
	// Op is kept raw so that unknown codes survive decoding. Use Header.Op.
	RawOp uint16
	Flags uint32
	// BufAlloc is the total receive buffer space the sender has for this connection.
	BufAlloc uint32
	// FwdCnt is the number of body bytes the sender has consumed so far.
	FwdCnt uint32
}

// Op returns the header's operation, OpInvalid if the code is not recognised.
func (h *Header) Op() Op {
	op := Op(h.RawOp)
	if !op.IsValid() {
		return OpInvalid
	}
	return op
}

// SetOp sets the operation code.
func (h *Header) SetOp(op Op) { h.RawOp = uint16(op) }

// DecodeHeader decodes the first HeaderLen bytes of b. Panics if b is shorter than HeaderLen.
func DecodeHeader(b []byte) (hdr Header) {
	_ = b[HeaderLen-1]
	hdr.SrcCID = binary.LittleEndian.Uint64(b[0:])
	hdr.DstCID = binary.LittleEndian.Uint64(b[8:])
	hdr.SrcPort = binary.LittleEndian.Uint32(b[16:])
	hdr.DstPort = binary.LittleEndian.Uint32(b[20:])
	hdr.Len = binary.LittleEndian.Uint32(b[24:])
	hdr.Type = binary.LittleEndian.Uint16(b[28:])
	hdr.RawOp = binary.LittleEndian.Uint16(b[30:])
	hdr.Flags = binary.LittleEndian.Uint32(b[32:])
	hdr.BufAlloc = binary.LittleEndian.Uint32(b[36:])
	hdr.FwdCnt = binary.LittleEndian.Uint32(b[40:])
	return hdr
}

// Put puts all 44 bytes of the header in dst. Panics if dst is shorter than HeaderLen.
func (h *Header) Put(dst []byte) {
	_ = dst[HeaderLen-1]
	binary.LittleEndian.PutUint64(dst[0:], h.SrcCID)
	binary.LittleEndian.PutUint64(dst[8:], h.DstCID)
	binary.LittleEndian.PutUint32(dst[16:], h.SrcPort)
	binary.LittleEndian.PutUint32(dst[20:], h.DstPort)
	binary.LittleEndian.PutUint32(dst[24:], h.Len)
	binary.LittleEndian.PutUint16(dst[28:], h.Type)
	binary.LittleEndian.PutUint16(dst[30:], h.RawOp)
	binary.LittleEndian.PutUint32(dst[32:], h.Flags)
	binary.LittleEndian.PutUint32(dst[36:], h.BufAlloc)
	binary.LittleEndian.PutUint32(dst[40:], h.FwdCnt)
}

// AppendTo appends the encoded header to dst.
func (h *Header) AppendTo(dst []byte) []byte {
	var buf [HeaderLen]byte
	h.Put(buf[:])
	return append(dst, buf[:]...)
}
