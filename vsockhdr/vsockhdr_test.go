package vsockhdr

import (
	"bytes"
	"testing"
)

func TestDecodeHeader(t *testing.T) {
	var buf [HeaderLen]byte
	for i := range buf {
		buf[i] = byte(i)
	}
	hdr := DecodeHeader(buf[:])
	if hdr.SrcCID != 0x0706050403020100 {
		t.Errorf("bad src cid %#x", hdr.SrcCID)
	}
	if hdr.DstCID != 0x0f0e0d0c0b0a0908 {
		t.Errorf("bad dst cid %#x", hdr.DstCID)
	}
	if hdr.SrcPort != 0x13121110 || hdr.DstPort != 0x17161514 {
		t.Errorf("bad ports %#x %#x", hdr.SrcPort, hdr.DstPort)
	}
	if hdr.Len != 0x1b1a1918 {
		t.Errorf("bad len %#x", hdr.Len)
	}
	if hdr.Type != 0x1d1c || hdr.RawOp != 0x1f1e {
		t.Errorf("bad type/op %#x %#x", hdr.Type, hdr.RawOp)
	}
	if hdr.Flags != 0x23222120 || hdr.BufAlloc != 0x27262524 || hdr.FwdCnt != 0x2b2a2928 {
		t.Errorf("bad flags/credit %#x %#x %#x", hdr.Flags, hdr.BufAlloc, hdr.FwdCnt)
	}
	var out [HeaderLen]byte
	hdr.Put(out[:])
	if !bytes.Equal(out[:], buf[:]) {
		t.Errorf("put mismatch:\n%x\n%x", out, buf)
	}
}

func TestHeaderOp(t *testing.T) {
	var hdr Header
	for op := OpRequest; op <= OpCreditRequest; op++ {
		hdr.SetOp(op)
		if hdr.Op() != op {
			t.Errorf("want %s, got %s", op, hdr.Op())
		}
	}
	hdr.RawOp = 8
	if hdr.Op() != OpInvalid {
		t.Error("unknown op code should decode as invalid, got", hdr.Op())
	}
	hdr.RawOp = 0
	if hdr.Op() != OpInvalid {
		t.Error("zero op code should decode as invalid")
	}
	if OpCreditRequest.String() != "CreditRequest" {
		t.Error("bad op string", OpCreditRequest.String())
	}
	if Op(99).String() != "Op(99)" {
		t.Error("bad unknown op string", Op(99).String())
	}
}

func TestAppendTo(t *testing.T) {
	hdr := Header{SrcCID: 3, DstCID: CIDHost, SrcPort: 5000, DstPort: 1234, Type: TypeStream}
	hdr.SetOp(OpRequest)
	b := hdr.AppendTo([]byte{0xff})
	if len(b) != HeaderLen+1 || b[0] != 0xff {
		t.Fatal("bad append length", len(b))
	}
	if got := DecodeHeader(b[1:]); got != hdr {
		t.Errorf("append/decode mismatch %+v != %+v", got, hdr)
	}
}
