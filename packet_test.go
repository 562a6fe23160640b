package vsock

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/soypat/vsock/vsockhdr"
)

func rawPacket(op vsockhdr.Op, declaredLen uint32, body []byte) []byte {
	hdr := vsockhdr.Header{
		SrcCID:   vsockhdr.CIDHost,
		DstCID:   66,
		SrcPort:  1234,
		DstPort:  5000,
		Len:      declaredLen,
		Type:     vsockhdr.TypeStream,
		BufAlloc: 4096,
		FwdCnt:   0,
	}
	hdr.SetOp(op)
	return append(hdr.AppendTo(nil), body...)
}

func TestReadHeaderAndBody(t *testing.T) {
	pkt := rawPacket(vsockhdr.OpRW, 5, []byte("hello"))
	var body [16]byte
	hdr, err := readHeaderAndBody(pkt, body[:])
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Op() != vsockhdr.OpRW || hdr.Len != 5 {
		t.Error("bad header", hdr)
	}
	if !bytes.Equal(body[:5], []byte("hello")) {
		t.Errorf("bad body %q", body[:5])
	}
}

func TestReadHeaderAndBodyErrors(t *testing.T) {
	var body [16]byte
	_, err := readHeaderAndBody(make([]byte, vsockhdr.HeaderLen-1), body[:])
	if err != ErrBufferTooShort {
		t.Error("short header: expected ErrBufferTooShort, got", err)
	}

	pkt := rawPacket(vsockhdr.OpRW, 10, []byte("12345"))
	_, err = readHeaderAndBody(pkt, body[:])
	if err != ErrBufferTooShort {
		t.Error("truncated body: expected ErrBufferTooShort, got", err)
	}

	pkt = rawPacket(vsockhdr.OpRW, 10, []byte("0123456789"))
	_, err = readHeaderAndBody(pkt, body[:4])
	var outErr *OutputBufferTooShortError
	if !errors.As(err, &outErr) {
		t.Fatal("expected OutputBufferTooShortError, got", err)
	}
	if outErr.Required != 10 {
		t.Errorf("want required length 10, got %d", outErr.Required)
	}
	if !errors.Is(err, ErrOutputBufferTooShort) {
		t.Error("error should match ErrOutputBufferTooShort")
	}
	if body[0] != 0 {
		t.Error("nothing should be copied on error")
	}
}

func TestCheckedAdd(t *testing.T) {
	sum, ok := checkedAdd[uint8](200, 55)
	if !ok || sum != 255 {
		t.Error("unexpected overflow", sum, ok)
	}
	_, ok = checkedAdd[uint8](200, 56)
	if ok {
		t.Error("overflow not detected")
	}
	_, ok = checkedAdd[uint](^uint(0), 1)
	if ok {
		t.Error("overflow not detected for uint")
	}
	if satSub[uint32](3, 5) != 0 || satSub[uint32](5, 3) != 2 {
		t.Error("bad saturating subtraction")
	}
}

func TestCheckDataIsEmpty(t *testing.T) {
	hdr := vsockhdr.Header{}
	if checkDataIsEmpty(&hdr) != nil {
		t.Error("empty header should pass")
	}
	hdr.Len = 1
	if checkDataIsEmpty(&hdr) != ErrUnexpectedDataInPacket {
		t.Error("expected ErrUnexpectedDataInPacket")
	}
}
