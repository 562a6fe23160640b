package vsocktest

import (
	"testing"

	"github.com/soypat/vsock"
	"github.com/soypat/vsock/virtio"
	"github.com/soypat/vsock/virtio/fake"
)

func setup(t *testing.T) (*vsock.Driver, *Host) {
	t.Helper()
	tr := fake.NewTransport(virtio.SocketDeviceID, 0, fake.SocketConfig(3))
	h := New(tr, Config{})
	d, err := vsock.New(tr, vsock.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return d, h
}

func mustPoll(t *testing.T, d *vsock.Driver, want vsock.EventType) vsock.Event {
	t.Helper()
	var buf [vsock.RxBufferSize]byte
	ev, ok, err := d.PollRecv(buf[:])
	if err != nil || !ok {
		t.Fatalf("want %s event, got ok=%v err=%v", want, ok, err)
	}
	if ev.Type != want {
		t.Fatalf("want %s event, got %s", want, ev)
	}
	return ev
}

func TestHostAcceptAndCredit(t *testing.T) {
	d, h := setup(t)
	h.Listen(80, 300)
	dst := vsock.Addr{CID: 2, Port: 80}
	ci := vsock.NewConnectionInfo(dst, 4000)
	if err := d.Connect(dst, 4000); err != nil {
		t.Fatal(err)
	}
	ev := mustPoll(t, d, vsock.EventConnected)
	if !ev.MatchesConnection(&ci, d.GuestCID()) {
		t.Fatal("response does not match connection", ev)
	}
	if ev.BufferAllocation != 300 {
		t.Error("host should advertise its buffer, got", ev.BufferAllocation)
	}
	ci.UpdateForEvent(&ev)
	hc, ok := h.Accept()
	if !ok || !hc.Established() {
		t.Fatal("host did not accept")
	}

	if err := d.Send(make([]byte, 300), &ci); err != nil {
		t.Fatal(err)
	}
	if ci.PeerFree() != 0 {
		t.Fatal("peer should be full")
	}
	if err := d.Send([]byte{1}, &ci); err != vsock.ErrInsufficientBufferSpaceInPeer {
		t.Fatal("want insufficient space, got", err)
	}
	// Host answers the credit request with an unchanged forward count.
	ev = mustPoll(t, d, vsock.EventCreditUpdate)
	ci.UpdateForEvent(&ev)
	if ci.PendingCreditRequest() || ci.PeerFree() != 0 {
		t.Fatal("bad credit state after update", ci.PendingCreditRequest(), ci.PeerFree())
	}

	buf := make([]byte, 100)
	n, err := hc.Read(buf)
	if err != nil || n != 100 {
		t.Fatal("host read", n, err)
	}
	if hc.Buffered() != 200 {
		t.Error("want 200 bytes buffered, got", hc.Buffered())
	}
	ev = mustPoll(t, d, vsock.EventCreditUpdate)
	ci.UpdateForEvent(&ev)
	if ci.PeerFree() != 100 {
		t.Error("want 100 free after host read, got", ci.PeerFree())
	}
}

func TestHostRefusesUnlistened(t *testing.T) {
	d, _ := setup(t)
	if err := d.Connect(vsock.Addr{CID: 2, Port: 81}, 4000); err != nil {
		t.Fatal(err)
	}
	ev := mustPoll(t, d, vsock.EventDisconnected)
	if ev.Reason != vsock.DisconnectReset {
		t.Error("want reset, got", ev.Reason)
	}
}

func TestHostWriteNeedsCredit(t *testing.T) {
	d, h := setup(t)
	h.Listen(80, 1024)
	dst := vsock.Addr{CID: 2, Port: 80}
	ci := vsock.NewConnectionInfo(dst, 4000)
	d.Connect(dst, 4000)
	mustPoll(t, d, vsock.EventConnected)
	hc, _ := h.Accept()

	// Guest has advertised nothing yet.
	if _, err := hc.Write([]byte("hi")); err != ErrNoCredit {
		t.Fatal("want ErrNoCredit, got", err)
	}
	mustPoll(t, d, vsock.EventCreditRequest)
	if _, err := hc.Write([]byte("hi")); err != ErrNoCredit {
		t.Fatal("want ErrNoCredit, got", err)
	}
	var buf [vsock.RxBufferSize]byte
	if _, ok, _ := d.PollRecv(buf[:]); ok {
		t.Fatal("credit request must not repeat until the guest answers")
	}

	if err := d.CreditUpdate(&ci, 2); err != nil {
		t.Fatal(err)
	}
	n, err := hc.Write([]byte("hello"))
	if err != nil || n != 2 {
		t.Fatal("want partial write of 2, got", n, err)
	}
	ev, ok, err := d.PollRecv(buf[:])
	if err != nil || !ok || ev.Type != vsock.EventReceived {
		t.Fatal("want data event, got", ok, err)
	}
	if ev.Length != 2 || string(buf[:2]) != "he" {
		t.Error("bad data event", ev)
	}
}

func TestHostRequestRejectedByGuest(t *testing.T) {
	d, h := setup(t)
	hc := h.Request(vsock.Addr{CID: 3, Port: 7000}, 90, 1024)
	var buf [vsock.RxBufferSize]byte
	_, ok, err := d.PollRecv(buf[:])
	if ok || err != nil {
		t.Fatal("guest should silently reject", ok, err)
	}
	if hc.Err() != vsock.ErrConnectionRefused {
		t.Error("want refused, got", hc.Err())
	}
}

func TestHostBacklogBackPressure(t *testing.T) {
	d, h := setup(t)
	h.Listen(80, 1024)
	dst := vsock.Addr{CID: 2, Port: 80}
	ci := vsock.NewConnectionInfo(dst, 4000)
	d.Connect(dst, 4000)
	mustPoll(t, d, vsock.EventConnected)
	hc, _ := h.Accept()
	d.CreditUpdate(&ci, 1<<20)

	chunk := make([]byte, MaxBody)
	for i := 0; i < vsock.QueueSize+3; i++ {
		if _, err := hc.Write(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if h.Backlog() != 3 {
		t.Fatal("want 3 packets in backlog, got", h.Backlog())
	}
	var buf [vsock.RxBufferSize]byte
	for i := 0; i < vsock.QueueSize+3; i++ {
		ev, ok, err := d.PollRecv(buf[:])
		if err != nil || !ok || ev.Length != MaxBody {
			t.Fatalf("packet %d: ok=%v err=%v ev=%s", i, ok, err, ev)
		}
	}
	if h.Backlog() != 0 {
		t.Error("backlog should drain as slots return")
	}
}
